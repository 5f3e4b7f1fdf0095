package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"birdrpc/message"
	"birdrpc/upload"
)

const (
	// EmptyConfig is installed by set_empty_config and at startup.
	EmptyConfig = "router id 100.100.100.100;\nprotocol device {\n}\n"

	ConfiguredMessage = "Configured successfully"

	StateUp    = "up"
	StateStart = "start"
	StateDown  = "down"
)

var protocolBlock = regexp.MustCompile(`(?m)^\s*protocol\s+([A-Za-z0-9_]+)(?:\s+([A-Za-z0-9_]+))?\s*(?:from\s+\w+\s*)?\{`)

type protocolState struct {
	name  string
	kind  string
	state string
	polls int
	since time.Time
}

// daemon is the emulated routing daemon behind the control endpoint. Callers
// hold Server.mu.
type daemon struct {
	version   string
	upAfter   int
	config    string
	handler   string
	protocols []*protocolState
	asm       upload.Assembler
	newToken  func() string
}

func newDaemon(version string, upAfter int) *daemon {
	d := &daemon{version: version, upAfter: upAfter, newToken: randomToken}
	d.apply(EmptyConfig)
	return d
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func (d *daemon) register(svc *service) {
	svc.register(message.MethodConnect, d.connect)
	svc.register(message.MethodAcquire, d.acquire)
	svc.register(message.MethodRelease, d.release)
	svc.register(message.MethodDisconnect, d.disconnect)
	svc.register(message.MethodGetConfig, d.getConfig)
	svc.register(message.MethodProtocolsInfo, d.protocolsInfo)
	svc.register(message.MethodSetEmptyConfig, d.setEmptyConfig)
	svc.register(message.MethodSetConfig, d.setConfig)
}

func (d *daemon) connect(ctx context.Context, params json.RawMessage) (any, error) {
	args, err := positional(params, 1)
	if err != nil {
		return nil, err
	}
	version, err := stringArg(args[0])
	if err != nil {
		return nil, err
	}
	if version != d.version {
		return nil, fmt.Errorf("Client version mismatch: server %s, client %s", d.version, version)
	}
	return true, nil
}

func (d *daemon) acquire(ctx context.Context, params json.RawMessage) (any, error) {
	args, err := positional(params, 1)
	if err != nil {
		return nil, err
	}
	force, err := boolArg(args[0])
	if err != nil {
		return nil, err
	}
	if d.handler != "" && !force {
		return nil, errors.New("Another client is acquired, use force to preempt it")
	}
	d.handler = d.newToken()
	d.asm.Reset()
	return d.handler, nil
}

func (d *daemon) release(ctx context.Context, params json.RawMessage) (any, error) {
	if err := d.checkHandler(params); err != nil {
		return nil, err
	}
	d.handler = ""
	d.asm.Reset()
	return true, nil
}

func (d *daemon) disconnect(ctx context.Context, params json.RawMessage) (any, error) {
	return true, nil
}

func (d *daemon) getConfig(ctx context.Context, params json.RawMessage) (any, error) {
	return d.config, nil
}

func (d *daemon) setEmptyConfig(ctx context.Context, params json.RawMessage) (any, error) {
	if err := d.checkHandler(params); err != nil {
		return nil, err
	}
	d.apply(EmptyConfig)
	return ConfiguredMessage, nil
}

func (d *daemon) setConfig(ctx context.Context, params json.RawMessage) (any, error) {
	var p upload.Params
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("params must be a fragment record: %v", err)
	}
	if d.handler == "" || p.Handler != d.handler {
		return nil, errors.New("handler mismatch, acquire first")
	}
	payload, done, err := d.asm.Add(p.AsFragment())
	if err != nil {
		return nil, err
	}
	if !done {
		return message.ContinuationSignal, nil
	}
	d.apply(payload)
	return ConfiguredMessage, nil
}

func (d *daemon) checkHandler(params json.RawMessage) error {
	args, err := positional(params, 1)
	if err != nil {
		return err
	}
	handler, err := stringArg(args[0])
	if err != nil {
		return err
	}
	if d.handler == "" || handler != d.handler {
		return errors.New("handler mismatch, acquire first")
	}
	return nil
}

// apply installs cfg and rebuilds the protocol table from its protocol blocks.
// Fresh protocols start in StateStart and come up after upAfter status queries.
func (d *daemon) apply(cfg string) {
	d.config = cfg
	d.protocols = d.protocols[:0]
	counts := make(map[string]int)
	now := time.Now()
	for _, m := range protocolBlock.FindAllStringSubmatch(cfg, -1) {
		kind := strings.ToLower(m[1])
		name := m[2]
		if name == "" {
			counts[kind]++
			name = fmt.Sprintf("%s%d", kind, counts[kind])
		}
		state := StateStart
		if kind == "device" || kind == "direct" || kind == "kernel" || kind == "static" {
			state = StateUp
		}
		d.protocols = append(d.protocols, &protocolState{name: name, kind: kind, state: state, since: now})
	}
}

func (d *daemon) setProtocolState(name, state string) bool {
	for _, p := range d.protocols {
		if p.name == name {
			p.state = state
			p.since = time.Now()
			return true
		}
	}
	return false
}

// protocolsInfo renders the status table in the daemon's "show protocols" layout.
func (d *daemon) protocolsInfo(ctx context.Context, params json.RawMessage) (any, error) {
	var b strings.Builder
	b.WriteString("BIRD 2.0.7 ready.\n")
	fmt.Fprintf(&b, "%-10s %-10s %-10s %-6s %-13s %s\n", "Name", "Proto", "Table", "State", "Since", "Info")
	for _, p := range d.protocols {
		if p.state == StateStart {
			if p.polls >= d.upAfter {
				p.state = StateUp
				p.since = time.Now()
			}
			p.polls++
		}
		info := "Active"
		if p.state == StateUp {
			info = "Established"
		}
		fmt.Fprintf(&b, "%-10s %-10s %-10s %-6s %-13s %s\n",
			p.name, protoLabel(p.kind), "---", p.state, p.since.Format("15:04:05.000"), info)
	}
	return b.String(), nil
}

func protoLabel(kind string) string {
	switch kind {
	case "bgp", "rip", "ospf", "bfd", "rpki", "mrt":
		return strings.ToUpper(kind)
	case "":
		return "---"
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}
