package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"birdrpc/client"
	"birdrpc/message"
	"birdrpc/registry"
	"birdrpc/transport"
	"birdrpc/upload"
)

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	ln, err := transport.Listen(context.Background(), "stream://127.0.0.1:0", transport.Options{})
	require.NoError(t, err)

	srv := NewServer(opts)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, ln.Addr()
}

func dial(t *testing.T, endpoint string) *client.Caller {
	t.Helper()
	tr, err := transport.Dial(context.Background(), endpoint, transport.Options{})
	require.NoError(t, err)
	c := client.NewCaller(tr, client.Options{})
	t.Cleanup(func() { c.Close() })
	return c
}

func callString(t *testing.T, c *client.Caller, method string, params any) string {
	t.Helper()
	result, err := c.Call(context.Background(), method, params)
	require.NoError(t, err)
	s, err := message.String(result)
	require.NoError(t, err)
	return s
}

func acquire(t *testing.T, c *client.Caller, force bool) string {
	t.Helper()
	return callString(t, c, message.MethodAcquire, []any{force})
}

func TestConnectVersionCheck(t *testing.T) {
	_, endpoint := startServer(t, Options{})
	c := dial(t, endpoint)
	ctx := context.Background()

	result, err := c.Call(ctx, message.MethodConnect, []any{"1.0"})
	require.NoError(t, err)
	require.True(t, message.Truthy(result))

	_, err = c.Call(ctx, message.MethodConnect, []any{"0.9"})
	require.ErrorIs(t, err, client.ErrRemote)
	require.Contains(t, err.Error(), "Client version mismatch")

	_, err = c.Call(ctx, message.MethodConnect, nil)
	require.ErrorIs(t, err, client.ErrRemote)
}

func TestUnknownMethod(t *testing.T) {
	_, endpoint := startServer(t, Options{})
	c := dial(t, endpoint)

	_, err := c.Call(context.Background(), "reboot", nil)
	require.ErrorIs(t, err, client.ErrRemote)
	require.Contains(t, err.Error(), `"reboot" not found`)
}

func TestAcquireExclusiveAndForce(t *testing.T) {
	srv, endpoint := startServer(t, Options{})
	first := dial(t, endpoint)
	second := dial(t, endpoint)
	ctx := context.Background()

	token := acquire(t, first, false)
	require.NotEmpty(t, token)
	require.Equal(t, token, srv.Handler())

	_, err := second.Call(ctx, message.MethodAcquire, []any{false})
	require.ErrorIs(t, err, client.ErrRemote)

	preempted := acquire(t, second, true)
	require.NotEqual(t, token, preempted)

	// the preempted holder's token no longer works
	_, err = first.Call(ctx, message.MethodRelease, []any{token})
	require.ErrorIs(t, err, client.ErrRemote)

	_, err = second.Call(ctx, message.MethodRelease, []any{preempted})
	require.NoError(t, err)
	require.Empty(t, srv.Handler())
}

func TestSetConfigUpload(t *testing.T) {
	srv, endpoint := startServer(t, Options{})
	c := dial(t, endpoint)
	ctx := context.Background()

	var b strings.Builder
	b.WriteString("router id 1.1.1.1;\nprotocol device {\n}\nprotocol static {\n    ipv4;\n")
	for i := 0; i < 3000; i++ {
		fmt.Fprintf(&b, "    route 10.%d.%d.0/24 via 192.0.2.1;\n", i/256, i%256)
	}
	b.WriteString("}\n")
	cfg := b.String()

	u := upload.NewUploader(c, upload.DefaultPolicy())
	_, err := u.Upload(ctx, message.MethodSetConfig, "not-the-handler", cfg)
	require.ErrorIs(t, err, client.ErrRemote)

	token := acquire(t, c, false)
	result, err := u.Upload(ctx, message.MethodSetConfig, token, cfg)
	require.NoError(t, err)
	require.Equal(t, `"Configured successfully"`, string(result))
	require.Equal(t, cfg, srv.Config())
	require.Equal(t, cfg, callString(t, c, message.MethodGetConfig, nil))
}

func TestSetConfigDigestMismatch(t *testing.T) {
	srv, endpoint := startServer(t, Options{})
	c := dial(t, endpoint)
	ctx := context.Background()
	token := acquire(t, c, false)

	payload := strings.Repeat("protocol static { }\n", 100)
	frags := upload.Split(payload, upload.Policy{FirstFragmentSize: 100, FragmentSize: 500})
	require.Greater(t, len(frags), 1)

	frags[1].Data = strings.ToUpper(frags[1].Data)
	var err error
	for _, f := range frags {
		var result json.RawMessage
		result, err = c.Call(ctx, message.MethodSetConfig, f.Params(token))
		if err != nil || !message.IsContinuation(result) {
			break
		}
	}
	require.ErrorIs(t, err, client.ErrRemote)
	require.Equal(t, EmptyConfig, srv.Config())
}

func TestSetEmptyConfig(t *testing.T) {
	srv, endpoint := startServer(t, Options{})
	c := dial(t, endpoint)
	ctx := context.Background()
	token := acquire(t, c, false)

	_, err := upload.NewUploader(c, upload.DefaultPolicy()).
		Upload(ctx, message.MethodSetConfig, token, "protocol bgp peer1 {\n}\n")
	require.NoError(t, err)

	_, err = c.Call(ctx, message.MethodSetEmptyConfig, []any{"stale"})
	require.ErrorIs(t, err, client.ErrRemote)

	require.Equal(t, ConfiguredMessage, callString(t, c, message.MethodSetEmptyConfig, []any{token}))
	require.Equal(t, EmptyConfig, srv.Config())
}

func TestProtocolsInfoConverges(t *testing.T) {
	srv, endpoint := startServer(t, Options{UpAfterPolls: 2})
	c := dial(t, endpoint)
	ctx := context.Background()
	token := acquire(t, c, false)

	cfg := "router id 1.1.1.1;\nprotocol device {\n}\nprotocol bgp peer1 {\n}\nprotocol bgp peer2 {\n}\n"
	_, err := upload.NewUploader(c, upload.DefaultPolicy()).Upload(ctx, message.MethodSetConfig, token, cfg)
	require.NoError(t, err)

	stateOf := func(report, name string) string {
		for _, line := range strings.Split(report, "\n") {
			fields := strings.Fields(line)
			if len(fields) > 3 && fields[0] == name {
				return fields[3]
			}
		}
		return ""
	}

	report := callString(t, c, message.MethodProtocolsInfo, nil)
	require.True(t, strings.HasPrefix(report, "BIRD 2.0.7 ready.\n"))
	require.Equal(t, StateUp, stateOf(report, "device1"))
	require.Equal(t, StateStart, stateOf(report, "peer1"))

	callString(t, c, message.MethodProtocolsInfo, nil)
	report = callString(t, c, message.MethodProtocolsInfo, nil)
	require.Equal(t, StateUp, stateOf(report, "peer1"))
	require.Equal(t, StateUp, stateOf(report, "peer2"))

	require.True(t, srv.SetProtocolState("peer2", StateDown))
	require.False(t, srv.SetProtocolState("peer9", StateDown))
	report = callString(t, c, message.MethodProtocolsInfo, nil)
	require.Equal(t, StateDown, stateOf(report, "peer2"))
}

func TestServeRegistersWithRegistry(t *testing.T) {
	reg := registry.NewStaticRegistry()
	srv, endpoint := startServer(t, Options{Registry: reg, ServiceName: "bird-test"})

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover("bird-test")
		return len(instances) == 1 && instances[0].Addr == endpoint
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Shutdown(time.Second))
	instances, err := reg.Discover("bird-test")
	require.NoError(t, err)
	require.Empty(t, instances)
}
