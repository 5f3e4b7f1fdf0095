// Package session manages exclusive control of the daemon's control endpoint.
//
// Lifecycle:
//
//	Disconnected ──Connect──→ Connected ──Acquire──→ Acquired
//	     ↑                       │    ↑                  │
//	     └──────Disconnect───────┘    └─────Release──────┘
//
// The lock token ("handler") returned by Acquire gates every mutating call.
// Exclusivity is enforced by the server; Acquire with force preempts whichever
// client holds the lock. A Session is used from one goroutine at a time.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"birdrpc/client"
	"birdrpc/convergence"
	"birdrpc/message"
	"birdrpc/transport"
	"birdrpc/upload"
)

// ClientVersion is sent on connect and checked by the server.
const ClientVersion = "1.0"

// DialFunc opens the transport for a session.
type DialFunc func(ctx context.Context, endpoint string) (transport.Transport, error)

type Options struct {
	Endpoint      string
	ClientVersion string
	Transport     transport.Options
	Dial          DialFunc
	Caller        client.Options
	Upload        upload.Policy
	Sleep         func(time.Duration) // between convergence samples
}

// Session is a client of one control endpoint.
type Session struct {
	opts Options
	st   *state
}

// state is everything teardown needs. It is kept apart from Session so a
// cleanup can run after the Session itself is unreachable.
type state struct {
	caller    *client.Caller
	connected bool
	token     string
}

// New creates a disconnected session. If the session is dropped without Close,
// a runtime cleanup releases the lock and closes the transport.
func New(opts Options) *Session {
	if opts.ClientVersion == "" {
		opts.ClientVersion = ClientVersion
	}
	if opts.Endpoint == "" {
		opts.Endpoint = transport.Endpoint("localhost", transport.DefaultPort)
	}
	if opts.Dial == nil {
		topts := opts.Transport
		opts.Dial = func(ctx context.Context, endpoint string) (transport.Transport, error) {
			return transport.Dial(ctx, endpoint, topts)
		}
	}
	s := &Session{opts: opts, st: &state{}}
	runtime.AddCleanup(s, func(st *state) {
		if st.caller != nil {
			log.Warn().Msg("session dropped without Close, tearing down")
			st.teardown(context.Background())
		}
	}, s.st)
	return s
}

func (s *Session) Endpoint() string { return s.opts.Endpoint }

func (s *Session) Connected() bool { return s.st.connected }

func (s *Session) Acquired() bool { return s.st.token != "" }

// Token returns the lock token, empty when not acquired.
func (s *Session) Token() string { return s.st.token }

// Connect opens the transport and performs the version handshake.
func (s *Session) Connect(ctx context.Context) error {
	if s.st.connected {
		return ErrAlreadyConnected
	}
	if err := s.open(ctx); err != nil {
		return err
	}
	result, err := s.st.caller.Call(ctx, message.MethodConnect, []any{s.opts.ClientVersion})
	if err != nil {
		s.st.closeTransport()
		return fmt.Errorf("connect %s: %w", s.opts.Endpoint, err)
	}
	if !message.Truthy(result) {
		s.st.closeTransport()
		return fmt.Errorf("%w: %s", ErrConnectRejected, result)
	}
	s.st.connected = true
	log.Info().Str("endpoint", s.opts.Endpoint).Msg("connected")
	return nil
}

// Acquire requests the lock token. Without force the session must be connected;
// with force the transport is opened if needed and any other holder is
// preempted by the server.
func (s *Session) Acquire(ctx context.Context, force bool) (string, error) {
	if !s.st.connected && !force {
		return "", fmt.Errorf("cannot acquire before connect: %w", ErrNotConnected)
	}
	opened := s.st.caller == nil
	if err := s.open(ctx); err != nil {
		return "", err
	}
	result, err := s.st.caller.Call(ctx, message.MethodAcquire, []any{force})
	token := tokenText(result)
	if err == nil && token == "" {
		err = fmt.Errorf("%w: acquire returned empty handler %s", client.ErrProtocolViolation, result)
	}
	if err != nil {
		if opened {
			s.st.closeTransport()
		}
		return "", err
	}
	s.st.token = token
	s.st.connected = true
	log.Info().Bool("force", force).Msg("acquired")
	return token, nil
}

// Release gives the lock back so another client can acquire it.
func (s *Session) Release(ctx context.Context) error {
	if s.st.token == "" {
		return fmt.Errorf("cannot release: %w", ErrNotAcquired)
	}
	if err := s.st.release(ctx); err != nil {
		return err
	}
	log.Info().Msg("released")
	return nil
}

// Disconnect ends the session and closes the transport. The lock must be
// released first. The transport is closed even when the remote call fails.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.st.token != "" {
		return ErrStillAcquired
	}
	if !s.st.connected {
		return fmt.Errorf("cannot disconnect: %w", ErrNotConnected)
	}
	_, err := s.st.caller.Call(ctx, message.MethodDisconnect, nil)
	closeErr := s.st.closeTransport()
	log.Info().Str("endpoint", s.opts.Endpoint).Msg("disconnected")
	return errors.Join(err, closeErr)
}

// Close tears the session down from any state: the lock is released if held,
// then the transport is closed. Calling Close again is a no-op.
func (s *Session) Close() error {
	return s.st.teardown(context.Background())
}

// GetConfig returns the daemon's current configuration.
func (s *Session) GetConfig(ctx context.Context) (string, error) {
	return s.query(ctx, message.MethodGetConfig, "cannot get config")
}

// GetProtocolsInfo returns the daemon's protocol status report.
func (s *Session) GetProtocolsInfo(ctx context.Context) (string, error) {
	return s.query(ctx, message.MethodProtocolsInfo, "cannot get protocols information")
}

// SetEmptyConfig installs the minimal configuration with no routes or protocols.
func (s *Session) SetEmptyConfig(ctx context.Context) (json.RawMessage, error) {
	if s.st.token == "" {
		return nil, fmt.Errorf("cannot set empty config: %w", ErrNotAcquired)
	}
	return s.st.caller.Call(ctx, message.MethodSetEmptyConfig, []any{s.st.token})
}

// SetConfig uploads cfg as the new configuration and returns the server's
// verdict.
func (s *Session) SetConfig(ctx context.Context, cfg string) (json.RawMessage, error) {
	if s.st.token == "" {
		return nil, fmt.Errorf("cannot set config: %w", ErrNotAcquired)
	}
	u := upload.NewUploader(s.st.caller, s.opts.Upload)
	return u.Upload(ctx, message.MethodSetConfig, s.st.token, cfg)
}

// WaitForProtocols blocks until every named protocol reports up, sampling every
// interval for at most timeout.
func (s *Session) WaitForProtocols(ctx context.Context, names []string, timeout, interval time.Duration) error {
	return convergence.NewPoller(s, s.opts.Sleep).Wait(ctx, names, timeout, interval)
}

func (s *Session) query(ctx context.Context, method, what string) (string, error) {
	if !s.st.connected {
		return "", fmt.Errorf("%s: %w", what, ErrNotConnected)
	}
	result, err := s.st.caller.Call(ctx, method, nil)
	if err != nil {
		return "", err
	}
	if text, err := message.String(result); err == nil {
		return text, nil
	}
	return string(result), nil
}

func (s *Session) open(ctx context.Context) error {
	if s.st.caller != nil {
		return nil
	}
	t, err := s.opts.Dial(ctx, s.opts.Endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.opts.Endpoint, err)
	}
	s.st.caller = client.NewCaller(t, s.opts.Caller)
	return nil
}

func (st *state) release(ctx context.Context) error {
	if _, err := st.caller.Call(ctx, message.MethodRelease, []any{st.token}); err != nil {
		return err
	}
	st.token = ""
	return nil
}

func (st *state) teardown(ctx context.Context) error {
	var releaseErr error
	if st.token != "" && st.caller != nil {
		releaseErr = st.release(ctx)
		st.token = ""
	}
	return errors.Join(releaseErr, st.closeTransport())
}

// closeTransport closes the transport exactly once and resets connection state.
func (st *state) closeTransport() error {
	st.connected = false
	if st.caller == nil {
		return nil
	}
	err := st.caller.Close()
	st.caller = nil
	return err
}

// tokenText renders an acquire result as an opaque token string.
func tokenText(result json.RawMessage) string {
	if !message.Truthy(result) {
		return ""
	}
	if text, err := message.String(result); err == nil {
		return text
	}
	return string(result)
}
