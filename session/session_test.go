package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"birdrpc/client"
	"birdrpc/convergence"
	"birdrpc/server"
	"birdrpc/transport"
)

func startServer(t *testing.T, opts server.Options) (*server.Server, string) {
	t.Helper()
	ln, err := transport.Listen(context.Background(), "stream://127.0.0.1:0", transport.Options{})
	require.NoError(t, err)
	srv := server.NewServer(opts)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, ln.Addr()
}

func newSession(t *testing.T, endpoint string) *Session {
	t.Helper()
	s := New(Options{Endpoint: endpoint})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLifecycle(t *testing.T) {
	srv, endpoint := startServer(t, server.Options{})
	s := newSession(t, endpoint)
	ctx := context.Background()

	_, err := s.Acquire(ctx, false)
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, s.Release(ctx), ErrNotAcquired)
	require.ErrorIs(t, s.Disconnect(ctx), ErrNotConnected)

	require.NoError(t, s.Connect(ctx))
	require.True(t, s.Connected())
	require.ErrorIs(t, s.Connect(ctx), ErrAlreadyConnected)

	token, err := s.Acquire(ctx, false)
	require.NoError(t, err)
	require.Equal(t, token, s.Token())
	require.Equal(t, token, srv.Handler())
	require.True(t, s.Acquired())

	require.ErrorIs(t, s.Disconnect(ctx), ErrStillAcquired)

	require.NoError(t, s.Release(ctx))
	require.False(t, s.Acquired())
	require.Empty(t, srv.Handler())
	require.ErrorIs(t, s.Release(ctx), ErrNotAcquired)

	require.NoError(t, s.Disconnect(ctx))
	require.False(t, s.Connected())

	// a disconnected session can connect again
	require.NoError(t, s.Connect(ctx))
}

func TestForceAcquireWithoutConnect(t *testing.T) {
	srv, endpoint := startServer(t, server.Options{})
	holder := newSession(t, endpoint)
	ctx := context.Background()

	require.NoError(t, holder.Connect(ctx))
	_, err := holder.Acquire(ctx, false)
	require.NoError(t, err)

	s := newSession(t, endpoint)
	_, err = s.Acquire(ctx, false)
	require.ErrorIs(t, err, ErrNotConnected)

	token, err := s.Acquire(ctx, true)
	require.NoError(t, err)
	require.True(t, s.Connected())
	require.Equal(t, token, srv.Handler())

	// the preempted holder still believes it holds the lock; the server disagrees
	require.ErrorIs(t, holder.Release(ctx), client.ErrRemote)
	require.True(t, holder.Acquired())
}

func TestVersionMismatch(t *testing.T) {
	_, endpoint := startServer(t, server.Options{ClientVersion: "2.0"})
	s := newSession(t, endpoint)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, client.ErrRemote)
	require.Contains(t, err.Error(), "Client version mismatch")
	require.False(t, s.Connected())
}

func TestCloseReleasesLock(t *testing.T) {
	srv, endpoint := startServer(t, server.Options{})
	s := New(Options{Endpoint: endpoint})
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	_, err := s.Acquire(ctx, false)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.Empty(t, srv.Handler())
	require.False(t, s.Connected())
	require.False(t, s.Acquired())
	require.NoError(t, s.Close())
}

func TestDroppedSessionReleasesLock(t *testing.T) {
	srv, endpoint := startServer(t, server.Options{})

	func() {
		s := New(Options{Endpoint: endpoint})
		_, err := s.Acquire(context.Background(), true)
		require.NoError(t, err)
	}()
	require.NotEmpty(t, srv.Handler())

	require.Eventually(t, func() bool {
		runtime.GC()
		return srv.Handler() == ""
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConfigRoundTrip(t *testing.T) {
	srv, endpoint := startServer(t, server.Options{})
	s := newSession(t, endpoint)
	ctx := context.Background()

	_, err := s.GetConfig(ctx)
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = s.GetProtocolsInfo(ctx)
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(ctx))
	_, err = s.SetConfig(ctx, "router id 1.1.1.1;")
	require.ErrorIs(t, err, ErrNotAcquired)
	_, err = s.SetEmptyConfig(ctx)
	require.ErrorIs(t, err, ErrNotAcquired)

	_, err = s.Acquire(ctx, false)
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString("router id 1.1.1.1;\nprotocol device {\n}\nprotocol static static1 {\n    ipv4;\n")
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&b, "    route 10.1.%d.%d/32 via 192.0.2.1; # näme\n", i/256, i%256)
	}
	b.WriteString("}\n")
	cfg := b.String()

	result, err := s.SetConfig(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, `"`+server.ConfiguredMessage+`"`, string(result))

	got, err := s.GetConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
	require.Equal(t, cfg, srv.Config())

	result, err = s.SetEmptyConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, `"`+server.ConfiguredMessage+`"`, string(result))
	require.Equal(t, server.EmptyConfig, srv.Config())
}

func TestWaitForProtocols(t *testing.T) {
	srv, endpoint := startServer(t, server.Options{UpAfterPolls: 2})
	var sleeps []time.Duration
	s := New(Options{Endpoint: endpoint, Sleep: func(d time.Duration) { sleeps = append(sleeps, d) }})
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	_, err := s.Acquire(ctx, false)
	require.NoError(t, err)
	_, err = s.SetConfig(ctx, "protocol device {\n}\nprotocol bgp bgp1 {\n}\nprotocol bgp bgp2 {\n}\n")
	require.NoError(t, err)

	require.NoError(t, s.WaitForProtocols(ctx, []string{"bgp1", "bgp2"}, 10*time.Second, time.Second))
	require.Equal(t, []time.Duration{time.Second, time.Second}, sleeps)

	require.True(t, srv.SetProtocolState("bgp2", server.StateDown))
	sleeps = nil
	err = s.WaitForProtocols(ctx, []string{"bgp1", "bgp2"}, 3*time.Second, time.Second)
	require.ErrorIs(t, err, convergence.ErrTimeout)
	var timeout *convergence.TimeoutError
	require.True(t, errors.As(err, &timeout))
	require.Equal(t, []string{"bgp2"}, timeout.Down)
	require.Len(t, sleeps, 2)
}

// rejectingTransport answers every request with a false result.
type rejectingTransport struct {
	id     uint32
	closed int
}

func (t *rejectingTransport) Send(msg []byte) error {
	var req struct {
		ID uint32 `json:"id"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	t.id = req.ID
	return nil
}

func (t *rejectingTransport) Recv() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"id":%d,"result":false}`, t.id)), nil
}

func (t *rejectingTransport) Close() error {
	t.closed++
	return nil
}

func (t *rejectingTransport) Endpoint() string { return "fake://bird" }

func (t *rejectingTransport) closes() int { return t.closed }

func TestConnectRejected(t *testing.T) {
	ft := &rejectingTransport{}
	s := New(Options{Dial: func(ctx context.Context, endpoint string) (transport.Transport, error) {
		return ft, nil
	}})

	require.ErrorIs(t, s.Connect(context.Background()), ErrConnectRejected)
	require.False(t, s.Connected())
	require.Equal(t, 1, ft.closed)
	require.NoError(t, s.Close())
	require.Equal(t, 1, ft.closed)
}

// failingTransport answers every request with an error reply.
type failingTransport struct {
	rejectingTransport
}

func (t *failingTransport) Recv() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"id":%d,"error":"lock table full"}`, t.id)), nil
}

func TestForcedAcquireFailureClosesTransport(t *testing.T) {
	for name, ft := range map[string]interface {
		transport.Transport
		closes() int
	}{
		"error reply": &failingTransport{},
		"empty token": &rejectingTransport{},
	} {
		t.Run(name, func(t *testing.T) {
			s := New(Options{Dial: func(ctx context.Context, endpoint string) (transport.Transport, error) {
				return ft, nil
			}})

			_, err := s.Acquire(context.Background(), true)
			require.Error(t, err)
			require.False(t, s.Connected())
			require.False(t, s.Acquired())
			require.Equal(t, 1, ft.closes())
			require.NoError(t, s.Close())
			require.Equal(t, 1, ft.closes())
		})
	}
}

func TestAcquireFailureKeepsConnection(t *testing.T) {
	ft := &rejectingTransport{}
	s := New(Options{Dial: func(ctx context.Context, endpoint string) (transport.Transport, error) {
		return ft, nil
	}})
	s.st.caller = client.NewCaller(ft, client.Options{})
	s.st.connected = true

	_, err := s.Acquire(context.Background(), false)
	require.ErrorIs(t, err, client.ErrProtocolViolation)
	require.True(t, s.Connected())
	require.Zero(t, ft.closes())
	require.NoError(t, s.Close())
	require.Equal(t, 1, ft.closes())
}

func TestConnectWithRetry(t *testing.T) {
	_, endpoint := startServer(t, server.Options{})
	dials := 0
	s := New(Options{Endpoint: endpoint, Dial: func(ctx context.Context, ep string) (transport.Transport, error) {
		dials++
		if dials < 3 {
			return nil, errors.New("connection refused")
		}
		return transport.Dial(ctx, ep, transport.Options{})
	}})
	t.Cleanup(func() { s.Close() })

	cfg := BackoffConfig{Attempts: 5, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	require.NoError(t, ConnectWithRetry(context.Background(), s, cfg, nil))
	require.Equal(t, 3, dials)
	require.True(t, s.Connected())

	require.ErrorIs(t, ConnectWithRetry(context.Background(), s, cfg, nil), ErrAlreadyConnected)
}

func TestConnectWithRetryGivesUp(t *testing.T) {
	dials := 0
	s := New(Options{Dial: func(ctx context.Context, ep string) (transport.Transport, error) {
		dials++
		return nil, errors.New("connection refused")
	}})

	cfg := BackoffConfig{Attempts: 3, InitialDelay: time.Millisecond}
	err := ConnectWithRetry(context.Background(), s, cfg, nil)
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 3, dials)
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	require.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	require.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	require.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	require.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))

	require.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 0, nil))
	require.Zero(t, NextBackoffDelay(BackoffConfig{Multiplier: 2}, 3, nil))

	cfg.Jitter = true
	require.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := NextBackoffDelay(cfg, 2, rng)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 300*time.Millisecond)

		require.LessOrEqual(t, NextBackoffDelay(cfg, 4, rng), cfg.MaxDelay)
	}
}
