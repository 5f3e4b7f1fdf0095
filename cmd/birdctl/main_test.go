package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"birdrpc/config"
	"birdrpc/server"
	"birdrpc/transport"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	t.Setenv(config.EnvEndpoint, "")
	t.Setenv(config.EnvLogLevel, "")
	ln, err := transport.Listen(context.Background(), "stream://127.0.0.1:0", transport.Options{})
	require.NoError(t, err)
	srv := server.NewServer(server.Options{})
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, ln.Addr()
}

func TestStaticRoutes(t *testing.T) {
	cfg, err := staticRoutes("10.0.0.254", "1.1.2.3", 3)
	require.NoError(t, err)
	require.Contains(t, cfg, "    route 10.0.0.254/32 via 1.1.2.3;\n")
	require.Contains(t, cfg, "    route 10.0.0.255/32 via 1.1.2.3;\n")
	require.Contains(t, cfg, "    route 10.0.1.0/32 via 1.1.2.3;\n")
	require.Equal(t, 3, strings.Count(cfg, "route "))

	_, err = staticRoutes("255.255.255.255", "1.1.2.3", 2)
	require.ErrorContains(t, err, "overflow")
	_, err = staticRoutes("::1", "1.1.2.3", 1)
	require.Error(t, err)
	_, err = staticRoutes("10.0.0.0", "gateway", 1)
	require.Error(t, err)
}

func TestRunUploadsRoutes(t *testing.T) {
	srv, endpoint := startServer(t)
	var out bytes.Buffer

	err := run(context.Background(), []string{"-endpoint", endpoint, "routes", "2000"}, &out)
	require.NoError(t, err)
	require.Equal(t, "\"Configured successfully\"\n", out.String())
	require.Equal(t, 2000, strings.Count(srv.Config(), "route "))
	require.Empty(t, srv.Handler())
}

func TestRunSetConfigAndQueries(t *testing.T) {
	srv, endpoint := startServer(t)
	path := filepath.Join(t.TempDir(), "bird.conf")
	cfg := "router id 1.1.1.1;\nprotocol device {\n}\nprotocol static {\n    ipv4;\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-endpoint", endpoint, "set-config", path}, &out))
	require.Equal(t, cfg, srv.Config())

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"-endpoint", endpoint, "config"}, &out))
	require.Equal(t, cfg, out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"-endpoint", endpoint, "info"}, &out))
	require.True(t, strings.HasPrefix(out.String(), "BIRD 2.0.7 ready."))

	out.Reset()
	args := []string{"-endpoint", endpoint, "-timeout", "1s", "-interval", "100ms", "wait", "static1", "device1"}
	require.NoError(t, run(context.Background(), args, &out))
	require.Equal(t, "protocols up: static1, device1\n", out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"-endpoint", endpoint, "set-empty"}, &out))
	require.Equal(t, server.EmptyConfig, srv.Config())
}

func TestRunErrors(t *testing.T) {
	_, endpoint := startServer(t)
	var out bytes.Buffer

	require.Error(t, run(context.Background(), []string{"-endpoint", endpoint}, &out))
	require.ErrorContains(t, run(context.Background(), []string{"-endpoint", endpoint, "reboot"}, &out), "unknown command")
	require.ErrorContains(t, run(context.Background(), []string{"-endpoint", endpoint, "routes", "many"}, &out), "bad count")
	require.ErrorContains(t, run(context.Background(), []string{"-endpoint", endpoint, "wait"}, &out), "no protocols")
}

func TestResolveEndpoint(t *testing.T) {
	cfg := config.Default()
	endpoint, err := resolveEndpoint(cfg)
	require.NoError(t, err)
	require.Equal(t, cfg.Endpoint, endpoint)

	cfg.Registry.Type = "static"
	cfg.Registry.Static = []string{"tcp://10.0.0.1:4509", "tcp://10.0.0.2:4509"}
	endpoint, err = resolveEndpoint(cfg)
	require.NoError(t, err)
	require.Equal(t, "tcp://10.0.0.1:4509", endpoint)

	cfg.Registry.Balancer = "consistent_hash"
	cfg.Registry.Key = "runner-1"
	first, err := resolveEndpoint(cfg)
	require.NoError(t, err)
	again, err := resolveEndpoint(cfg)
	require.NoError(t, err)
	require.Equal(t, first, again)

	cfg.Registry.Balancer = "fastest"
	_, err = resolveEndpoint(cfg)
	require.Error(t, err)
}
