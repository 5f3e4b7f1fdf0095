// birdctl drives a routing daemon's control endpoint from the command line.
//
//	birdctl [flags] info                 print the protocol status table
//	birdctl [flags] config               print the running configuration
//	birdctl [flags] set-config <file>    upload a configuration file
//	birdctl [flags] set-empty            install the empty configuration
//	birdctl [flags] wait <proto>...      block until the protocols are up
//	birdctl [flags] routes <n>           upload n generated static routes
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"birdrpc/config"
	"birdrpc/loadbalance"
	"birdrpc/logging"
	"birdrpc/registry"
	"birdrpc/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Error().Err(err).Msg("birdctl failed")
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	endpoint    string
	force       bool
	metricsAddr string
	timeout     time.Duration
	interval    time.Duration
	nextHop     string
	firstRoute  string
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("birdctl", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "TOML or YAML config file")
	fs.StringVar(&opts.endpoint, "endpoint", "", "control endpoint, overrides config (tcp://host:port or stream://host:port)")
	fs.BoolVar(&opts.force, "force", false, "preempt another client holding the lock")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.DurationVar(&opts.timeout, "timeout", 0, "convergence timeout, overrides config")
	fs.DurationVar(&opts.interval, "interval", 0, "convergence sample interval, overrides config")
	fs.StringVar(&opts.nextHop, "next-hop", "1.1.2.3", "next hop of generated routes")
	fs.StringVar(&opts.firstRoute, "first-route", "10.0.0.0", "first prefix of generated routes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if _, err := logging.Configure(logging.Options{App: "birdctl", Level: cfg.Log.Level, JSON: cfg.Log.JSON}); err != nil {
		return err
	}
	if opts.timeout > 0 {
		cfg.Poll.Timeout.Duration = opts.timeout
	}
	if opts.interval > 0 {
		cfg.Poll.Interval.Duration = opts.interval
	}
	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr)
	}

	endpoint := opts.endpoint
	if endpoint == "" {
		if endpoint, err = resolveEndpoint(cfg); err != nil {
			return err
		}
	}

	s := session.New(cfg.SessionOptions(endpoint))
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("teardown failed")
		}
	}()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if err := session.ConnectWithRetry(ctx, s, cfg.Backoff(), rng); err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "info":
		info, err := s.GetProtocolsInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, info)
	case "config":
		text, err := s.GetConfig(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, text)
	case "wait":
		if len(rest) == 0 {
			return errors.New("wait: no protocols given")
		}
		if err := s.WaitForProtocols(ctx, rest, cfg.Poll.Timeout.Duration, cfg.Poll.Interval.Duration); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "protocols up: %s\n", strings.Join(rest, ", "))
	case "set-config", "set-empty", "routes":
		return mutate(ctx, s, opts, cmd, rest, stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return s.Disconnect(ctx)
}

// mutate runs a command that needs the lock and releases it afterwards.
func mutate(ctx context.Context, s *session.Session, opts options, cmd string, args []string, stdout io.Writer) error {
	var payload string
	switch cmd {
	case "set-config":
		if len(args) != 1 {
			return errors.New("set-config: expected one file")
		}
		b, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		payload = string(b)
	case "routes":
		if len(args) != 1 {
			return errors.New("routes: expected a route count")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("routes: bad count %q", args[0])
		}
		if payload, err = staticRoutes(opts.firstRoute, opts.nextHop, n); err != nil {
			return err
		}
	}

	if _, err := s.Acquire(ctx, opts.force); err != nil {
		return err
	}

	var verdict string
	if cmd == "set-empty" {
		result, err := s.SetEmptyConfig(ctx)
		if err != nil {
			return err
		}
		verdict = string(result)
	} else {
		start := time.Now()
		result, err := s.SetConfig(ctx, payload)
		if err != nil {
			return err
		}
		verdict = string(result)
		log.Info().Int("bytes", len(payload)).Dur("took", time.Since(start)).Msg("configuration uploaded")
	}
	fmt.Fprintln(stdout, verdict)

	if err := s.Release(ctx); err != nil {
		return err
	}
	return s.Disconnect(ctx)
}

// staticRoutes builds a configuration with n consecutive /32 static routes
// starting at first, all via nextHop.
func staticRoutes(first, nextHop string, n int) (string, error) {
	addr, err := netip.ParseAddr(first)
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("routes: bad first route %q", first)
	}
	hop, err := netip.ParseAddr(nextHop)
	if err != nil {
		return "", fmt.Errorf("routes: bad next hop %q", nextHop)
	}

	var b strings.Builder
	b.WriteString("router id 100.100.100.100;\n\nprotocol device {\n}\n\nprotocol static {\n    ipv4;\n")
	for i := 0; i < n; i++ {
		if !addr.IsValid() {
			return "", fmt.Errorf("routes: %d routes overflow the address space", n)
		}
		fmt.Fprintf(&b, "    route %s/32 via %s;\n", addr, hop)
		addr = addr.Next()
	}
	b.WriteString("}\n")
	return b.String(), nil
}

// resolveEndpoint picks the endpoint from the configured registry, or returns
// the static endpoint when none is configured.
func resolveEndpoint(cfg *config.Config) (string, error) {
	var reg registry.Registry
	switch cfg.Registry.Type {
	case "":
		return cfg.Endpoint, nil
	case "static":
		static := registry.NewStaticRegistry()
		for _, addr := range cfg.Registry.Static {
			if err := static.Register(cfg.Registry.Service, registry.ServiceInstance{Addr: addr, Weight: 1}, 0); err != nil {
				return "", err
			}
		}
		reg = static
	case "etcd":
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Etcd.Endpoints, cfg.Registry.Etcd.DialTimeout.Duration)
		if err != nil {
			return "", err
		}
		defer etcd.Close()
		reg = etcd
	}

	key := cfg.Registry.Key
	if key == "" {
		key, _ = os.Hostname()
	}
	bal, err := loadbalance.New(cfg.Registry.Balancer, key)
	if err != nil {
		return "", err
	}
	endpoint, err := loadbalance.Resolve(reg, bal, cfg.Registry.Service)
	if err != nil {
		return "", err
	}
	log.Info().Str("endpoint", endpoint).Str("balancer", bal.Name()).Msg("resolved control endpoint")
	return endpoint, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Str("addr", addr).Msg("metrics listener stopped")
	}
}
