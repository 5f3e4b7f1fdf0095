// birdsim serves an emulated routing-daemon control endpoint for tests and
// local development, with an HTTP admin listener for health and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"birdrpc/logging"
	"birdrpc/middleware"
	"birdrpc/registry"
	"birdrpc/server"
	"birdrpc/transport"
)

func main() {
	listen := flag.String("listen", "tcp://0.0.0.0:4509", "control endpoint to serve (tcp:// for ZeroMQ, stream:// for framed TCP)")
	adminAddr := flag.String("admin-addr", ":9109", "admin HTTP address, empty disables it")
	version := flag.String("client-version", "1.0", "client version accepted on connect")
	upAfter := flag.Int("up-after", 3, "status queries before a new protocol comes up")
	etcdEndpoints := flag.String("etcd", "", "comma separated etcd endpoints to register with")
	service := flag.String("service", "bird", "service name to register under")
	advertise := flag.String("advertise", "", "endpoint announced to the registry, defaults to -listen")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logging.ConfigureRuntime("birdsim", *level)

	opts := server.Options{
		ClientVersion: *version,
		UpAfterPolls:  *upAfter,
		ServiceName:   *service,
		AdvertiseAddr: *advertise,
	}
	if *etcdEndpoints != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(*etcdEndpoints, ","), 5*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to etcd")
		}
		defer reg.Close()
		opts.Registry = reg
		if opts.AdvertiseAddr == "" {
			opts.AdvertiseAddr = *listen
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := transport.Listen(ctx, *listen, transport.Options{})
	if err != nil {
		log.Fatal().Err(err).Str("listen", *listen).Msg("failed to listen")
	}

	srv := server.NewServer(opts)
	srv.Use(middleware.LoggingMiddleware("server"))
	srv.Use(middleware.MetricsMiddleware("server"))

	var admin *http.Server
	if *adminAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		admin = &http.Server{
			Addr:              *adminAddr,
			Handler:           server.AdminRouter(srv, log.Logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin listener stopped")
			}
		}()
		log.Info().Str("addr", *adminAddr).Msg("admin listening")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("control server stopped")
		}
	}

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		admin.Shutdown(shutdownCtx)
		cancel()
	}
	if err := srv.Shutdown(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}
