// Package server implements a reference control endpoint for the routing daemon.
//
// It speaks the same envelopes and methods as the daemon's own control server:
// version handshake, single-writer lock, fragmented configuration upload with
// digest verification, and a plain-text protocol status table. It backs the
// integration tests and the birdsim command.
//
// Request processing pipeline:
//
//	Accept conn → ServeConn (one goroutine per conn, strict request/reply)
//	  → Codec.DecodeRequest → Middleware Chain → dispatch (daemon state, under mu) → Codec.EncodeReply
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"birdrpc/codec"
	"birdrpc/message"
	"birdrpc/middleware"
	"birdrpc/registry"
	"birdrpc/transport"
)

// Options configure the emulated daemon.
type Options struct {
	// ClientVersion the server accepts on connect. Defaults to "1.0".
	ClientVersion string
	// UpAfterPolls is how many status queries a new protocol stays in "start".
	UpAfterPolls int
	// Registry, when set, announces the server under ServiceName at AdvertiseAddr.
	Registry      registry.Registry
	ServiceName   string
	AdvertiseAddr string
	TTL           int64
}

type Server struct {
	mu          sync.Mutex // guards daemon
	daemon      *daemon
	svc         *service
	codec       codec.Codec
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	opts        Options

	connsMu  sync.Mutex // guards listener and conns
	listener transport.Listener
	conns    map[transport.Transport]struct{}
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

func NewServer(opts Options) *Server {
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "bird"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	s := &Server{
		daemon: newDaemon(opts.ClientVersion, opts.UpAfterPolls),
		svc:    newService(),
		codec:  codec.Default(),
		opts:   opts,
		conns:  make(map[transport.Transport]struct{}),
	}
	s.daemon.register(s.svc)
	s.handler = s.dispatch
	return s
}

// Use registers a middleware. Middlewares must be added before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
}

// Serve accepts connections until Shutdown. It registers the server with the
// registry first when one is configured.
func (s *Server) Serve(ln transport.Listener) error {
	s.connsMu.Lock()
	s.listener = ln
	s.connsMu.Unlock()
	if s.opts.Registry != nil {
		addr := s.opts.AdvertiseAddr
		if addr == "" {
			addr = ln.Addr()
		}
		err := s.opts.Registry.Register(s.opts.ServiceName, registry.ServiceInstance{
			Addr:    addr,
			Weight:  1,
			Version: s.opts.ClientVersion,
		}, s.opts.TTL)
		if err != nil {
			return fmt.Errorf("register %s: %w", s.opts.ServiceName, err)
		}
	}
	log.Info().Str("addr", ln.Addr()).Msg("control server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn answers requests on one transport until it fails or is closed.
func (s *Server) ServeConn(conn transport.Transport) {
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	for {
		raw, err := conn.Recv()
		if err != nil {
			if !s.shutdown.Load() {
				log.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		reply := s.handle(raw)
		data, err := s.codec.EncodeReply(reply)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode reply")
			data, _ = s.codec.EncodeReply(message.ErrorReply(0, "internal error"))
		}
		if err := conn.Send(data); err != nil {
			log.Debug().Err(err).Msg("failed to send reply")
			return
		}
	}
}

func (s *Server) handle(raw []byte) *message.Reply {
	req, err := s.codec.DecodeRequest(raw)
	if err != nil {
		return message.ErrorReply(0, err.Error())
	}
	reply, err := s.handler(context.Background(), req)
	if err != nil {
		return message.ErrorReply(req.ID, err.Error())
	}
	return reply
}

// dispatch is the innermost handler: it runs the named method against the
// daemon state.
func (s *Server) dispatch(ctx context.Context, req *message.Request) (*message.Reply, error) {
	fn, ok := s.svc.lookup(req.Method)
	if !ok {
		return message.ErrorReply(req.ID, fmt.Sprintf("method %q not found", req.Method)), nil
	}
	params, err := rawParams(req.Params)
	if err != nil {
		return message.ErrorReply(req.ID, err.Error()), nil
	}

	s.mu.Lock()
	result, err := fn(ctx, params)
	s.mu.Unlock()

	if err != nil {
		return message.ErrorReply(req.ID, err.Error()), nil
	}
	return message.ResultReply(req.ID, result)
}

// rawParams returns params as JSON. Decoded requests already carry raw JSON;
// requests built in-process are marshaled.
func rawParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Config returns the currently applied configuration.
func (s *Server) Config() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemon.config
}

// Handler returns the current lock token, empty when nobody holds the lock.
func (s *Server) Handler() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemon.handler
}

// SetProtocolState overrides the state of a configured protocol.
func (s *Server) SetProtocolState(name, state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemon.setProtocolState(name, state)
}

func (s *Server) track(conn transport.Transport, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Shutdown deregisters the server, stops accepting, closes open connections and
// waits for their goroutines up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs []error
	s.shutdown.Store(true)

	s.connsMu.Lock()
	ln := s.listener
	s.listener = nil
	if ln != nil {
		if s.opts.Registry != nil {
			addr := s.opts.AdvertiseAddr
			if addr == "" {
				addr = ln.Addr()
			}
			errs = append(errs, s.opts.Registry.Deregister(s.opts.ServiceName, addr))
		}
		errs = append(errs, ln.Close())
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("timeout waiting for connections to finish"))
	}
	return errors.Join(errs...)
}
