// Package transport owns the message channel to the daemon's control endpoint.
//
// A Transport carries whole messages with strict lock-step discipline: one Send,
// then Recv until the matching reply arrives. There is never more than one call
// outstanding on a Transport, so nothing here is multiplexed or pooled.
//
// Two schemes are supported:
//
//	tcp://host:port     ZeroMQ REQ socket, wire-compatible with the daemon
//	stream://host:port  length-prefixed frames over a plain TCP connection
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	SchemeZMQ    = "tcp"
	SchemeStream = "stream"

	// DefaultPort is the daemon control port.
	DefaultPort = 4509
)

var (
	ErrClosed            = errors.New("transport: closed")
	ErrUnsupportedScheme = errors.New("transport: unsupported scheme")
)

// Transport is one exclusively owned message channel.
type Transport interface {
	Send(msg []byte) error
	Recv() ([]byte, error)
	Close() error
	Endpoint() string
}

// Listener yields server-side Transports.
type Listener interface {
	Accept() (Transport, error)
	Close() error
	Addr() string
}

// Options tune dialing. Zero values fall back to DefaultOptions.
type Options struct {
	DialTimeout    time.Duration
	DialRetry      time.Duration // ZeroMQ reconnect interval
	DialMaxRetries int           // ZeroMQ reconnect attempts, -1 = forever
	MaxBody        uint32        // stream frame limit
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:    5 * time.Second,
		DialRetry:      250 * time.Millisecond,
		DialMaxRetries: 10,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.DialRetry <= 0 {
		o.DialRetry = def.DialRetry
	}
	if o.DialMaxRetries == 0 {
		o.DialMaxRetries = def.DialMaxRetries
	}
	return o
}

// Endpoint builds the daemon endpoint for host and port (tcp scheme).
func Endpoint(host string, port int) string {
	if port == 0 {
		port = DefaultPort
	}
	return SchemeZMQ + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitEndpoint separates scheme and address. A bare host:port defaults to tcp.
func SplitEndpoint(endpoint string) (scheme, addr string, err error) {
	scheme, addr, ok := strings.Cut(endpoint, "://")
	if !ok {
		scheme, addr = SchemeZMQ, endpoint
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("transport: bad endpoint %q: %w", endpoint, err)
	}
	return scheme, addr, nil
}

// Dial opens a client Transport to endpoint.
func Dial(ctx context.Context, endpoint string, opts Options) (Transport, error) {
	scheme, addr, err := SplitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	switch scheme {
	case SchemeZMQ:
		return DialZMQ(ctx, addr, opts)
	case SchemeStream:
		return DialStream(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Listen opens a server-side Listener on endpoint.
func Listen(ctx context.Context, endpoint string, opts Options) (Listener, error) {
	scheme, addr, err := SplitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	switch scheme {
	case SchemeZMQ:
		return ListenZMQ(ctx, addr)
	case SchemeStream:
		return ListenStream(addr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}
