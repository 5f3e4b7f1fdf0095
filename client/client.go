// Package client correlates calls and replies over a lock-step Transport.
//
// Each call gets a fresh random 32-bit id, is sent as exactly one message, and
// then replies are read until one carries that id. Replies for other ids are
// leftovers from earlier calls and are dropped, but only up to MaxStaleReplies
// per call so a confused peer cannot stall the caller forever.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"birdrpc/codec"
	"birdrpc/message"
	"birdrpc/middleware"
	"birdrpc/transport"
)

// DefaultMaxStaleReplies bounds how many mismatched replies one call tolerates.
const DefaultMaxStaleReplies = 16

// IDSource supplies correlation ids. *rand.Rand satisfies it.
type IDSource interface {
	Uint32() uint32
}

// Options configure a Caller. Zero values select defaults.
type Options struct {
	Codec           codec.Codec
	IDSource        IDSource
	MaxStaleReplies int
	Middlewares     []middleware.Middleware
}

// Caller owns one Transport and performs calls on it one at a time.
// A Caller is not safe for concurrent use; the transport discipline forbids it.
type Caller struct {
	transport transport.Transport
	codec     codec.Codec
	ids       IDSource
	maxStale  int
	handler   middleware.HandlerFunc

	lastID  uint32
	hasLast bool
}

// NewCaller wraps t. When no IDSource is given the Caller seeds its own
// generator, so no random state is shared between Callers.
func NewCaller(t transport.Transport, opts Options) *Caller {
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	if opts.IDSource == nil {
		opts.IDSource = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.MaxStaleReplies <= 0 {
		opts.MaxStaleReplies = DefaultMaxStaleReplies
	}
	c := &Caller{
		transport: t,
		codec:     opts.Codec,
		ids:       opts.IDSource,
		maxStale:  opts.MaxStaleReplies,
	}
	c.handler = middleware.Chain(opts.Middlewares...)(c.exchange)
	return c
}

// Call invokes method with params and returns the raw result.
// A reply with an error field yields *RemoteError; an uninterpretable reply
// yields ErrProtocolViolation.
func (c *Caller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := message.NewRequest(c.nextID(), method, params)
	reply, err := c.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	switch {
	case reply.HasError():
		text, code := message.ErrorText(reply.Error)
		return nil, &RemoteError{Method: method, Message: text, Code: code}
	case reply.HasResult():
		return reply.Result, nil
	default:
		return nil, fmt.Errorf("%w: %s reply has neither result nor error", ErrProtocolViolation, method)
	}
}

// Close releases the transport. It is safe to call more than once.
func (c *Caller) Close() error {
	return c.transport.Close()
}

// Endpoint returns the transport endpoint.
func (c *Caller) Endpoint() string {
	return c.transport.Endpoint()
}

// nextID draws a new id, redrawing when it repeats the previous call's id.
func (c *Caller) nextID() uint32 {
	id := c.ids.Uint32()
	for c.hasLast && id == c.lastID {
		id = c.ids.Uint32()
	}
	c.lastID, c.hasLast = id, true
	return id
}

// exchange sends one request and reads until the matching reply arrives.
func (c *Caller) exchange(ctx context.Context, req *message.Request) (*message.Reply, error) {
	data, err := c.codec.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Method, err)
	}
	if err := c.transport.Send(data); err != nil {
		return nil, fmt.Errorf("%w: send %s: %w", ErrTransport, req.Method, err)
	}

	for stale := 0; ; stale++ {
		if stale > c.maxStale {
			return nil, fmt.Errorf("%w: %s: no reply for id %d after %d stale replies",
				ErrProtocolViolation, req.Method, req.ID, c.maxStale)
		}
		raw, err := c.transport.Recv()
		if err != nil {
			return nil, fmt.Errorf("%w: recv %s: %w", ErrTransport, req.Method, err)
		}
		reply, err := c.codec.DecodeReply(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrProtocolViolation, req.Method, err)
		}
		if !reply.HasID() {
			log.Debug().Str("method", req.Method).Msg("reply without id, waiting for another one")
			continue
		}
		if !reply.Matches(req.ID) {
			log.Debug().Str("method", req.Method).Uint32("want", req.ID).Uint32("got", *reply.ID).
				Msg("reply with different id, waiting for another one")
			continue
		}
		return reply, nil
	}
}
