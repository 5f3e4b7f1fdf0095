// Package codec serializes message envelopes for the wire.
//
// The daemon only speaks JSON, but the correlator and the reference server go
// through the Codec interface so tests can substitute misbehaving encoders.
package codec

import (
	"errors"

	"birdrpc/message"
)

// ErrMalformed is returned when bytes cannot be decoded as an envelope record.
var ErrMalformed = errors.New("codec: malformed envelope")

type Codec interface {
	EncodeRequest(req *message.Request) ([]byte, error)
	DecodeRequest(data []byte) (*message.Request, error)
	EncodeReply(reply *message.Reply) ([]byte, error)
	DecodeReply(data []byte) (*message.Reply, error)
	Name() string
}

// Default returns the codec used on the daemon's control endpoint.
func Default() Codec {
	return &JSONCodec{}
}
