package client

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation marks replies that cannot be interpreted: undecodable,
	// not a keyed record, carrying neither result nor error, or never answering
	// the outstanding id.
	ErrProtocolViolation = errors.New("client: protocol violation")

	// ErrTransport marks failures of the underlying message channel.
	ErrTransport = errors.New("client: transport failure")

	// ErrRemote is matched by every *RemoteError.
	ErrRemote = errors.New("client: remote error")
)

// RemoteError carries the error field of a reply verbatim.
type RemoteError struct {
	Method  string
	Message string
	Code    int
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote error from %s (code %d): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error from %s: %s", e.Method, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}
