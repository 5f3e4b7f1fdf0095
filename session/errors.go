package session

import "errors"

// State-precondition errors. All of them are returned before any network call.
var (
	ErrAlreadyConnected = errors.New("session: already connected")
	ErrNotConnected     = errors.New("session: not connected")
	ErrNotAcquired      = errors.New("session: not acquired")
	ErrStillAcquired    = errors.New("session: still acquired, release first")
)

// ErrConnectRejected is returned when the server answers connect with a falsy
// result.
var ErrConnectRejected = errors.New("session: connect rejected by server")
