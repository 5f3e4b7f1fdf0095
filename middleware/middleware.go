// Package middleware wraps the exchange of one envelope pair.
//
// The same HandlerFunc shape serves both ends: on the client it is the
// send-and-await step of the correlator, on the reference server it is the
// method dispatch. Errors returned here are transport or local failures; remote
// errors travel inside the Reply.
package middleware

import (
	"context"

	"birdrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Reply, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
