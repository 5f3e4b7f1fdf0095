package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"birdrpc/message"
)

// LoggingMiddleware logs every exchange at debug level and failures at warn.
func LoggingMiddleware(side string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			duration := time.Since(start)

			switch {
			case err != nil:
				log.Warn().Str("side", side).Str("method", req.Method).Uint32("id", req.ID).
					Dur("duration", duration).Err(err).Msg("call failed")
			case reply != nil && reply.HasError():
				text, code := message.ErrorText(reply.Error)
				log.Warn().Str("side", side).Str("method", req.Method).Uint32("id", req.ID).
					Dur("duration", duration).Int("code", code).Str("remote_error", text).Msg("call returned error")
			default:
				log.Debug().Str("side", side).Str("method", req.Method).Uint32("id", req.ID).
					Dur("duration", duration).Msg("call")
			}
			return reply, err
		}
	}
}
