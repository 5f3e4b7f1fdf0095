package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"birdrpc/message"
)

// RateLimitMiddleware paces calls with a token bucket. A call waits for a token
// rather than failing, so a large upload is throttled instead of aborted; only
// ctx cancellation ends the wait early.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Reply, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit: %w", err)
			}
			return next(ctx, req)
		}
	}
}
