package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"birdrpc/message"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdrpc_calls_total",
			Help: "Total number of control calls",
		},
		[]string{"side", "method", "status"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "birdrpc_call_duration_seconds",
			Help:    "Duration of control calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"side", "method"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
}

// MetricsMiddleware records call counts by outcome and call latency.
func MetricsMiddleware(side string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, req)

			status := "success"
			switch {
			case err != nil:
				status = "transport_error"
			case reply != nil && reply.HasError():
				status = "remote_error"
			}
			callsTotal.WithLabelValues(side, req.Method, status).Inc()
			callDuration.WithLabelValues(side, req.Method).Observe(time.Since(start).Seconds())
			return reply, err
		}
	}
}
