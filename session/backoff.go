package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// BackoffConfig defines connect retry behavior for a daemon that may still be
// starting.
type BackoffConfig struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Attempts:     10,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   1.5,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based). Jitter
// scales the delay by a factor in [0.5, 1.5) drawn from rng and is skipped when
// rng is nil. The result never exceeds MaxDelay.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	growth := math.Max(cfg.Multiplier, 1)
	delay := float64(cfg.InitialDelay) * math.Pow(growth, float64(attempt-1))
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	return time.Duration(delay)
}

// ConnectWithRetry calls Connect until it succeeds, the attempts run out or ctx
// ends. State-precondition errors are not retried.
func ConnectWithRetry(ctx context.Context, s *Session, cfg BackoffConfig, rng *rand.Rand) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err = s.Connect(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrAlreadyConnected) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}
		delay := NextBackoffDelay(cfg, attempt, rng)
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("connect failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
