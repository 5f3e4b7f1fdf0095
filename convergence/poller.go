// Package convergence waits for asynchronous routing-protocol state on the
// daemon to settle.
//
// The poller samples the daemon's status report at a fixed interval until every
// named protocol is up or the attempt budget is spent. Nothing runs in the
// background: Wait blocks the caller between samples.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("convergence: timeout")

// TimeoutError reports the protocols still down at the last sample.
type TimeoutError struct {
	Down     []string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout passed after %d samples, protocols %q still down", e.Attempts, strings.Join(e.Down, ", "))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// StatusSource returns the daemon's protocol status report.
type StatusSource interface {
	GetProtocolsInfo(ctx context.Context) (string, error)
}

type Poller struct {
	source StatusSource
	sleep  func(time.Duration)
}

// NewPoller polls source. A nil sleep uses time.Sleep.
func NewPoller(source StatusSource, sleep func(time.Duration)) *Poller {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Poller{source: source, sleep: sleep}
}

// Attempts is the sample budget for timeout and interval: floor(timeout/interval),
// never less than one.
func Attempts(timeout, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(timeout / interval)
	if n < 1 {
		return 1
	}
	return n
}

// Wait samples until all names are up. It returns nil as soon as a sample shows
// them up, *TimeoutError once the budget is spent, or the first error from the
// source. Cancelling ctx stops the loop between samples.
func (p *Poller) Wait(ctx context.Context, names []string, timeout, interval time.Duration) error {
	attempts := Attempts(timeout, interval)
	var down []string
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := p.source.GetProtocolsInfo(ctx)
		if err != nil {
			return err
		}
		down = DownProtocols(status, names)
		if len(down) == 0 {
			log.Debug().Strs("protocols", names).Int("samples", i+1).Msg("protocols up")
			return nil
		}
		log.Debug().Strs("down", down).Int("sample", i+1).Int("attempts", attempts).Msg("protocols still down")
		if i < attempts-1 {
			p.sleep(interval)
		}
	}
	return &TimeoutError{Down: down, Attempts: attempts}
}
