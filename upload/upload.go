// Package upload delivers large configuration payloads in server-paced fragments.
//
// The server answers every non-final fragment with the continuation signal and
// the final one with the outcome of the whole upload. It may also answer early
// with a terminal result (for example a digest mismatch detected on the first
// fragment), which ends the upload immediately.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"birdrpc/message"
)

var (
	ErrNotAcquired      = errors.New("upload: lock token required")
	ErrEmptyPayload     = errors.New("upload: empty payload")
	ErrIncompleteUpload = errors.New("upload: sent all fragments without a terminal reply")
)

// Caller performs one call and returns its raw result.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type Uploader struct {
	caller Caller
	policy Policy
}

func NewUploader(caller Caller, policy Policy) *Uploader {
	return &Uploader{caller: caller, policy: policy.withDefaults()}
}

func (u *Uploader) Policy() Policy {
	return u.policy
}

// Upload sends payload through method under token, one fragment per call, and
// returns the first reply that is not the continuation signal.
func (u *Uploader) Upload(ctx context.Context, method, token, payload string) (json.RawMessage, error) {
	if token == "" {
		return nil, ErrNotAcquired
	}
	if payload == "" {
		return nil, ErrEmptyPayload
	}

	s := newSplitter(payload, u.policy)
	sent, frags := 0, 0
	for {
		f, ok := s.next()
		if !ok {
			break
		}
		result, err := u.caller.Call(ctx, method, f.Params(token))
		if err != nil {
			return nil, fmt.Errorf("fragment %d (offset %d): %w", frags, sent, err)
		}
		sent += len(f.Data)
		frags++
		if !message.IsContinuation(result) {
			log.Debug().Str("method", method).Int("fragments", frags).Int("bytes", sent).
				Int("total", len(payload)).Msg("upload finished")
			return result, nil
		}
		s.advance(f)
	}
	return nil, fmt.Errorf("%w (%d fragments, %d bytes)", ErrIncompleteUpload, frags, sent)
}
