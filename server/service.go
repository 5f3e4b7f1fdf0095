package server

import (
	"context"
	"encoding/json"
	"fmt"
)

// methodFunc implements one remote method. params is the raw params field of
// the request; the returned value becomes the reply result and a returned
// error becomes the reply error text.
type methodFunc func(ctx context.Context, params json.RawMessage) (any, error)

type service struct {
	method map[string]methodFunc
}

func newService() *service {
	return &service{method: make(map[string]methodFunc)}
}

func (s *service) register(name string, fn methodFunc) {
	s.method[name] = fn
}

func (s *service) lookup(name string) (methodFunc, bool) {
	fn, ok := s.method[name]
	return fn, ok
}

// positional decodes an ordered params sequence with at least n entries.
func positional(params json.RawMessage, n int) ([]json.RawMessage, error) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("params must be a list: %v", err)
		}
	}
	if len(args) < n {
		return nil, fmt.Errorf("expected %d params, got %d", n, len(args))
	}
	return args, nil
}

func stringArg(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string param, got %s", raw)
	}
	return s, nil
}

func boolArg(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("expected bool param, got %s", raw)
	}
	return b, nil
}
