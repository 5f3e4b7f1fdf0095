// Package message defines the JSON-RPC envelopes exchanged with the routing daemon's
// control endpoint.
//
// Every call is one Request followed by exactly one Reply carrying the same ID.
// A Reply holds either a result or an error; the codec layer turns raw bytes into
// these types and the correlator decides what a Reply means.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// Version is the protocol-version field sent with every request.
	Version = "2.0"

	// ContinuationSignal is the reply result asking for the next upload fragment.
	ContinuationSignal = "send_another_frag"
)

// Remote methods of the control endpoint.
const (
	MethodConnect        = "connect"
	MethodAcquire        = "acquire"
	MethodRelease        = "release"
	MethodDisconnect     = "disconnect"
	MethodGetConfig      = "get_config"
	MethodProtocolsInfo  = "get_protocols_info"
	MethodSetEmptyConfig = "set_empty_config"
	MethodSetConfig      = "set_config"
)

// Request is the call envelope.
//
//   - Params is an ordered sequence ([]any) for every method except the
//     fragment upload, which sends a keyed record.
//   - ID is drawn fresh for every call and echoed back by the server.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint32 `json:"id"`
}

// NewRequest builds a request envelope. Nil params are sent as an empty sequence.
func NewRequest(id uint32, method string, params any) *Request {
	if params == nil {
		params = []any{}
	}
	return &Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		ID:      id,
	}
}

// Reply is the response envelope. Result and Error are kept raw so the caller
// decides how to interpret them.
type Reply struct {
	ID     *uint32         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// HasID reports whether the reply carried an id field.
func (r *Reply) HasID() bool { return r.ID != nil }

// HasResult reports whether the reply carried a result field (including null).
func (r *Reply) HasResult() bool { return len(r.Result) > 0 }

// HasError reports whether the reply carried an error field.
func (r *Reply) HasError() bool { return len(r.Error) > 0 }

// Matches reports whether the reply answers the call with the given id.
func (r *Reply) Matches(id uint32) bool {
	return r.ID != nil && *r.ID == id
}

// ResultReply builds a success reply for the given request id.
func ResultReply(id uint32, result any) (*Reply, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Reply{ID: &id, Result: raw}, nil
}

// ErrorReply builds an error reply carrying a plain error string, the shape the
// daemon uses.
func ErrorReply(id uint32, text string) *Reply {
	raw, _ := json.Marshal(text)
	return &Reply{ID: &id, Error: raw}
}

// errorObject is the JSON-RPC 2.0 structured error.
type errorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorText extracts human readable text and a code from a raw error field.
// A JSON string is returned verbatim with code 0; a {code, message} object yields
// both; anything else is returned as its raw JSON text.
func ErrorText(raw json.RawMessage) (string, int) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, 0
	}
	var obj errorObject
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message, obj.Code
	}
	return string(raw), 0
}

// Truthy reports JSON truthiness: false, null, 0, "", [] and {} are false.
func Truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// String decodes a raw result as a JSON string.
func String(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("result is not a string: %s", truncate(raw, 64))
	}
	return s, nil
}

// IsContinuation reports whether a result is the fragment continuation signal.
func IsContinuation(raw json.RawMessage) bool {
	s, err := String(raw)
	return err == nil && s == ContinuationSignal
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
