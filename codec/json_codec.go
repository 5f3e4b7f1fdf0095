package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"birdrpc/message"
)

// JSONCodec encodes envelopes as single JSON objects.
// Decoding is strict about shape: anything that is not a JSON object is malformed.
type JSONCodec struct{}

func (c *JSONCodec) EncodeRequest(req *message.Request) ([]byte, error) {
	if req.Params == nil {
		req.Params = []any{}
	}
	return json.Marshal(req)
}

func (c *JSONCodec) DecodeRequest(data []byte) (*message.Request, error) {
	if err := requireObject(data); err != nil {
		return nil, err
	}
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      uint32          `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformed)
	}
	return &message.Request{
		JSONRPC: raw.JSONRPC,
		Method:  raw.Method,
		Params:  raw.Params,
		ID:      raw.ID,
	}, nil
}

func (c *JSONCodec) EncodeReply(reply *message.Reply) ([]byte, error) {
	return json.Marshal(reply)
}

func (c *JSONCodec) DecodeReply(data []byte) (*message.Reply, error) {
	if err := requireObject(data); err != nil {
		return nil, err
	}
	var reply message.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &reply, nil
}

func (c *JSONCodec) Name() string {
	return "json"
}

// requireObject rejects anything that is not valid JSON or is valid JSON of a
// non-object type (arrays, strings, numbers, null).
func requireObject(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: invalid json %q", ErrMalformed, preview(trimmed))
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: expected object, got %q", ErrMalformed, preview(trimmed))
	}
	return nil
}

func preview(b []byte) string {
	if len(b) > 80 {
		return string(b[:80]) + "..."
	}
	return string(b)
}
