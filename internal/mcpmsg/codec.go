package mcpmsg

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Decode parses a single line-delimited JSON-RPC message into an Envelope.
// The raw bytes are preserved on the returned Envelope for passthrough.
//
// Decoding first round-trips through the MCP SDK's jsonrpc package, which
// enforces that the message is a well-formed JSON-RPC 2.0 request or
// response (exactly one of method/result/error, correct id shape) before
// the gateway's own Envelope is populated for inspection.
func Decode(raw []byte, dir Direction) (*Envelope, error) {
	if _, err := jsonrpc.DecodeMessage(raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	e.Raw = append([]byte(nil), raw...)
	e.Direction = dir
	e.Timestamp = time.Now()
	return &e, nil
}

// Encode serializes an Envelope to its wire format (no trailing newline).
func Encode(e *Envelope) ([]byte, error) {
	if e.JSONRPC == "" {
		e.JSONRPC = "2.0"
	}
	return json.Marshal(e)
}

// NewError builds a JSON-RPC error response envelope for the given request id.
// id may be nil for notifications/parse failures where no id was recoverable.
func NewError(id json.RawMessage, code int, message string) *Envelope {
	return &Envelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// NewResult builds a JSON-RPC success response envelope for the given request id.
func NewResult(id json.RawMessage, result any) (*Envelope, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{
		JSONRPC: "2.0",
		ID:      id,
		Result:  data,
	}, nil
}

// RawID extracts the request ID from raw message bytes without fully
// decoding the envelope. Used when a parse failure happened before an
// Envelope could be built but an error response still needs the original id.
func RawID(raw []byte) json.RawMessage {
	var partial struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return nil
	}
	return partial.ID
}
