// Package mcpmsg provides the canonical JSON-RPC 2.0 envelope used throughout
// the gateway, plus the handful of inspection helpers the pipeline needs
// (method classification, tool-call params, tools/list results).
package mcpmsg

import (
	"encoding/json"
	"time"
)

// Direction indicates the flow direction of a message through the gateway.
type Direction int

const (
	// ClientToServer indicates a message flowing from client to upstream.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from upstream to client.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Envelope is the canonical JSON-RPC 2.0 message. Exactly one of
// Method (request/notification), Result, or Error is populated; the
// zero value of the other fields is omitted on the wire so a request
// never carries a spurious "result":null.
//
// Params and Result are kept as raw JSON so unknown nested fields survive
// a round trip untouched; only method, params.name, and result.tools are
// ever inspected by the pipeline.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	// Raw holds the original bytes as received, used for passthrough when
	// no rewrite is needed. Never serialized.
	Raw []byte `json:"-"`
	// Direction records which way this envelope is flowing. Never serialized.
	Direction Direction `json:"-"`
	// Timestamp records when the gateway first saw this envelope.
	Timestamp time.Time `json:"-"`

	parsedParams map[string]any
	paramsParsed bool
}

// IsRequest reports whether the envelope is a JSON-RPC request (has a method and an id).
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && len(e.ID) > 0
}

// IsNotification reports whether the envelope is a JSON-RPC notification (method, no id).
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && len(e.ID) == 0
}

// IsResponse reports whether the envelope carries a result or an error.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && (e.Result != nil || e.Error != nil)
}

// IsToolCall reports whether this is a tools/call request.
func (e *Envelope) IsToolCall() bool {
	return e.Method == "tools/call"
}

// IsToolsList reports whether this is a tools/list request.
func (e *Envelope) IsToolsList() bool {
	return e.Method == "tools/list"
}

// ParseParams parses Params into a generic map, caching the result.
// Safe to call repeatedly; returns nil if Params is absent or malformed.
func (e *Envelope) ParseParams() map[string]any {
	if e.paramsParsed {
		return e.parsedParams
	}
	e.paramsParsed = true
	if len(e.Params) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(e.Params, &params); err != nil {
		return nil
	}
	e.parsedParams = params
	return params
}

// ToolName returns params.name for a tools/call request, or "" otherwise.
func (e *Envelope) ToolName() string {
	if !e.IsToolCall() {
		return ""
	}
	params := e.ParseParams()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}

// ExtractAPIKey extracts a bearer-style credential carried in JSON-RPC
// params, for stdio-style transports that have no HTTP headers.
// Checks params._meta.apiKey first (MCP convention), then params.apiKey.
func (e *Envelope) ExtractAPIKey() string {
	params := e.ParseParams()
	if params == nil {
		return ""
	}
	if meta, ok := params["_meta"].(map[string]any); ok {
		if key, ok := meta["apiKey"].(string); ok && key != "" {
			return key
		}
	}
	if key, ok := params["apiKey"].(string); ok {
		return key
	}
	return ""
}

// toolsListResult mirrors the shape of a tools/list JSON-RPC result.
type toolsListResult struct {
	Tools      []json.RawMessage `json:"tools"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// ResultTools parses result.tools for a tools/list response.
// Returns the raw per-tool JSON entries (decode a name with
// ToolEntryName), so a filter can drop the unwanted entries without
// reserializing the kept ones.
func (e *Envelope) ResultTools() ([]json.RawMessage, bool) {
	if e.Result == nil {
		return nil, false
	}
	var res toolsListResult
	if err := json.Unmarshal(e.Result, &res); err != nil {
		return nil, false
	}
	return res.Tools, true
}

// ToolEntryName decodes just the "name" field of a raw tool entry.
// Returns "" if the entry has no string name field.
func ToolEntryName(raw json.RawMessage) string {
	var named struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return ""
	}
	return named.Name
}

// RewriteResultTools replaces result.tools with the given subset and
// re-serializes Raw, preserving every other top-level field and every
// other field of result untouched.
func (e *Envelope) RewriteResultTools(tools []json.RawMessage) error {
	var resultObj map[string]json.RawMessage
	if err := json.Unmarshal(e.Result, &resultObj); err != nil {
		return err
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return err
	}
	resultObj["tools"] = toolsJSON
	newResult, err := json.Marshal(resultObj)
	if err != nil {
		return err
	}
	e.Result = newResult
	return e.reserialize()
}

// reserialize rebuilds Raw from the current field values.
func (e *Envelope) reserialize() error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	e.Raw = data
	return nil
}
