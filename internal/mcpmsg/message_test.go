package mcpmsg

import (
	"encoding/json"
	"testing"
)

func TestEnvelope_IsRequestNotificationResponse(t *testing.T) {
	req := &Envelope{Method: "tools/call", ID: json.RawMessage(`1`)}
	if !req.IsRequest() {
		t.Error("expected IsRequest() true for method+id")
	}
	if req.IsNotification() || req.IsResponse() {
		t.Error("request should not be a notification or response")
	}

	notif := &Envelope{Method: "notifications/initialized"}
	if !notif.IsNotification() {
		t.Error("expected IsNotification() true for method without id")
	}
	if notif.IsRequest() || notif.IsResponse() {
		t.Error("notification should not be a request or response")
	}

	resp := &Envelope{ID: json.RawMessage(`1`), Result: json.RawMessage(`{}`)}
	if !resp.IsResponse() {
		t.Error("expected IsResponse() true for result without method")
	}
	if resp.IsRequest() || resp.IsNotification() {
		t.Error("response should not be a request or notification")
	}
}

func TestEnvelope_IsToolCallAndToolsList(t *testing.T) {
	call := &Envelope{Method: "tools/call"}
	if !call.IsToolCall() {
		t.Error("expected IsToolCall() true")
	}
	if call.IsToolsList() {
		t.Error("expected IsToolsList() false")
	}

	list := &Envelope{Method: "tools/list"}
	if !list.IsToolsList() {
		t.Error("expected IsToolsList() true")
	}
}

func TestEnvelope_ToolName(t *testing.T) {
	e := &Envelope{Method: "tools/call", Params: json.RawMessage(`{"name":"search","arguments":{}}`)}
	if got := e.ToolName(); got != "search" {
		t.Errorf("ToolName() = %q, want search", got)
	}

	notACall := &Envelope{Method: "tools/list"}
	if got := notACall.ToolName(); got != "" {
		t.Errorf("ToolName() for non-call = %q, want empty", got)
	}

	noParams := &Envelope{Method: "tools/call"}
	if got := noParams.ToolName(); got != "" {
		t.Errorf("ToolName() with no params = %q, want empty", got)
	}

	malformed := &Envelope{Method: "tools/call", Params: json.RawMessage(`not json`)}
	if got := malformed.ToolName(); got != "" {
		t.Errorf("ToolName() with malformed params = %q, want empty", got)
	}
}

func TestEnvelope_ParseParams_Cached(t *testing.T) {
	e := &Envelope{Params: json.RawMessage(`{"a":1}`)}
	first := e.ParseParams()
	if first["a"] != float64(1) {
		t.Errorf("a = %v, want 1", first["a"])
	}
	// Mutate the raw bytes; cached value should not change on re-parse.
	e.Params = json.RawMessage(`{"a":2}`)
	second := e.ParseParams()
	if second["a"] != float64(1) {
		t.Errorf("expected cached ParseParams to ignore later mutation, got %v", second["a"])
	}
}

func TestEnvelope_ExtractAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   string
	}{
		{"meta apiKey", `{"_meta":{"apiKey":"from-meta"}}`, "from-meta"},
		{"top-level apiKey", `{"apiKey":"from-top"}`, "from-top"},
		{"meta takes priority", `{"_meta":{"apiKey":"meta-key"},"apiKey":"top-key"}`, "meta-key"},
		{"none", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Envelope{Params: json.RawMessage(tt.params)}
			if got := e.ExtractAPIKey(); got != tt.want {
				t.Errorf("ExtractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvelope_ResultTools(t *testing.T) {
	e := &Envelope{Result: json.RawMessage(`{"tools":[{"name":"a"},{"name":"b"}]}`)}
	tools, ok := e.ResultTools()
	if !ok {
		t.Fatal("expected ResultTools() ok")
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
	if ToolEntryName(tools[0]) != "a" || ToolEntryName(tools[1]) != "b" {
		t.Errorf("unexpected tool names: %s, %s", tools[0], tools[1])
	}

	noResult := &Envelope{}
	if _, ok := noResult.ResultTools(); ok {
		t.Error("expected ResultTools() false when Result is nil")
	}
}

func TestToolEntryName_Malformed(t *testing.T) {
	if got := ToolEntryName(json.RawMessage(`not json`)); got != "" {
		t.Errorf("ToolEntryName() = %q, want empty for malformed entry", got)
	}
}

func TestEnvelope_RewriteResultTools(t *testing.T) {
	e := &Envelope{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Result:  json.RawMessage(`{"tools":[{"name":"a"},{"name":"b"}],"nextCursor":"xyz"}`),
	}
	kept := []json.RawMessage{json.RawMessage(`{"name":"a"}`)}
	if err := e.RewriteResultTools(kept); err != nil {
		t.Fatalf("RewriteResultTools() error = %v", err)
	}

	tools, ok := e.ResultTools()
	if !ok || len(tools) != 1 || ToolEntryName(tools[0]) != "a" {
		t.Fatalf("unexpected tools after rewrite: %v", tools)
	}

	var resultObj map[string]json.RawMessage
	if err := json.Unmarshal(e.Result, &resultObj); err != nil {
		t.Fatalf("Unmarshal(Result) error = %v", err)
	}
	if string(resultObj["nextCursor"]) != `"xyz"` {
		t.Errorf("nextCursor = %s, want preserved", resultObj["nextCursor"])
	}

	if len(e.Raw) == 0 {
		t.Error("expected Raw to be re-serialized")
	}
}

func TestDirection_String(t *testing.T) {
	if ClientToServer.String() != "client->server" {
		t.Errorf("ClientToServer.String() = %q", ClientToServer.String())
	}
	if ServerToClient.String() != "server->client" {
		t.Errorf("ServerToClient.String() = %q", ServerToClient.String())
	}
	if Direction(99).String() != "unknown" {
		t.Errorf("Direction(99).String() = %q, want unknown", Direction(99).String())
	}
}
