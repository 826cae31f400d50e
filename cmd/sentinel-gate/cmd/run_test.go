package cmd

import (
	"context"
	"log/slog"
	"testing"

	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
	"github.com/Sentinel-Gate/Sentinelgate/internal/transport"
)

func TestRunCmd_Registered(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "run" {
			found = true
			break
		}
	}
	if !found {
		t.Error("run command not registered with rootCmd")
	}
}

func TestUpstreamTransportConfig(t *testing.T) {
	tests := []struct {
		name string
		in   config.UpstreamConfig
		want transport.Kind
	}{
		{"http", config.UpstreamConfig{HTTP: "http://localhost:3000/mcp"}, transport.KindHTTP},
		{"sse", config.UpstreamConfig{SSE: "http://localhost:3000/sse"}, transport.KindSSE},
		{"stdio", config.UpstreamConfig{Command: "/usr/bin/mcp-server"}, transport.KindStdio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := upstreamTransportConfig(tt.in)
			if got.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.want)
			}
		})
	}
}

func TestNewStaticKeyStore(t *testing.T) {
	store := newStaticKeyStore([]config.APIKeyConfig{
		{KeyHash: "sha256:abc123", IdentityID: "user-1", Admin: true},
		{KeyHash: "def456", IdentityID: "user-2", AllowedTools: []string{"search"}},
	})

	rec, ok := store.LookupByHash("abc123")
	if !ok {
		t.Fatal("expected record for abc123")
	}
	if rec.Identity.ID != "user-1" {
		t.Errorf("Identity.ID = %q, want user-1", rec.Identity.ID)
	}
	if admin, _ := rec.Identity.Claims["admin"].(bool); !admin {
		t.Error("expected admin claim to be true")
	}

	rec2, ok := store.LookupByHash("def456")
	if !ok {
		t.Fatal("expected record for def456")
	}
	if _, ok := rec2.Identity.AllowedTools["search"]; !ok {
		t.Error("expected AllowedTools to contain 'search'")
	}

	if len(store.All()) != 2 {
		t.Errorf("All() len = %d, want 2", len(store.All()))
	}

	if _, ok := store.LookupByHash("missing"); ok {
		t.Error("LookupByHash(missing) should not find a record")
	}
}

func TestBuildAuthProvider_APIKeyOnly(t *testing.T) {
	cfg := &config.Config{
		Auth: config.AuthConfig{
			APIKeys: []config.APIKeyConfig{{KeyHash: "sha256:abc123", IdentityID: "user-1"}},
		},
	}
	provider, err := buildAuthProvider(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("buildAuthProvider() error = %v", err)
	}
	if provider == nil {
		t.Fatal("expected a non-nil provider")
	}
}

func TestBuildAuditPipeline_NoSinks(t *testing.T) {
	pipeline, err := buildAuditPipeline(config.AuditConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("buildAuditPipeline() error = %v", err)
	}
	if pipeline != nil {
		t.Error("expected a nil pipeline when no sinks are configured")
	}
}

func TestBuildAuditPipeline_Stdout(t *testing.T) {
	pipeline, err := buildAuditPipeline(config.AuditConfig{
		Sinks: []config.AuditSinkConfig{{Type: "stdout"}},
	}, slog.Default())
	if err != nil {
		t.Fatalf("buildAuditPipeline() error = %v", err)
	}
	if pipeline == nil {
		t.Fatal("expected a non-nil pipeline")
	}
	if err := pipeline.Close(); err != nil {
		t.Errorf("pipeline.Close() error = %v", err)
	}
}

func TestBuildAuditPipeline_UnknownSinkType(t *testing.T) {
	_, err := buildAuditPipeline(config.AuditConfig{
		Sinks: []config.AuditSinkConfig{{Type: "syslog"}},
	}, slog.Default())
	if err == nil {
		t.Error("expected an error for an unknown sink type")
	}
}
