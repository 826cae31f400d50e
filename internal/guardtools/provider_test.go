package guardtools

import (
	"context"
	"errors"
	"testing"

	"github.com/Sentinel-Gate/Sentinelgate/internal/auth"
)

func adminIdentity() *auth.Identity {
	return &auth.Identity{ID: "admin-1", Claims: map[string]any{"admin": true}}
}

func adminByIDIdentity() *auth.Identity {
	return &auth.Identity{ID: "admin"}
}

func plainIdentity() *auth.Identity {
	return &auth.Identity{ID: "user-1"}
}

func TestListTools_FiltersAdminOnly(t *testing.T) {
	t.Parallel()

	p := NewProvider("test-version", nil, nil, nil)

	plain := p.ListTools(plainIdentity())
	for _, tool := range plain {
		if tool.Name == "guard/keys/hash" {
			t.Errorf("non-admin identity should not see guard/keys/hash")
		}
	}

	admin := p.ListTools(adminIdentity())
	found := false
	for _, tool := range admin {
		if tool.Name == "guard/keys/hash" {
			found = true
		}
	}
	if !found {
		t.Errorf("admin identity should see guard/keys/hash")
	}
	if len(admin) <= len(plain) {
		t.Errorf("admin catalog (%d) should be larger than plain catalog (%d)", len(admin), len(plain))
	}
}

func TestCall_ForbidsNonAdminFromAdminTool(t *testing.T) {
	t.Parallel()

	p := NewProvider("test-version", nil, nil, nil)
	_, err := p.Call(context.Background(), plainIdentity(), "guard/config/summary", nil)
	if err == nil {
		t.Fatal("expected error calling admin tool as non-admin")
	}
	if _, ok := err.(*ErrForbidden); !ok {
		t.Errorf("expected *ErrForbidden, got %T (%v)", err, err)
	}
}

func TestCall_AdminByIDPassesAdminCheck(t *testing.T) {
	t.Parallel()

	p := NewProvider("test-version", nil, nil, nil)
	if _, err := p.Call(context.Background(), adminByIDIdentity(), "guard/audit/dropped", nil); err != nil {
		t.Errorf("identity id \"admin\" should pass the admin check, got error: %v", err)
	}
}

func TestCall_UnknownTool(t *testing.T) {
	t.Parallel()

	p := NewProvider("test-version", nil, nil, nil)
	_, err := p.Call(context.Background(), adminIdentity(), "nonexistent", nil)
	if _, ok := err.(*ErrNotFound); !ok {
		t.Errorf("expected *ErrNotFound, got %T (%v)", err, err)
	}
}

func TestCall_HealthAndVersion(t *testing.T) {
	t.Parallel()

	p := NewProvider("v1.2.3", nil, nil, nil)

	res, err := p.Call(context.Background(), plainIdentity(), "guard/health", nil)
	if err != nil {
		t.Fatalf("guard/health: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok || m["status"] != "healthy" {
		t.Errorf("expected healthy status with no limiter/pipeline configured, got %v", res)
	}

	res, err = p.Call(context.Background(), plainIdentity(), "guard/version", nil)
	if err != nil {
		t.Fatalf("guard/version: %v", err)
	}
	m, ok = res.(map[string]any)
	if !ok || m["version"] != "v1.2.3" {
		t.Errorf("expected version v1.2.3, got %v", res)
	}
}

func TestCall_HashAPIKeyRequiresArg(t *testing.T) {
	t.Parallel()

	p := NewProvider("test-version", nil, nil, nil)
	if _, err := p.Call(context.Background(), adminIdentity(), "guard/keys/hash", nil); err == nil {
		t.Error("expected error for missing key argument")
	}

	res, err := p.Call(context.Background(), adminIdentity(), "guard/keys/hash", map[string]any{"key": "s3cr3t"})
	if err != nil {
		t.Fatalf("guard/keys/hash: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok || m["hash"] == "" {
		t.Errorf("expected a non-empty hash, got %v", res)
	}
}

func TestHandles(t *testing.T) {
	t.Parallel()

	p := NewProvider("test-version", nil, nil, nil)
	if !p.Handles("guard/health") {
		t.Error("expected Handles(guard/health) to be true")
	}
	if p.Handles("some_upstream_tool") {
		t.Error("expected Handles(some_upstream_tool) to be false")
	}
}

func TestIsAdmin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		identity *auth.Identity
		want     bool
	}{
		{"nil identity", nil, false},
		{"no claims", &auth.Identity{ID: "user-1"}, false},
		{"admin bool claim", &auth.Identity{ID: "x", Claims: map[string]any{"admin": true}}, true},
		{"admin false claim", &auth.Identity{ID: "x", Claims: map[string]any{"admin": false}}, false},
		{"identity id admin", &auth.Identity{ID: "admin"}, true},
	}
	for _, tc := range cases {
		if got := IsAdmin(tc.identity); got != tc.want {
			t.Errorf("%s: IsAdmin() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBuildCallResult(t *testing.T) {
	t.Parallel()

	ok := BuildCallResult(map[string]any{"a": 1}, nil)
	if ok.IsError {
		t.Error("expected IsError false on success")
	}
	if len(ok.Content) != 1 || ok.Content[0].Type != "text" {
		t.Fatalf("expected a single text content block, got %+v", ok.Content)
	}

	failed := BuildCallResult(nil, errors.New("boom"))
	if !failed.IsError {
		t.Error("expected IsError true on failure")
	}
	if len(failed.Content) != 1 || failed.Content[0].Text != "boom" {
		t.Fatalf("expected error text content, got %+v", failed.Content)
	}
}
