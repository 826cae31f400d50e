package router

import "testing"

func TestRouter_LongestPrefixMatch(t *testing.T) {
	t.Parallel()

	r, err := New([]Route{
		{PathPrefix: "/mcp", UpstreamID: "default"},
		{PathPrefix: "/mcp/github", UpstreamID: "github"},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	route, ok := r.Match("/mcp/github/tools")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.UpstreamID != "github" {
		t.Errorf("UpstreamID = %q, want %q", route.UpstreamID, "github")
	}

	route, ok = r.Match("/mcp/other")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.UpstreamID != "default" {
		t.Errorf("UpstreamID = %q, want %q", route.UpstreamID, "default")
	}
}

func TestRouter_NoMatch(t *testing.T) {
	t.Parallel()

	r, err := New([]Route{{PathPrefix: "/mcp", UpstreamID: "default"}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, ok := r.Match("/other"); ok {
		t.Error("expected no match for unrelated path")
	}
}

func TestNew_RejectsDuplicatePrefix(t *testing.T) {
	t.Parallel()

	_, err := New([]Route{
		{PathPrefix: "/mcp", UpstreamID: "a"},
		{PathPrefix: "/mcp", UpstreamID: "b"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate prefix")
	}
}

func TestNew_RejectsEmptyPrefix(t *testing.T) {
	t.Parallel()

	_, err := New([]Route{{PathPrefix: "", UpstreamID: "a"}})
	if err == nil {
		t.Fatal("expected error for empty prefix")
	}
}
