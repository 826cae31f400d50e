package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_AlwaysOK(t *testing.T) {
	t.Parallel()

	h := NewHealthChecker(nil, nil, "v1.0.0")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadiness_DefaultsNotReady(t *testing.T) {
	t.Parallel()

	r := &Readiness{}
	if r.Ready() {
		t.Fatal("expected Readiness to default to not ready")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before SetReady, got %d", rec.Code)
	}

	r.SetReady(true)
	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after SetReady(true), got %d", rec.Code)
	}
}
