package ctxkey

import (
	"context"
	"log/slog"
	"testing"
)

func TestLoggerKey_RoundTrip(t *testing.T) {
	logger := slog.Default()
	ctx := context.WithValue(context.Background(), LoggerKey{}, logger)

	got, ok := ctx.Value(LoggerKey{}).(*slog.Logger)
	if !ok {
		t.Fatal("expected LoggerKey value to assert to *slog.Logger")
	}
	if got != logger {
		t.Error("expected the stored logger to round-trip unchanged")
	}
}

func TestLoggerKey_AbsentByDefault(t *testing.T) {
	if v := context.Background().Value(LoggerKey{}); v != nil {
		t.Errorf("expected no LoggerKey value on a bare context, got %v", v)
	}
}
