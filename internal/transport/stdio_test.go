package transport

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func TestStdio_SendReceive(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("cat-based echo test assumes a unix shell")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewStdio("cat", nil, nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Close()

	if err := s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	got, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	if string(got) != want {
		t.Errorf("Receive() = %q, want %q", got, want)
	}
}

func TestStdio_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStdio("cat", nil, nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestStdio_SendBeforeStartFails(t *testing.T) {
	t.Parallel()
	s := NewStdio("cat", nil, nil)
	if err := s.Send(context.Background(), []byte("x")); err == nil {
		t.Error("expected error sending before Start")
	}
}
