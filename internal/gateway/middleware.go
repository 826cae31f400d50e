package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Sentinel-Gate/Sentinelgate/internal/auth"
	"github.com/Sentinel-Gate/Sentinelgate/internal/ctxkey"
	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// RequestIDKey is the context key under which the per-request id is stored.
var RequestIDKey = requestIDContextKey{}

// LoggerKey is the context key for the request-enriched logger. Uses the
// shared ctxkey type so other packages can read it without an import cycle.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware assigns (or propagates) a request id and stores an
// enriched logger in the request context.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched request logger, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext retrieves the request id stamped by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// peerIP resolves the caller's address per spec.md §4.10 step 1: the
// socket peer, unless that peer is itself a trusted reverse proxy, in
// which case the left-most X-Forwarded-For entry is trusted instead.
// trusted may be nil, in which case X-Forwarded-For is never honored.
func peerIP(r *http.Request, trusted *auth.TrustedProxyRanges) string {
	socketHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		socketHost = r.RemoteAddr
	}

	if trusted == nil || !trusted.RemoteHostTrusted(r) {
		return socketHost
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return socketHost
	}
	parts := strings.Split(xff, ",")
	client := strings.TrimSpace(parts[0])
	if client == "" {
		return socketHost
	}
	return client
}

// bearerCredential extracts the raw credential bytes from the
// Authorization header, falling back to a configured header name.
func bearerCredential(r *http.Request, fallbackHeader string) []byte {
	if hdr := r.Header.Get("Authorization"); strings.HasPrefix(hdr, "Bearer ") {
		return []byte(strings.TrimPrefix(hdr, "Bearer "))
	}
	if fallbackHeader != "" {
		if v := r.Header.Get(fallbackHeader); v != "" {
			return []byte(v)
		}
	}
	return nil
}
