// Package ratelimit implements per-identity token-bucket rate limiting.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config defines a token bucket's shape.
type Config struct {
	// Rate is the number of tokens added per second.
	Rate float64
	// Burst is the bucket capacity; it bounds how many requests can be
	// admitted in a single instant before the bucket is drained.
	Burst int
}

// Result is the outcome of a single Allow check.
type Result struct {
	Allowed bool
	// Remaining is the number of tokens left in the bucket immediately
	// after this check.
	Remaining int
	// RetryAfter is how long the caller should wait before retrying.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
	// ResetAt is when the bucket will next be full.
	ResetAt time.Time
}

// KeyType identifies what a rate limit key is scoped to.
type KeyType string

const (
	KeyTypeIP       KeyType = "ip"
	KeyTypeIdentity KeyType = "identity"
)

const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key: "ratelimit:{type}:{value}".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

// Limiter checks and consumes rate limit budget for a key.
type Limiter interface {
	// Allow consumes one token for key under cfg, reporting whether the
	// request is admitted.
	Allow(ctx context.Context, key string, cfg Config) (Result, error)
}
