package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shardCount is the number of independent bucket maps the limiter splits
// across, each guarded by its own mutex, so concurrent requests for
// unrelated keys don't contend on a single lock.
const shardCount = 32

// bucket is a single token bucket: tokens refill continuously at cfg.Rate
// per second up to cfg.Burst, and are drained one at a time by Allow.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// TokenBucketLimiter implements Limiter with true token-bucket semantics
// in memory, sharded by key hash for concurrency and swept periodically
// so idle keys don't grow the map without bound.
type TokenBucketLimiter struct {
	shards          [shardCount]*shard
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxIdle         time.Duration
}

// NewTokenBucketLimiter creates a limiter with default cleanup settings:
// sweeps every 5 minutes, evicting buckets idle for more than an hour.
func NewTokenBucketLimiter() *TokenBucketLimiter {
	return NewTokenBucketLimiterWithConfig(5*time.Minute, time.Hour)
}

// NewTokenBucketLimiterWithConfig creates a limiter with custom cleanup settings.
func NewTokenBucketLimiterWithConfig(cleanupInterval, maxIdle time.Duration) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxIdle:         maxIdle,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

func (l *TokenBucketLimiter) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return l.shards[h%shardCount]
}

// Allow consumes one token for key, admitting the request if a token was
// available. The bucket starts full (cfg.Burst tokens) on first use.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string, cfg Config) (Result, error) {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, exists := s.buckets[key]
	if !exists {
		b = &bucket{tokens: float64(cfg.Burst), lastRefill: now}
		s.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * cfg.Rate
		if b.tokens > float64(cfg.Burst) {
			b.tokens = float64(cfg.Burst)
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		retryAfter := time.Duration(deficit/cfg.Rate*float64(time.Second)) + time.Nanosecond
		resetAt := now.Add(time.Duration((float64(cfg.Burst) - b.tokens) / cfg.Rate * float64(time.Second)))
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAt:    resetAt,
		}, nil
	}

	b.tokens--
	remaining := int(b.tokens)
	resetAt := now.Add(time.Duration((float64(cfg.Burst)-b.tokens)/cfg.Rate*float64(time.Second)))
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

// StartCleanup starts the background sweep goroutine, which removes
// buckets idle for more than maxIdle. It stops on ctx cancellation or Stop().
func (l *TokenBucketLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

func (l *TokenBucketLimiter) cleanup() {
	now := time.Now()
	cutoff := now.Add(-l.maxIdle)
	cleaned := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if b.lastRefill.Before(cutoff) {
				delete(s.buckets, key)
				cleaned++
			}
		}
		s.mu.Unlock()
	}
	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed", "cleaned_keys", cleaned)
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (l *TokenBucketLimiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the total number of tracked keys across all shards.
func (l *TokenBucketLimiter) Size() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.buckets)
		s.mu.Unlock()
	}
	return total
}

var _ Limiter = (*TokenBucketLimiter)(nil)
