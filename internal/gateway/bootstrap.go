package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/Sentinelgate/internal/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/auth"
	"github.com/Sentinel-Gate/Sentinelgate/internal/authz"
	"github.com/Sentinel-Gate/Sentinelgate/internal/guardtools"
	"github.com/Sentinel-Gate/Sentinelgate/internal/ratelimit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/router"
	"github.com/Sentinel-Gate/Sentinelgate/internal/transport"
)

// UpstreamSpec names one configured upstream server by id and transport.
type UpstreamSpec struct {
	ID        string
	Transport transport.Config
}

// Config assembles every already-constructed dependency the gateway
// needs. internal/config is responsible for turning a YAML file into
// this shape; Bootstrap only wires what it's given.
type Config struct {
	AuthProvider    *auth.MultiProvider
	TrustedProxies  *auth.TrustedProxyRanges
	Routes          []router.Route
	Upstreams       []UpstreamSpec
	RateLimitConfig ratelimit.Config
	RateLimiter     *ratelimit.TokenBucketLimiter
	AuditPipeline   *audit.Pipeline
	Version         string
	CredentialHeader string
	Registerer      prometheus.Registerer
	Logger          *slog.Logger

	// OAuthFlow, if set, registers the PKCE authorize/callback helper
	// endpoints.
	OAuthFlow *OAuthFlowConfig
}

// Gateway is the fully wired gateway: an http.Handler plus the resources
// Bootstrap started, for a caller to Shutdown.
type Gateway struct {
	Mux       *http.ServeMux
	Handler   *Handler
	Health    *HealthChecker
	Readiness *Readiness
	Metrics   *Metrics

	upstreamConns map[string]*upstreamConn
	pipeline      *audit.Pipeline
	limiter       *ratelimit.TokenBucketLimiter
	logger        *slog.Logger
}

// Bootstrap wires cfg into a running Gateway: starts every configured
// upstream transport, builds the router, assembles the request handler,
// and registers /mcp, /health, /live, /ready, /metrics.
func Bootstrap(ctx context.Context, cfg Config) (*Gateway, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	rt, err := router.New(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("gateway: build router: %w", err)
	}

	conns := make(map[string]*upstreamConn, len(cfg.Upstreams))
	for _, spec := range cfg.Upstreams {
		t, err := transport.New(spec.Transport)
		if err != nil {
			return nil, fmt.Errorf("gateway: build transport %q: %w", spec.ID, err)
		}
		if err := t.Start(ctx); err != nil {
			return nil, fmt.Errorf("gateway: start transport %q: %w", spec.ID, err)
		}
		conns[spec.ID] = NewUpstreamConn(t)
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NewTokenBucketLimiter()
	}

	guard := guardtools.NewProvider(cfg.Version, limiter, cfg.AuditPipeline, nil)

	metrics := NewMetrics(reg,
		func() float64 { return float64(limiter.Size()) },
		func() float64 {
			if cfg.AuditPipeline == nil {
				return 0
			}
			return float64(cfg.AuditPipeline.Dropped())
		},
	)

	handler := &Handler{
		Auth:             cfg.AuthProvider,
		Authz:            authz.NewAuthorizer(),
		Limiter:          limiter,
		RateLimitConfig:  cfg.RateLimitConfig,
		Pipeline:         cfg.AuditPipeline,
		Router:           rt,
		Upstreams:        conns,
		Guard:            guard,
		Metrics:          metrics,
		Logger:           logger,
		CredentialHeader: cfg.CredentialHeader,
		Trusted:          cfg.TrustedProxies,
	}

	health := NewHealthChecker(limiter, cfg.AuditPipeline, cfg.Version)
	readiness := &Readiness{}
	readiness.SetReady(true)

	mux := http.NewServeMux()
	mux.Handle("/mcp", RequestIDMiddleware(logger)(handler))
	mux.Handle("/mcp/", RequestIDMiddleware(logger)(handler))
	mux.Handle("/health", health.Handler())
	mux.Handle("/live", health.Handler())
	mux.Handle("/ready", readiness.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(prometheusGatherer(reg), promhttp.HandlerOpts{}))

	if cfg.OAuthFlow != nil {
		flow := NewOAuthFlow(*cfg.OAuthFlow)
		mux.Handle("/oauth/authorize", flow.AuthorizeHandler())
		mux.Handle("/oauth/callback", flow.CallbackHandler())
	}

	return &Gateway{
		Mux:           mux,
		Handler:       handler,
		Health:        health,
		Readiness:     readiness,
		Metrics:       metrics,
		upstreamConns: conns,
		pipeline:      cfg.AuditPipeline,
		limiter:       limiter,
		logger:        logger,
	}, nil
}

// prometheusGatherer narrows a Registerer to the Gatherer interface
// promhttp needs, since *prometheus.Registry satisfies both.
func prometheusGatherer(reg prometheus.Registerer) prometheus.Gatherer {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// Shutdown flips readiness off, stops the rate limiter's cleanup
// goroutine, closes every upstream transport, and drains the audit
// pipeline. In-flight requests are not forcibly cancelled; the caller's
// http.Server is responsible for the grace window.
func (g *Gateway) Shutdown(_ context.Context) error {
	g.Readiness.SetReady(false)

	var firstErr error
	for id, conn := range g.upstreamConns {
		if err := conn.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close upstream %q: %w", id, err)
		}
	}
	g.limiter.Stop()
	if g.pipeline != nil {
		if err := g.pipeline.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close audit pipeline: %w", err)
		}
	}
	return firstErr
}
