package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Sentinelgate/internal/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/auth"
	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
	"github.com/Sentinel-Gate/Sentinelgate/internal/gateway"
	"github.com/Sentinel-Gate/Sentinelgate/internal/ratelimit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/router"
	"github.com/Sentinel-Gate/Sentinelgate/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway server",
	Long: `Run starts the Sentinel Gate gateway: it loads sentinel-gate.yaml,
wires every configured upstream, authentication provider, rate limiter and
audit sink, and serves /mcp, /health, /live, /ready and /metrics until it
receives SIGINT or SIGTERM.

Examples:
  sentinel-gate run
  sentinel-gate --config /path/to/sentinel-gate.yaml run`,
	RunE: runRun,
}

var devMode bool

func init() {
	runCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (bypasses authentication, relaxed validation)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	gw, err := assembleGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to assemble gateway: %w", err)
	}

	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: gw.Mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("sentinel-gate listening", "addr", cfg.Server.HTTPAddr, "dev_mode", cfg.DevMode, "version", cfg.Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", "error", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown did not complete cleanly", "error", err)
	}

	logger.Info("sentinel-gate stopped")
	return nil
}

// assembleGateway turns a validated config.Config into a running
// gateway.Gateway: every upstream transport, authentication provider,
// rate limiter and audit sink it names.
func assembleGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, error) {
	authProvider, err := buildAuthProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build auth provider: %w", err)
	}

	var trusted *auth.TrustedProxyRanges
	if len(cfg.TrustedProxies) > 0 {
		trusted, err = auth.NewTrustedProxyRanges(cfg.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("build trusted proxy ranges: %w", err)
		}
	}

	routes := make([]router.Route, len(cfg.Routes))
	for i, r := range cfg.Routes {
		routes[i] = router.Route{PathPrefix: r.PathPrefix, UpstreamID: r.UpstreamID}
	}

	upstreams := make([]gateway.UpstreamSpec, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		upstreams[i] = gateway.UpstreamSpec{ID: u.ID, Transport: upstreamTransportConfig(u)}
	}

	pipeline, err := buildAuditPipeline(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("build audit pipeline: %w", err)
	}

	gwCfg := gateway.Config{
		AuthProvider:     authProvider,
		TrustedProxies:   trusted,
		Routes:           routes,
		Upstreams:        upstreams,
		RateLimitConfig:  ratelimit.Config{Rate: cfg.RateLimit.Rate, Burst: cfg.RateLimit.Burst},
		AuditPipeline:    pipeline,
		Version:          cfg.Version,
		CredentialHeader: cfg.CredentialHeader,
		Logger:           logger,
	}

	if cfg.OAuthFlow.Enabled {
		gwCfg.OAuthFlow = &gateway.OAuthFlowConfig{
			ClientID:     cfg.OAuthFlow.ClientID,
			ClientSecret: cfg.OAuthFlow.ClientSecret,
			AuthorizeURL: cfg.OAuthFlow.AuthorizeURL,
			TokenURL:     cfg.OAuthFlow.TokenURL,
			RedirectURL:  cfg.OAuthFlow.RedirectURL,
			Scopes:       cfg.OAuthFlow.Scopes,
		}
	}

	return gateway.Bootstrap(ctx, gwCfg)
}

// upstreamTransportConfig maps one configured upstream to the transport
// kind its config implies: exactly one of HTTP, SSE, or Command is set,
// enforced by config.Config.Validate.
func upstreamTransportConfig(u config.UpstreamConfig) transport.Config {
	switch {
	case u.HTTP != "":
		return transport.Config{Kind: transport.KindHTTP, BaseURL: u.HTTP, Headers: u.Headers}
	case u.SSE != "":
		return transport.Config{Kind: transport.KindSSE, BaseURL: u.SSE, Headers: u.Headers}
	default:
		return transport.Config{Kind: transport.KindStdio, Command: u.Command, Args: u.Args, Env: u.Env}
	}
}

// buildAuthProvider wires every configured auth provider into a single
// auth.MultiProvider, in the order: API keys, JWT, OAuth, mTLS.
func buildAuthProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*auth.MultiProvider, error) {
	var providers []auth.Provider

	if len(cfg.Auth.APIKeys) > 0 {
		providers = append(providers, auth.NewAPIKeyProvider(newStaticKeyStore(cfg.Auth.APIKeys)))
	}

	if cfg.Auth.JWT != nil {
		jwtProvider, err := auth.NewJWTProvider(ctx, auth.JWTConfig{
			Secret:         cfg.Auth.JWT.Secret,
			JWKSURL:        cfg.Auth.JWT.JWKSURL,
			Issuer:         cfg.Auth.JWT.Issuer,
			Audience:       cfg.Auth.JWT.Audience,
			ClaimScope:     cfg.Auth.JWT.ClaimScope,
			ScopeToolMap:   cfg.Auth.JWT.ScopeToolMap,
			ClaimRateLimit: cfg.Auth.JWT.ClaimRateLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("jwt: %w", err)
		}
		providers = append(providers, jwtProvider)
	}

	if cfg.Auth.OAuth != nil {
		cacheTTL, err := time.ParseDuration(cfg.Auth.OAuth.CacheTTL)
		if err != nil {
			cacheTTL = 60 * time.Second
			logger.Warn("invalid auth.oauth.cache_ttl, using default", "value", cfg.Auth.OAuth.CacheTTL, "default", cacheTTL)
		}
		oauthProvider, err := auth.NewOAuthProvider(auth.OAuthConfig{
			IntrospectionURL:       cfg.Auth.OAuth.IntrospectionURL,
			UserinfoURL:            cfg.Auth.OAuth.UserinfoURL,
			ClientID:               cfg.Auth.OAuth.ClientID,
			ClientSecret:           cfg.Auth.OAuth.ClientSecret,
			ClaimTool:              cfg.Auth.OAuth.ClaimTool,
			CacheTTL:               cacheTTL,
			ResponseSizeLimitBytes: cfg.Server.ResponseSizeLimitBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("oauth: %w", err)
		}
		providers = append(providers, oauthProvider)
	}

	var mtlsProvider *auth.MTLSProvider
	var trusted *auth.TrustedProxyRanges
	if cfg.Auth.MTLS.Enabled {
		mtlsProvider = auth.NewMTLSProvider(cfg.Auth.MTLS.IdentitySource)
		var err error
		trusted, err = auth.NewTrustedProxyRanges(cfg.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("mtls trusted proxies: %w", err)
		}
	}

	return auth.NewMultiProvider(auth.MultiProviderConfig{
		Providers: providers,
		MTLS:      mtlsProvider,
		Trusted:   trusted,
		DevMode:   cfg.DevMode,
		Logger:    logger,
	})
}

// staticKeyStore resolves API keys against a fixed set loaded from config
// at startup; it never changes at runtime.
type staticKeyStore struct {
	byHash map[string]*auth.APIKeyRecord
	all    []*auth.APIKeyRecord
}

func newStaticKeyStore(keys []config.APIKeyConfig) *staticKeyStore {
	s := &staticKeyStore{byHash: make(map[string]*auth.APIKeyRecord, len(keys))}
	for _, k := range keys {
		claims := map[string]any{"auth_method": "api_key"}
		if k.Admin {
			claims["admin"] = true
		}
		var allowed map[string]struct{}
		if len(k.AllowedTools) > 0 {
			allowed = make(map[string]struct{}, len(k.AllowedTools))
			for _, t := range k.AllowedTools {
				allowed[t] = struct{}{}
			}
		}
		record := &auth.APIKeyRecord{
			Hash: strings.TrimPrefix(k.KeyHash, "sha256:"),
			Identity: auth.Identity{
				ID:           k.IdentityID,
				Name:         k.IdentityName,
				AllowedTools: allowed,
				RateLimit:    k.RateLimit,
				Claims:       claims,
			},
			Revoked: k.Revoked,
		}
		s.byHash[record.Hash] = record
		s.all = append(s.all, record)
	}
	return s
}

func (s *staticKeyStore) LookupByHash(hash string) (*auth.APIKeyRecord, bool) {
	r, ok := s.byHash[hash]
	return r, ok
}

func (s *staticKeyStore) All() []*auth.APIKeyRecord { return s.all }

// buildAuditPipeline wires every configured audit sink into a single
// audit.Pipeline. Returns nil if no sinks are configured.
func buildAuditPipeline(cfg config.AuditConfig, logger *slog.Logger) (*audit.Pipeline, error) {
	if len(cfg.Sinks) == 0 {
		return nil, nil
	}

	sinks := make([]audit.Sink, 0, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		switch s.Type {
		case "stdout":
			sinks = append(sinks, audit.NewStdoutSink(os.Stdout))
		case "file":
			fileSink, err := audit.NewFileSink(audit.FileSinkConfig{
				Dir:           s.Dir,
				RetentionDays: s.RetentionDays,
				MaxFileSizeMB: s.MaxFileSizeMB,
				Compress:      s.Compress,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("file sink: %w", err)
			}
			sinks = append(sinks, fileSink)
		case "http":
			sinks = append(sinks, audit.NewHTTPSink(audit.HTTPSinkConfig{
				URL:        s.URL,
				Headers:    s.Headers,
				MaxRetries: s.MaxRetries,
			}, logger))
		default:
			return nil, fmt.Errorf("unknown audit sink type %q", s.Type)
		}
	}

	rules, skipped := audit.CompilePatternRules(cfg.RedactPatterns, cfg.RedactReplacement)
	for _, p := range skipped {
		logger.Warn("skipping invalid audit redact pattern", "pattern", p)
	}

	queueSize, batchSize, flushEvery := 1000, 50, time.Second
	if cfg.QueueSize > 0 {
		queueSize = cfg.QueueSize
	}
	if cfg.BatchSize > 0 {
		batchSize = cfg.BatchSize
	}
	if d, err := time.ParseDuration(cfg.FlushEvery); err == nil {
		flushEvery = d
	}

	return audit.NewPipeline(audit.Config{
		Sinks:      sinks,
		Rules:      rules,
		QueueSize:  queueSize,
		BatchSize:  batchSize,
		FlushEvery: flushEvery,
		Logger:     logger,
	}), nil
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// Info for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
