// Package config loads and validates the gateway's YAML configuration:
// upstreams and routes, authentication providers, rate limiting, audit
// sinks, and the optional OAuth PKCE helper.
package config

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstreams are the MCP servers the gateway forwards to, keyed by id.
	Upstreams []UpstreamConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"required,min=1,dive"`

	// Routes maps inbound path prefixes to an upstream id.
	Routes []RouteConfig `yaml:"routes" mapstructure:"routes" validate:"required,min=1,dive"`

	// Auth configures the authentication provider chain.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures the default per-identity token bucket.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Audit configures where audit entries are delivered.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// OAuthFlow, if enabled, serves the PKCE authorize/callback helper.
	OAuthFlow OAuthFlowConfig `yaml:"oauth_flow" mapstructure:"oauth_flow"`

	// CredentialHeader is a fallback header consulted when a request
	// carries no Authorization: Bearer header (e.g. "X-Api-Key").
	CredentialHeader string `yaml:"credential_header" mapstructure:"credential_header"`

	// TrustedProxies lists CIDR ranges of reverse proxies permitted to
	// set X-Forwarded-For and X-Client-Cert-* headers.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies" validate:"omitempty,dive,cidr"`

	// Version is reported by guard/version and embedded in audit/health output.
	Version string `yaml:"version" mapstructure:"version"`

	// DevMode bypasses authentication entirely, returning an anonymous,
	// unrestricted identity. Refused when the environment sets
	// SENTINELGATE_ALLOW_DEVMODE to "false".
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum slog level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ResponseSizeLimitBytes caps the body read from an OAuth
	// introspection or userinfo reply. Defaults to 16KiB.
	ResponseSizeLimitBytes int `yaml:"response_size_limit_bytes" mapstructure:"response_size_limit_bytes" validate:"omitempty,min=1"`
}

// UpstreamConfig names one upstream MCP server and how to reach it.
// Exactly one of HTTP, SSE, or Command must be set.
type UpstreamConfig struct {
	// ID is referenced by RouteConfig.UpstreamID.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// HTTP is a remote MCP server URL speaking Streamable HTTP.
	HTTP string `yaml:"http" mapstructure:"http" validate:"omitempty,url"`

	// SSE is a remote MCP server URL speaking the legacy SSE transport.
	SSE string `yaml:"sse" mapstructure:"sse" validate:"omitempty,url"`

	// Command spawns a local subprocess speaking stdio.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are arguments passed to Command.
	Args []string `yaml:"args" mapstructure:"args"`

	// Env are additional "KEY=VALUE" environment entries for Command.
	Env []string `yaml:"env" mapstructure:"env"`

	// Headers are sent with every HTTP/SSE request (e.g. upstream auth).
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`
}

// RouteConfig maps an inbound path prefix to a configured upstream.
type RouteConfig struct {
	PathPrefix string `yaml:"path_prefix" mapstructure:"path_prefix" validate:"required"`
	UpstreamID string `yaml:"upstream_id" mapstructure:"upstream_id" validate:"required"`
}

// AuthConfig configures the authentication provider chain. Forwarded mTLS
// headers from a trusted proxy are checked first; otherwise the bearer
// credential is tried in the fixed order api_keys, jwt, oauth, and the
// first provider to accept it wins.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
	JWT     *JWTConfig     `yaml:"jwt" mapstructure:"jwt"`
	OAuth   *OAuthConfig   `yaml:"oauth" mapstructure:"oauth"`
	MTLS    MTLSConfig     `yaml:"mtls" mapstructure:"mtls"`
}

// APIKeyConfig defines one configured API key and the identity it
// resolves to. Keys are seeded pre-hashed; generate a hash with the
// gateway's "hash-key" subcommand.
type APIKeyConfig struct {
	// KeyHash is either a SHA-256 hex digest, bare or with the "sha256:"
	// prefix that hash-key prints, or an Argon2id PHC string
	// ("$argon2id$...").
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`

	IdentityID   string   `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`
	IdentityName string   `yaml:"identity_name" mapstructure:"identity_name"`
	AllowedTools []string `yaml:"allowed_tools" mapstructure:"allowed_tools"`
	RateLimit    *float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Admin        bool     `yaml:"admin" mapstructure:"admin"`
	Revoked      bool     `yaml:"revoked" mapstructure:"revoked"`
}

// JWTConfig enables bearer-JWT authentication.
type JWTConfig struct {
	Secret   string `yaml:"secret" mapstructure:"secret"`
	JWKSURL  string `yaml:"jwks_url" mapstructure:"jwks_url" validate:"omitempty,url"`
	Issuer   string `yaml:"issuer" mapstructure:"issuer"`
	Audience string `yaml:"audience" mapstructure:"audience"`

	// ClaimScope names the claim holding the token's scopes (space-separated
	// string or array), default "scope".
	ClaimScope string `yaml:"claim_scope" mapstructure:"claim_scope"`
	// ScopeToolMap maps each scope to the tool names it grants. A mapped
	// list containing "*" makes the resulting identity unrestricted.
	ScopeToolMap map[string][]string `yaml:"scope_tool_map" mapstructure:"scope_tool_map"`

	ClaimRateLimit string `yaml:"claim_rate_limit" mapstructure:"claim_rate_limit"`
}

// OAuthConfig enables opaque-token authentication via introspection or userinfo.
type OAuthConfig struct {
	IntrospectionURL string `yaml:"introspection_url" mapstructure:"introspection_url" validate:"omitempty,url"`
	UserinfoURL      string `yaml:"userinfo_url" mapstructure:"userinfo_url" validate:"omitempty,url"`
	ClientID         string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret     string `yaml:"client_secret" mapstructure:"client_secret"`
	ClaimTool        string `yaml:"claim_tool" mapstructure:"claim_tool"`
	CacheTTL         string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// MTLSConfig enables identity resolution from reverse-proxy-forwarded
// client certificate headers. Only honored for peers in TrustedProxies.
type MTLSConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// IdentitySource selects which forwarded certificate field becomes the
	// identity: "cn" (default), "dns_san", or "email_san".
	IdentitySource string `yaml:"identity_source" mapstructure:"identity_source" validate:"omitempty,oneof=cn dns_san email_san"`
}

// RateLimitConfig configures the default token bucket applied to every
// identity that doesn't carry its own rate limit claim/override.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate" mapstructure:"rate" validate:"omitempty,gt=0"`
	Burst int     `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`
}

// AuditConfig configures the audit pipeline and its sinks.
type AuditConfig struct {
	QueueSize  int    `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`
	BatchSize  int    `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	FlushEvery string `yaml:"flush_every" mapstructure:"flush_every" validate:"omitempty"`

	Sinks []AuditSinkConfig `yaml:"sinks" mapstructure:"sinks" validate:"omitempty,dive"`

	// RedactPatterns are regular expressions whose matches are replaced
	// with RedactReplacement in tool_arguments/reason before delivery.
	RedactPatterns     []string `yaml:"redact_patterns" mapstructure:"redact_patterns"`
	RedactReplacement  string   `yaml:"redact_replacement" mapstructure:"redact_replacement"`
}

// AuditSinkConfig configures one audit delivery target.
type AuditSinkConfig struct {
	// Type is one of "stdout", "file", "http".
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=stdout file http"`

	// File sink fields.
	Dir           string `yaml:"dir" mapstructure:"dir"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	Compress      bool   `yaml:"compress" mapstructure:"compress"`

	// HTTP sink fields.
	URL        string            `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Headers    map[string]string `yaml:"headers" mapstructure:"headers"`
	MaxRetries int               `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=1"`
}

// OAuthFlowConfig enables the gateway's own PKCE authorization-code
// helper at /oauth/authorize and /oauth/callback.
type OAuthFlowConfig struct {
	Enabled      bool     `yaml:"enabled" mapstructure:"enabled"`
	ClientID     string   `yaml:"client_id" mapstructure:"client_id" validate:"required_if=Enabled true"`
	ClientSecret string   `yaml:"client_secret" mapstructure:"client_secret"`
	AuthorizeURL string   `yaml:"authorize_url" mapstructure:"authorize_url" validate:"required_if=Enabled true,omitempty,url"`
	TokenURL     string   `yaml:"token_url" mapstructure:"token_url" validate:"required_if=Enabled true,omitempty,url"`
	RedirectURL  string   `yaml:"redirect_url" mapstructure:"redirect_url" validate:"required_if=Enabled true,omitempty,url"`
	Scopes       []string `yaml:"scopes" mapstructure:"scopes"`
}

// SetDevDefaults applies permissive defaults so the gateway can run with
// a minimal config in development mode. Applied before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if len(c.Upstreams) == 0 {
		c.Upstreams = []UpstreamConfig{{ID: "default", HTTP: "http://localhost:3000/mcp"}}
	}
	if len(c.Routes) == 0 {
		c.Routes = []RouteConfig{{PathPrefix: "/mcp", UpstreamID: "default"}}
	}
	if c.Audit.Output() == "" {
		c.Audit.Sinks = []AuditSinkConfig{{Type: "stdout"}}
	}
}

// Output reports the first configured sink's type ("" if none), for log
// messages.
func (a AuditConfig) Output() string {
	if len(a.Sinks) == 0 {
		return ""
	}
	return a.Sinks[0].Type
}

// SetDefaults applies sensible default values across the configuration.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ResponseSizeLimitBytes == 0 {
		c.Server.ResponseSizeLimitBytes = 16 * 1024
	}

	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}

	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 50
	}
	if c.Audit.FlushEvery == "" {
		c.Audit.FlushEvery = "1s"
	}
	if c.Audit.RedactReplacement == "" {
		c.Audit.RedactReplacement = "[REDACTED]"
	}
	if len(c.Audit.Sinks) == 0 {
		c.Audit.Sinks = []AuditSinkConfig{{Type: "stdout"}}
	}
	for i := range c.Audit.Sinks {
		if c.Audit.Sinks[i].Type == "file" {
			if c.Audit.Sinks[i].RetentionDays == 0 {
				c.Audit.Sinks[i].RetentionDays = 7
			}
			if c.Audit.Sinks[i].MaxFileSizeMB == 0 {
				c.Audit.Sinks[i].MaxFileSizeMB = 100
			}
		}
		if c.Audit.Sinks[i].Type == "http" && c.Audit.Sinks[i].MaxRetries == 0 {
			c.Audit.Sinks[i].MaxRetries = 5
		}
	}

	if c.Version == "" {
		c.Version = "dev"
	}
}
