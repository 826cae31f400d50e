package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultOAuthResponseSizeLimit caps the response body read from an
// introspection or userinfo endpoint when no explicit limit is configured,
// guarding against a malicious or misconfigured upstream streaming an
// unbounded body.
const defaultOAuthResponseSizeLimit = 16 * 1024

// errOAuthOversized is returned by doCapped when a response body exceeds
// the configured size ceiling.
var errOAuthOversized = errors.New("oversized")

// errUserinfoUnauthorized is returned by userinfo when the endpoint replies
// 401, which spec maps to a token-expired failure rather than a generic
// OAuth error.
var errUserinfoUnauthorized = errors.New("userinfo: unauthorized")

// OAuthConfig configures an OAuthProvider. At least one of IntrospectionURL
// or UserinfoURL must be set; if both are set, introspection is tried first
// and userinfo is the fallback on failure.
type OAuthConfig struct {
	IntrospectionURL string
	UserinfoURL      string
	ClientID         string
	ClientSecret     string
	ClaimTool        string
	CacheTTL         time.Duration
	// ResponseSizeLimitBytes caps an introspection/userinfo reply. Defaults
	// to 16KiB when zero.
	ResponseSizeLimitBytes int
}

// OAuthProvider validates opaque OAuth 2.1 access tokens by calling an
// RFC 7662 introspection endpoint or an OIDC userinfo endpoint, caching
// successful results for a bounded TTL to avoid hammering the identity
// provider on every request.
type OAuthProvider struct {
	cfg         OAuthConfig
	client      *http.Client
	cache       *tokenCache
	responseCap int
}

// NewOAuthProvider builds an OAuthProvider from cfg.
func NewOAuthProvider(cfg OAuthConfig) (*OAuthProvider, error) {
	if cfg.IntrospectionURL == "" && cfg.UserinfoURL == "" {
		return nil, fmt.Errorf("oauth provider: either introspection_url or userinfo_url must be set")
	}
	if cfg.ClaimTool == "" {
		cfg.ClaimTool = "allowed_tools"
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	responseCap := cfg.ResponseSizeLimitBytes
	if responseCap <= 0 {
		responseCap = defaultOAuthResponseSizeLimit
	}
	return &OAuthProvider{
		cfg:         cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
		cache:       newTokenCache(ttl),
		responseCap: responseCap,
	}, nil
}

func (p *OAuthProvider) Name() string { return "oauth" }

// hashToken derives the token-cache key, per spec.md's "URL-safe-base64
// SHA-256 of the raw token" — the cache never retains the raw credential.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Authenticate validates an opaque bearer token via introspection or userinfo.
func (p *OAuthProvider) Authenticate(ctx context.Context, credential []byte) (*Identity, error) {
	token := strings.TrimSpace(string(credential))
	if token == "" {
		return nil, newErr(ErrMissingCredentials, "empty bearer token", nil)
	}
	cacheKey := hashToken(token)

	if cached, ok := p.cache.get(cacheKey); ok {
		return cached, nil
	}

	claims, err := p.validate(ctx, token)
	if err != nil {
		if errors.Is(err, errUserinfoUnauthorized) {
			return nil, newErr(ErrTokenExpired, "", err)
		}
		if errors.Is(err, errOAuthOversized) {
			return nil, newErr(ErrOAuth, "oversized", err)
		}
		return nil, newErr(ErrOAuth, "token validation failed", err)
	}

	if exp, ok := claims["exp"].(float64); ok && time.Unix(int64(exp), 0).Before(time.Now()) {
		return nil, newErr(ErrTokenExpired, "", nil)
	}

	identity, err := oauthClaimsToIdentity(claims, p.cfg.ClaimTool)
	if err != nil {
		return nil, err
	}

	p.cache.set(cacheKey, identity)
	return identity, nil
}

// validate tries introspection first when configured, falling through to
// userinfo on failure (or using it directly when introspection isn't
// configured), per spec.md §4.4 step 2.
func (p *OAuthProvider) validate(ctx context.Context, token string) (map[string]any, error) {
	if p.cfg.IntrospectionURL != "" {
		claims, err := p.introspect(ctx, token)
		if err == nil {
			return claims, nil
		}
		if p.cfg.UserinfoURL == "" {
			return nil, err
		}
		return p.userinfo(ctx, token)
	}
	return p.userinfo(ctx, token)
}

// introspect calls an RFC 7662 token introspection endpoint.
func (p *OAuthProvider) introspect(ctx context.Context, token string) (map[string]any, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.cfg.ClientID != "" {
		req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	}

	body, _, err := p.doCapped(req)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse introspection response: %w", err)
	}
	active, _ := raw["active"].(bool)
	if !active {
		return nil, fmt.Errorf("token is not active")
	}
	return raw, nil
}

// userinfo calls an OIDC userinfo endpoint with the token as a bearer credential.
func (p *OAuthProvider) userinfo(ctx context.Context, token string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	body, status, err := p.doCapped(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, errUserinfoUnauthorized
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", status, string(body))
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("parse userinfo response: %w", err)
	}
	return claims, nil
}

// doCapped performs req and reads its body up to the configured response
// cap. Exceeding the cap fails with errOAuthOversized instead of silently
// truncating the body.
func (p *OAuthProvider) doCapped(req *http.Request) ([]byte, int, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(p.responseCap)+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(body) > p.responseCap {
		return nil, resp.StatusCode, errOAuthOversized
	}
	return body, resp.StatusCode, nil
}

func oauthClaimsToIdentity(claims map[string]any, toolClaim string) (*Identity, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		if username, ok := claims["username"].(string); ok {
			sub = username
		}
	}
	if sub == "" {
		return nil, newErr(ErrOAuth, "token has no subject or username", nil)
	}

	id := &Identity{ID: sub, Claims: claims}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	if rawTools, ok := claims[toolClaim].([]any); ok {
		set := make(map[string]struct{}, len(rawTools))
		for _, t := range rawTools {
			if s, ok := t.(string); ok {
				set[s] = struct{}{}
			}
		}
		id.AllowedTools = set
	}
	return id, nil
}
