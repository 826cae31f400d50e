package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// JWTConfig configures a JWTProvider. Exactly one of Secret or JWKSURL
// should be set: Secret selects local HMAC verification, JWKSURL selects
// remote RSA/ECDSA verification against a refreshing key set.
type JWTConfig struct {
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string

	// ClaimScope names the claim holding the token's scopes, as a
	// space-separated string or a string array. Default "scope".
	ClaimScope string
	// ScopeToolMap maps each scope to the tool names it grants. A mapped
	// list containing "*" makes the resulting identity unrestricted.
	ScopeToolMap map[string][]string

	ClaimRateLimit string // claim holding a per-identity rate limit override
}

// JWTProvider authenticates bearer JWTs signed with a local secret (HS256)
// or verified against a remote JWKS endpoint (RS256/ES256), refreshed in
// the background by lestrrat-go's httprc-backed jwk.Cache.
type JWTProvider struct {
	cfg JWTConfig

	jwksMu  sync.Mutex
	jwksSet bool
	jwksErr error
	cache   *jwk.Cache
}

// NewJWTProvider builds a JWTProvider. ctx is used only to construct the
// background JWKS refresh client when cfg.JWKSURL is set.
func NewJWTProvider(ctx context.Context, cfg JWTConfig) (*JWTProvider, error) {
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwt provider: either secret or jwks_url must be set")
	}
	if cfg.ClaimScope == "" {
		cfg.ClaimScope = "scope"
	}

	p := &JWTProvider{cfg: cfg}
	if cfg.JWKSURL != "" {
		client := httprc.NewClient()
		cache, err := jwk.NewCache(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("jwt provider: create jwks cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

func (p *JWTProvider) Name() string { return "jwt" }

func (p *JWTProvider) ensureJWKSRegistered(ctx context.Context) error {
	p.jwksMu.Lock()
	defer p.jwksMu.Unlock()
	if p.jwksSet {
		return p.jwksErr
	}
	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p.jwksErr = p.cache.Register(regCtx, p.cfg.JWKSURL)
	p.jwksSet = true
	return p.jwksErr
}

func (p *JWTProvider) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if p.cfg.Secret != "" {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(p.cfg.Secret), nil
		}

		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		}
		if err := p.ensureJWKSRegistered(ctx); err != nil {
			return nil, fmt.Errorf("jwks registration: %w", err)
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}
		keySet, err := p.cache.Lookup(ctx, p.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("lookup jwks: %w", err)
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key id %s not found in jwks", kid)
		}
		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("export jwk: %w", err)
		}
		return rawKey, nil
	}
}

// Authenticate parses and verifies a bearer JWT and resolves it to an Identity.
func (p *JWTProvider) Authenticate(ctx context.Context, credential []byte) (*Identity, error) {
	tokenString := strings.TrimSpace(string(credential))
	if tokenString == "" {
		return nil, newErr(ErrMissingCredentials, "empty bearer token", nil)
	}

	token, err := jwt.Parse(tokenString, p.keyFunc(ctx))
	if err != nil {
		if strings.Contains(err.Error(), "token is expired") {
			return nil, newErr(ErrTokenExpired, "", err)
		}
		return nil, newErr(ErrInvalidJWT, "parse failed", err)
	}
	if !token.Valid {
		return nil, newErr(ErrInvalidJWT, "signature invalid", nil)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, newErr(ErrInvalidJWT, "unexpected claims type", nil)
	}
	if err := p.validateClaims(claims); err != nil {
		return nil, err
	}

	return claimsToIdentity(claims, p.cfg.ClaimScope, p.cfg.ScopeToolMap, p.cfg.ClaimRateLimit)
}

func (p *JWTProvider) validateClaims(claims jwt.MapClaims) error {
	if p.cfg.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || strings.TrimSpace(iss) != strings.TrimSpace(p.cfg.Issuer) {
			return newErr(ErrInvalidJWT, "invalid issuer", nil)
		}
	}
	if p.cfg.Audience != "" {
		auds, err := claims.GetAudience()
		if err != nil {
			return newErr(ErrInvalidJWT, "invalid audience", nil)
		}
		found := false
		for _, aud := range auds {
			if aud == p.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return newErr(ErrInvalidJWT, "audience mismatch", nil)
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return newErr(ErrTokenExpired, "", nil)
	}
	return nil
}

// claimsToIdentity maps arbitrary JWT/introspection claims onto an Identity.
// subject (sub) becomes the identity ID; the scopes named by claimScope are
// each mapped through scopeToolMap, and the union of every mapped tool list
// becomes AllowedTools ("*" in any mapped list makes the identity
// unrestricted); rateClaim (if present and numeric) becomes the
// per-identity rate limit override.
func claimsToIdentity(claims jwt.MapClaims, claimScope string, scopeToolMap map[string][]string, rateClaim string) (*Identity, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, newErr(ErrInvalidJWT, "missing subject claim", nil)
	}

	id := &Identity{
		ID:     sub,
		Claims: map[string]any(claims),
	}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}

	scopes := parseScopes(claims[claimScope])
	if len(scopes) > 0 && len(scopeToolMap) > 0 {
		set := make(map[string]struct{})
		unrestricted := false
		for _, scope := range scopes {
			for _, tool := range scopeToolMap[scope] {
				if tool == "*" {
					unrestricted = true
					break
				}
				set[tool] = struct{}{}
			}
		}
		if unrestricted {
			id.AllowedTools = nil
		} else {
			id.AllowedTools = set
		}
	}

	if rateClaim != "" {
		if rate, ok := claims[rateClaim].(float64); ok {
			id.RateLimit = &rate
		}
	}

	return id, nil
}

// parseScopes normalizes a scopes claim, which per the OAuth spec for
// scopes may appear as either a space-separated string or a JSON array.
func parseScopes(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		scopes := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	default:
		return nil
	}
}
