package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OAuthFlowConfig configures the PKCE authorization-code helper endpoints.
type OAuthFlowConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// pendingAuth is the PKCE state held between /oauth/authorize and
// /oauth/callback for one in-flight login.
type pendingAuth struct {
	codeVerifier string
	expires      time.Time
}

// OAuthFlow serves the gateway's own PKCE authorization-code helper,
// letting an operator complete a browser-based login against the
// upstream's OAuth provider without a separate tool. S256 only, per
// OAuth 2.1; the plain method is not offered.
type OAuthFlow struct {
	cfg    OAuthFlowConfig
	client *http.Client

	mu      sync.Mutex
	pending map[string]pendingAuth
}

// NewOAuthFlow builds an OAuthFlow from cfg.
func NewOAuthFlow(cfg OAuthFlowConfig) *OAuthFlow {
	return &OAuthFlow{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		pending: make(map[string]pendingAuth),
	}
}

func generatePKCEVerifier() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func pkceChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func generateState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

const pendingAuthTTL = 10 * time.Minute

// AuthorizeHandler serves GET /oauth/authorize: generates PKCE params and
// state, stores the verifier against the state, and redirects the
// browser to the upstream provider's authorization endpoint.
func (f *OAuthFlow) AuthorizeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifier, err := generatePKCEVerifier()
		if err != nil {
			http.Error(w, "failed to start oauth flow", http.StatusInternalServerError)
			return
		}
		state, err := generateState()
		if err != nil {
			http.Error(w, "failed to start oauth flow", http.StatusInternalServerError)
			return
		}

		f.mu.Lock()
		f.evictExpiredLocked()
		f.pending[state] = pendingAuth{codeVerifier: verifier, expires: time.Now().Add(pendingAuthTTL)}
		f.mu.Unlock()

		params := url.Values{}
		params.Set("response_type", "code")
		params.Set("client_id", f.cfg.ClientID)
		params.Set("redirect_uri", f.cfg.RedirectURL)
		params.Set("state", state)
		params.Set("code_challenge", pkceChallengeS256(verifier))
		params.Set("code_challenge_method", "S256")
		if len(f.cfg.Scopes) > 0 {
			params.Set("scope", strings.Join(f.cfg.Scopes, " "))
		}

		http.Redirect(w, r, f.cfg.AuthorizeURL+"?"+params.Encode(), http.StatusFound)
	})
}

// CallbackHandler serves GET /oauth/callback: exchanges the returned code
// and the matching PKCE verifier for a token at the provider's token
// endpoint, and returns the raw token response as JSON.
func (f *OAuthFlow) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if errParam := r.URL.Query().Get("error"); errParam != "" {
			http.Error(w, "oauth error: "+errParam, http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")
		if code == "" || state == "" {
			http.Error(w, "missing code or state", http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		pa, ok := f.pending[state]
		if ok {
			delete(f.pending, state)
		}
		f.mu.Unlock()
		if !ok || time.Now().After(pa.expires) {
			http.Error(w, "unknown or expired state", http.StatusBadRequest)
			return
		}

		token, err := f.exchangeCode(r.Context(), code, pa.codeVerifier)
		if err != nil {
			http.Error(w, "token exchange failed: "+err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(token)
	})
}

func (f *OAuthFlow) exchangeCode(ctx context.Context, code, verifier string) ([]byte, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.cfg.RedirectURL)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if f.cfg.ClientSecret != "" {
		req.SetBasicAuth(f.cfg.ClientID, f.cfg.ClientSecret)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	var probe json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("token endpoint returned non-JSON body")
	}
	return body, nil
}

// evictExpiredLocked removes expired pending authorizations. Called with
// f.mu held.
func (f *OAuthFlow) evictExpiredLocked() {
	now := time.Now()
	for state, pa := range f.pending {
		if now.After(pa.expires) {
			delete(f.pending, state)
		}
	}
}
