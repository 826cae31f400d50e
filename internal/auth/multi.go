package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
)

// SafeErrorMessage returns a client-safe message for an authentication
// failure. Internal detail (which provider failed, why) is logged but
// never returned to the client, to avoid leaking credential-probing
// information.
func SafeErrorMessage(err error) string {
	var ae *Error
	if !errors.As(err, &ae) {
		return "internal error"
	}
	return ae.Kind.String()
}

// MultiProvider tries a configured chain of providers in order and returns
// the first successful Identity. Each failed attempt is logged at debug
// level; only the last provider's error is returned to the caller.
type MultiProvider struct {
	providers []Provider
	mtls      *MTLSProvider
	trusted   *TrustedProxyRanges
	devMode   bool
	logger    *slog.Logger
}

// MultiProviderConfig assembles a MultiProvider.
type MultiProviderConfig struct {
	Providers []Provider
	// MTLS, if set, is tried against forwarded client-cert headers when the
	// request's peer address is within Trusted.
	MTLS    *MTLSProvider
	Trusted *TrustedProxyRanges
	// DevMode bypasses authentication entirely and returns an anonymous,
	// unrestricted identity. Refused when SENTINELGATE_ALLOW_DEVMODE is
	// "false"; see LogDevModeWarning.
	DevMode bool
	Logger  *slog.Logger
}

// NewMultiProvider builds a MultiProvider from cfg. If cfg.DevMode is set,
// it logs (and, if blocked by environment, refuses to honor) a prominent
// warning, per LogDevModeWarning.
func NewMultiProvider(cfg MultiProviderConfig) (*MultiProvider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DevMode {
		if err := LogDevModeWarning(logger, true); err != nil {
			return nil, err
		}
	}
	return &MultiProvider{
		providers: cfg.Providers,
		mtls:      cfg.MTLS,
		trusted:   cfg.Trusted,
		devMode:   cfg.DevMode,
		logger:    logger,
	}, nil
}

// LogDevModeWarning logs prominent security warnings when dev mode is
// enabled. If SENTINELGATE_ALLOW_DEVMODE is set to "false", dev mode is
// refused outright and an error is returned. Returns nil if the warning
// was logged successfully or devMode is false.
func LogDevModeWarning(logger *slog.Logger, devMode bool) error {
	if !devMode {
		return nil
	}
	if os.Getenv("SENTINELGATE_ALLOW_DEVMODE") == "false" {
		logger.Error("SECURITY: dev mode is blocked by SENTINELGATE_ALLOW_DEVMODE=false")
		return errors.New("dev mode blocked by SENTINELGATE_ALLOW_DEVMODE=false")
	}
	logger.Warn("=== SECURITY WARNING: dev mode is ENABLED ===")
	logger.Warn("dev mode bypasses ALL authentication - DO NOT use in production!")
	logger.Warn("to block dev mode entirely: SENTINELGATE_ALLOW_DEVMODE=false")
	return nil
}

// devIdentity is returned by Authenticate when dev mode is enabled.
var devIdentity = &Identity{ID: "dev", Name: "dev-mode", Claims: map[string]any{"auth_method": "dev"}}

// Authenticate tries each configured provider in order against credential,
// returning the first successful Identity. If every provider rejects the
// credential, the last provider's error is returned.
func (m *MultiProvider) Authenticate(ctx context.Context, credential []byte) (*Identity, error) {
	if m.devMode {
		return devIdentity, nil
	}
	if len(credential) == 0 && len(m.providers) > 0 {
		return nil, newErr(ErrMissingCredentials, "no credential supplied", nil)
	}

	var lastErr error
	for _, p := range m.providers {
		identity, err := p.Authenticate(ctx, credential)
		if err == nil {
			if identity.Claims == nil {
				identity.Claims = map[string]any{}
			}
			identity.Claims["auth_method"] = p.Name()
			return identity, nil
		}
		m.logger.Debug("auth provider rejected credential", "provider", p.Name(), "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = newErr(ErrMissingCredentials, "no auth providers configured", nil)
	}
	return nil, lastErr
}

func (m *MultiProvider) Name() string { return "multi" }

// AuthenticateRequest is the HTTP entry point: it prefers forwarded mTLS
// headers when the peer is a trusted proxy, then falls back to the bearer
// credential chain.
func (m *MultiProvider) AuthenticateRequest(ctx context.Context, r *http.Request, bearerCredential []byte) (*Identity, error) {
	if m.devMode {
		return devIdentity, nil
	}
	if m.mtls != nil && m.trusted != nil && m.trusted.RemoteHostTrusted(r) {
		if identity, err := m.mtls.AuthenticateHeaders(r); err == nil {
			identity.Claims["auth_method"] = m.mtls.Name()
			return identity, nil
		}
	}
	return m.Authenticate(ctx, bearerCredential)
}
