package auth

import (
	"context"
	"net/http"
	"strings"
)

// Header names the trusted reverse proxy is expected to set after
// terminating and verifying a client TLS certificate.
const (
	HeaderClientCertVerified = "X-Client-Cert-Verified"
	HeaderClientCertCN       = "X-Client-Cert-CN"
	HeaderClientCertSANDNS   = "X-Client-Cert-SAN-DNS"
	HeaderClientCertSANEmail = "X-Client-Cert-SAN-Email"
)

// Identity sources an MTLSProvider can build the identity ID from.
const (
	IdentitySourceCN       = "cn"
	IdentitySourceDNSSAN   = "dns_san"
	IdentitySourceEmailSAN = "email_san"
)

// MTLSProvider authenticates identities carried in client-certificate
// headers forwarded by a trusted TLS-terminating reverse proxy. It never
// inspects a certificate directly; trust in the headers themselves is
// established by TrustedProxyRanges at the HTTP layer before this provider
// is invoked.
type MTLSProvider struct {
	identitySource string
}

// NewMTLSProvider builds an MTLSProvider. identitySource selects which
// forwarded certificate field becomes the identity ID: IdentitySourceCN
// (default when empty), IdentitySourceDNSSAN (first DNS SAN), or
// IdentitySourceEmailSAN (first email SAN).
func NewMTLSProvider(identitySource string) *MTLSProvider {
	if identitySource == "" {
		identitySource = IdentitySourceCN
	}
	return &MTLSProvider{identitySource: identitySource}
}

func (p *MTLSProvider) Name() string { return "mtls" }

// Authenticate ignores credential and always fails with
// ErrMissingCredentials; AuthenticateHeaders is the real entry point.
// Authenticate exists only to satisfy the Provider interface, since mTLS
// identity never arrives as a bearer credential.
func (p *MTLSProvider) Authenticate(_ context.Context, _ []byte) (*Identity, error) {
	return nil, newErr(ErrMissingCredentials, "mtls identity must come from forwarded headers", nil)
}

// AuthenticateHeaders resolves a forwarded client-certificate header set,
// already confirmed to originate from a trusted proxy, into an Identity.
// The identity ID is built from whichever of {CN, first DNS SAN, first
// email SAN} p.identitySource selects; a missing chosen source is an
// internal configuration error, not a credentials problem, since the
// proxy is trusted and the operator chose a source the certificate
// doesn't carry.
func (p *MTLSProvider) AuthenticateHeaders(r *http.Request) (*Identity, error) {
	if r.Header.Get(HeaderClientCertVerified) != "SUCCESS" {
		return nil, newErr(ErrMissingCredentials, "client certificate not verified by proxy", nil)
	}

	sanDNS := splitHeaderList(r.Header.Get(HeaderClientCertSANDNS))
	sanEmail := splitHeaderList(r.Header.Get(HeaderClientCertSANEmail))
	cn := r.Header.Get(HeaderClientCertCN)

	var identityID string
	switch p.identitySource {
	case IdentitySourceDNSSAN:
		if len(sanDNS) == 0 {
			return nil, newErr(ErrInternal, "mtls identity_source is dns_san but certificate carries no DNS SAN", nil)
		}
		identityID = sanDNS[0]
	case IdentitySourceEmailSAN:
		if len(sanEmail) == 0 {
			return nil, newErr(ErrInternal, "mtls identity_source is email_san but certificate carries no email SAN", nil)
		}
		identityID = sanEmail[0]
	default:
		if cn == "" {
			return nil, newErr(ErrInternal, "mtls identity_source is cn but verified certificate has no common name", nil)
		}
		identityID = cn
	}

	id := &Identity{
		ID:   identityID,
		Name: identityID,
		Claims: map[string]any{
			"auth_method": "mtls",
		},
	}
	if cn != "" {
		id.Claims["cn"] = cn
	}
	if len(sanDNS) > 0 {
		id.Claims["san_dns"] = sanDNS
	}
	if len(sanEmail) > 0 {
		id.Claims["san_email"] = sanEmail
	}
	return id, nil
}

func splitHeaderList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
