package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMTLSProvider_Authenticate_AlwaysFails(t *testing.T) {
	p := NewMTLSProvider("")
	_, err := p.Authenticate(context.Background(), []byte("anything"))
	if !IsKind(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestMTLSProvider_AuthenticateHeaders_Success(t *testing.T) {
	p := NewMTLSProvider("")
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set(HeaderClientCertVerified, "SUCCESS")
	r.Header.Set(HeaderClientCertCN, "client.example")
	r.Header.Set(HeaderClientCertSANDNS, "a.example, b.example")

	id, err := p.AuthenticateHeaders(r)
	if err != nil {
		t.Fatalf("AuthenticateHeaders() error = %v", err)
	}
	if id.ID != "client.example" {
		t.Errorf("ID = %q, want client.example", id.ID)
	}
	sanDNS, _ := id.Claims["san_dns"].([]string)
	if len(sanDNS) != 2 || sanDNS[0] != "a.example" || sanDNS[1] != "b.example" {
		t.Errorf("san_dns = %v, want [a.example b.example]", sanDNS)
	}
}

func TestMTLSProvider_AuthenticateHeaders_NotVerified(t *testing.T) {
	p := NewMTLSProvider("")
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	_, err := p.AuthenticateHeaders(r)
	if !IsKind(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestMTLSProvider_AuthenticateHeaders_MissingCNIsInternalError(t *testing.T) {
	p := NewMTLSProvider("")
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set(HeaderClientCertVerified, "SUCCESS")
	_, err := p.AuthenticateHeaders(r)
	if !IsKind(err, ErrInternal) {
		t.Errorf("expected ErrInternal, got %v", err)
	}
}

func TestMTLSProvider_AuthenticateHeaders_DNSSANSource(t *testing.T) {
	p := NewMTLSProvider(IdentitySourceDNSSAN)
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set(HeaderClientCertVerified, "SUCCESS")
	r.Header.Set(HeaderClientCertCN, "client.example")
	r.Header.Set(HeaderClientCertSANDNS, "a.example, b.example")

	id, err := p.AuthenticateHeaders(r)
	if err != nil {
		t.Fatalf("AuthenticateHeaders() error = %v", err)
	}
	if id.ID != "a.example" {
		t.Errorf("ID = %q, want a.example", id.ID)
	}
}

func TestMTLSProvider_AuthenticateHeaders_DNSSANSourceMissing(t *testing.T) {
	p := NewMTLSProvider(IdentitySourceDNSSAN)
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set(HeaderClientCertVerified, "SUCCESS")
	r.Header.Set(HeaderClientCertCN, "client.example")

	_, err := p.AuthenticateHeaders(r)
	if !IsKind(err, ErrInternal) {
		t.Errorf("expected ErrInternal when configured DNS-SAN source is absent, got %v", err)
	}
}

func TestMTLSProvider_AuthenticateHeaders_EmailSANSource(t *testing.T) {
	p := NewMTLSProvider(IdentitySourceEmailSAN)
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set(HeaderClientCertVerified, "SUCCESS")
	r.Header.Set(HeaderClientCertSANEmail, "user@example.com")

	id, err := p.AuthenticateHeaders(r)
	if err != nil {
		t.Fatalf("AuthenticateHeaders() error = %v", err)
	}
	if id.ID != "user@example.com" {
		t.Errorf("ID = %q, want user@example.com", id.ID)
	}
}

func TestMTLSProvider_Name(t *testing.T) {
	if NewMTLSProvider("").Name() != "mtls" {
		t.Error("Name() should be mtls")
	}
}
