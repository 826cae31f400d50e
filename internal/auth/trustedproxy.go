package auth

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxyRanges holds the set of IP addresses and CIDR blocks whose
// forwarded client-certificate headers are honored. A reverse proxy that
// is not in this set cannot forge mTLS identity by setting headers itself.
type TrustedProxyRanges struct {
	nets []*net.IPNet
	ips  []net.IP
}

// NewTrustedProxyRanges parses a list of single addresses ("10.0.0.5") and
// CIDR blocks ("10.0.0.0/8", "::1/128") into a TrustedProxyRanges.
func NewTrustedProxyRanges(entries []string) (*TrustedProxyRanges, error) {
	t := &TrustedProxyRanges{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, err
			}
			t.nets = append(t.nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, &net.ParseError{Type: "IP address", Text: entry}
		}
		t.ips = append(t.ips, ip)
	}
	return t, nil
}

// Contains reports whether addr (an IPv4 or IPv6 address, with or without
// a port) falls within a configured trusted range.
func (t *TrustedProxyRanges) Contains(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, known := range t.ips {
		if known.Equal(ip) {
			return true
		}
	}
	for _, ipNet := range t.nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// RemoteHostTrusted reports whether r's immediate peer address is in the
// trusted set. It deliberately ignores X-Forwarded-For, which is itself
// one of the headers a malicious client could spoof.
func (t *TrustedProxyRanges) RemoteHostTrusted(r *http.Request) bool {
	if t == nil {
		return false
	}
	return t.Contains(r.RemoteAddr)
}
