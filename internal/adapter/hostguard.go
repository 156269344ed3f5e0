package adapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/errcode"
)

// HostGuard enforces the shared outbound rules: the host must be in the
// manifest's domain allowlist, only ports 80/443 are reachable, resolved
// addresses must be public, and redirects may only land back inside the
// allowlist.
type HostGuard struct {
	manifest capability.Manifest
	// lookupIP is swappable for tests; defaults to the resolver.
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

func NewHostGuard(manifest capability.Manifest) *HostGuard {
	return &HostGuard{
		manifest: manifest,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// CheckURL validates the target before any connection is dialed. Returns an
// adapter Error with DOMAIN_NOT_ALLOWLISTED (PROVIDER_INVALID_INPUT for a
// malformed URL or one without a host, NETWORK_ERROR for resolver faults)
// so violations surface pre-call.
func (g *HostGuard) CheckURL(ctx context.Context, rawURL string) *Error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Error{Code: errcode.ProviderInvalidInput, Detail: "malformed target URL"}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return &Error{Code: errcode.DomainNotAllowlisted, Detail: fmt.Sprintf("scheme %q not permitted", u.Scheme)}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &Error{Code: errcode.ProviderInvalidInput, Detail: "target URL has no host"}
	}
	if !g.manifest.AllowsDomain(host) {
		return &Error{Code: errcode.DomainNotAllowlisted, Detail: fmt.Sprintf("host %q not in domain allowlist", host)}
	}

	port := u.Port()
	if port != "" && port != "80" && port != "443" {
		return &Error{Code: errcode.DomainNotAllowlisted, Detail: fmt.Sprintf("port %s not permitted", port)}
	}

	// Post-DNS guard: every resolved address must be public. IP literals in
	// URLs never pass (the allowlist cannot contain them).
	ips, err := g.lookupIP(ctx, host)
	if err != nil {
		return &Error{Code: errcode.NetworkError, Detail: "resolve target host"}
	}
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return &Error{Code: errcode.DomainNotAllowlisted, Detail: fmt.Sprintf("host %q resolves to a private address", host)}
		}
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// Client builds an outbound HTTP client whose redirect policy re-validates
// every hop against the guard.
func (g *HostGuard) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			if guardErr := g.CheckURL(req.Context(), req.URL.String()); guardErr != nil {
				return fmt.Errorf("redirect target rejected: %s", guardErr.Detail)
			}
			return nil
		},
	}
}

// MapHTTPStatus converts a provider response status to the taxonomy.
func MapHTTPStatus(status int) errcode.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errcode.ProviderAuthFailure
	case status == http.StatusNotFound:
		return errcode.ProviderNotFound
	case status == http.StatusTooManyRequests:
		return errcode.ProviderRateLimited
	case status >= 400 && status < 500:
		return errcode.ProviderInvalidInput
	case status >= 500:
		return errcode.ProviderServerError
	}
	return errcode.GatewayError
}

// MapTransportError converts a transport-level failure to the taxonomy.
func MapTransportError(ctx context.Context, err error) errcode.Code {
	if ctx.Err() != nil {
		return errcode.Timeout
	}
	return errcode.NetworkError
}
