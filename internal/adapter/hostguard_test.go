package adapter

import (
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/errcode"
)

func guardManifest() capability.Manifest {
	return capability.Manifest{
		ID:              "acme.search",
		Version:         "1.0.0",
		Provider:        "acme",
		Scopes:          []string{"acme.search"},
		DomainAllowlist: []string{"api.acme.com"},
		Status:          capability.StatusPublished,
	}
}

func guardWithIPs(ips ...string) *HostGuard {
	g := NewHostGuard(guardManifest())
	g.lookupIP = func(context.Context, string) ([]net.IP, error) {
		out := make([]net.IP, len(ips))
		for i, s := range ips {
			out[i] = net.ParseIP(s)
		}
		return out, nil
	}
	return g
}

func TestHostGuardAllows(t *testing.T) {
	g := guardWithIPs("93.184.216.34")
	assert.Nil(t, g.CheckURL(context.Background(), "https://api.acme.com/v1/search"))
}

func TestHostGuardRejectsUnlistedHost(t *testing.T) {
	g := guardWithIPs("93.184.216.34")
	err := g.CheckURL(context.Background(), "https://evil.example.com/")
	assert.NotNil(t, err)
	assert.Equal(t, errcode.DomainNotAllowlisted, err.Code)
}

func TestHostGuardRejectsPrivateResolution(t *testing.T) {
	// DNS rebinding: allowlisted name resolving into RFC 1918 space.
	cases := []string{"10.0.0.5", "172.16.1.1", "192.168.1.1", "127.0.0.1", "169.254.0.1", "::1", "fe80::1"}
	for _, ip := range cases {
		g := guardWithIPs(ip)
		err := g.CheckURL(context.Background(), "https://api.acme.com/")
		assert.NotNil(t, err, "expected rejection for %s", ip)
		assert.Equal(t, errcode.DomainNotAllowlisted, err.Code, "ip %s", ip)
	}
}

func TestHostGuardRejectsOddPorts(t *testing.T) {
	g := guardWithIPs("93.184.216.34")
	err := g.CheckURL(context.Background(), "https://api.acme.com:8443/")
	assert.NotNil(t, err)
	assert.Equal(t, errcode.DomainNotAllowlisted, err.Code)

	assert.Nil(t, g.CheckURL(context.Background(), "https://api.acme.com:443/"))
	assert.Nil(t, g.CheckURL(context.Background(), "http://api.acme.com:80/"))
}

func TestHostGuardRejectsScheme(t *testing.T) {
	g := guardWithIPs("93.184.216.34")
	err := g.CheckURL(context.Background(), "ftp://api.acme.com/")
	assert.NotNil(t, err)
}

func TestMapHTTPStatus(t *testing.T) {
	assert.Equal(t, errcode.ProviderAuthFailure, MapHTTPStatus(http.StatusUnauthorized))
	assert.Equal(t, errcode.ProviderAuthFailure, MapHTTPStatus(http.StatusForbidden))
	assert.Equal(t, errcode.ProviderNotFound, MapHTTPStatus(http.StatusNotFound))
	assert.Equal(t, errcode.ProviderRateLimited, MapHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, errcode.ProviderInvalidInput, MapHTTPStatus(http.StatusUnprocessableEntity))
	assert.Equal(t, errcode.ProviderServerError, MapHTTPStatus(http.StatusBadGateway))
}

func TestStubAnnotates(t *testing.T) {
	stub := NewStubWithLatency(0, 0)
	res := stub.Execute(context.Background(), Invocation{Manifest: guardManifest(), Params: map[string]any{"q": "x"}})
	assert.Nil(t, res.Err)
	assert.Equal(t, "stub", res.Annotation)
	assert.Equal(t, true, res.Output["ok"])
}
