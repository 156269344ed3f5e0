package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/redact"
)

// HTTPProxy is the generic allowlisted HTTP adapter. The manifest's method
// field ("POST /v2/send") plus the first allowlist domain form the target;
// params become the JSON body (or query string for GET).
type HTTPProxy struct {
	provider    string
	outputLimit int64
	// scheme is overridable for httptest servers.
	scheme string
	// transport overrides the outbound round tripper (tests stub providers
	// without network); the guard's redirect policy still applies.
	transport http.RoundTripper
	// newGuard builds the per-call host guard; tests swap in one with a
	// canned resolver.
	newGuard func(m capability.Manifest) *HostGuard
}

type HTTPProxyOption func(*HTTPProxy)

// WithProxyScheme switches the target scheme (tests use "http").
func WithProxyScheme(scheme string) HTTPProxyOption {
	return func(p *HTTPProxy) { p.scheme = scheme }
}

// WithProxyTransport installs an outbound round tripper override.
func WithProxyTransport(rt http.RoundTripper) HTTPProxyOption {
	return func(p *HTTPProxy) { p.transport = rt }
}

func NewHTTPProxy(provider string, outputLimit int64, opts ...HTTPProxyOption) *HTTPProxy {
	p := &HTTPProxy{
		provider:    provider,
		outputLimit: outputLimit,
		scheme:      "https",
		newGuard:    NewHostGuard,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPProxy) Provider() string { return p.provider }

func (p *HTTPProxy) target(inv Invocation) (method, targetURL string, err *Error) {
	verb, path, found := strings.Cut(inv.Manifest.Method, " ")
	if !found || !strings.HasPrefix(path, "/") {
		return "", "", &Error{Code: errcode.GatewayError, Detail: "manifest method is not \"VERB /path\""}
	}
	if len(inv.Manifest.DomainAllowlist) == 0 {
		return "", "", &Error{Code: errcode.DomainNotAllowlisted, Detail: "manifest has no allowlisted domain"}
	}
	host := inv.Manifest.DomainAllowlist[0]
	return strings.ToUpper(verb), p.scheme + "://" + host + path, nil
}

func (p *HTTPProxy) Execute(ctx context.Context, inv Invocation) Result {
	method, targetURL, targetErr := p.target(inv)
	if targetErr != nil {
		return Result{Err: targetErr}
	}

	guard := p.newGuard(inv.Manifest)
	if guardErr := guard.CheckURL(ctx, targetURL); guardErr != nil {
		return Result{Err: guardErr}
	}

	var body io.Reader
	if method != http.MethodGet {
		raw, err := json.Marshal(inv.Params)
		if err != nil {
			return Result{Err: &Error{Code: errcode.ProviderInvalidInput, Detail: "params not serializable"}}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return Result{Err: &Error{Code: errcode.GatewayError, Detail: "build provider request"}}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodGet && len(inv.Params) > 0 {
		q := req.URL.Query()
		for k, v := range inv.Params {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
	}
	if err := inv.Credential.Use(func(raw string) error {
		if raw != "" {
			req.Header.Set("Authorization", "Bearer "+raw)
		}
		return nil
	}); err != nil {
		return Result{Err: &Error{Code: errcode.GatewayError, Detail: "apply credential"}}
	}

	client := guard.Client(30 * time.Second)
	if p.transport != nil {
		client.Transport = p.transport
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: &Error{Code: MapTransportError(ctx, err), Detail: "provider request failed"}}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.outputLimit+1))
	if err != nil {
		return Result{Err: &Error{Code: errcode.NetworkError, Detail: "read provider response"}}
	}
	if int64(len(raw)) > p.outputLimit {
		return Result{Err: &Error{Code: errcode.ProviderServerError, Detail: "response exceeds output size limit"}}
	}

	if resp.StatusCode >= 400 {
		// Error detail may carry the provider's message, post-redaction.
		detail := fmt.Sprintf("provider returned %d", resp.StatusCode)
		var parsed map[string]any
		if json.Unmarshal(raw, &parsed) == nil {
			if redacted, err := json.Marshal(redact.Body(parsed, nil)); err == nil {
				detail = string(redacted)
			}
		}
		return Result{Err: &Error{
			Code:       MapHTTPStatus(resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Detail:     detail,
		}}
	}

	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		output = map[string]any{"body": string(raw)}
	}
	return Result{Output: output}
}
