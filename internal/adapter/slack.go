package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeremylongshore/moat/internal/errcode"
)

const slackPostMessageURL = "https://api.slack.com/api/chat.postMessage"

// Slack posts messages via chat.postMessage. The manifest's allowlist must
// contain api.slack.com for the host guard to pass.
type Slack struct {
	outputLimit int64
	// baseURL is overridable for tests.
	baseURL string
}

type SlackOption func(*Slack)

// WithSlackBaseURL redirects calls to a test server.
func WithSlackBaseURL(u string) SlackOption {
	return func(s *Slack) { s.baseURL = u }
}

func NewSlack(outputLimit int64, opts ...SlackOption) *Slack {
	s := &Slack{outputLimit: outputLimit, baseURL: slackPostMessageURL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Slack) Provider() string { return "slack" }

func (s *Slack) Execute(ctx context.Context, inv Invocation) Result {
	guard := NewHostGuard(inv.Manifest)
	if guardErr := guard.CheckURL(ctx, s.baseURL); guardErr != nil {
		return Result{Err: guardErr}
	}

	body, err := json.Marshal(inv.Params)
	if err != nil {
		return Result{Err: &Error{Code: errcode.ProviderInvalidInput, Detail: "params not serializable"}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: &Error{Code: errcode.GatewayError, Detail: "build provider request"}}
	}
	req.Header.Set("Content-Type", "application/json")
	if err := inv.Credential.Use(func(raw string) error {
		if raw != "" {
			req.Header.Set("Authorization", "Bearer "+raw)
		}
		return nil
	}); err != nil {
		return Result{Err: &Error{Code: errcode.GatewayError, Detail: "apply credential"}}
	}

	resp, err := guard.Client(30 * time.Second).Do(req)
	if err != nil {
		return Result{Err: &Error{Code: MapTransportError(ctx, err), Detail: "slack request failed"}}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.outputLimit+1))
	if err != nil {
		return Result{Err: &Error{Code: errcode.NetworkError, Detail: "read slack response"}}
	}
	if int64(len(raw)) > s.outputLimit {
		return Result{Err: &Error{Code: errcode.ProviderServerError, Detail: "response exceeds output size limit"}}
	}

	if resp.StatusCode != http.StatusOK {
		return Result{Err: &Error{
			Code:       MapHTTPStatus(resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Detail:     fmt.Sprintf("slack returned %d", resp.StatusCode),
		}}
	}

	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		return Result{Err: &Error{Code: errcode.ProviderServerError, HTTPStatus: resp.StatusCode, Detail: "slack response not JSON"}}
	}
	// Slack reports API-level failures inside a 200 body.
	if ok, _ := output["ok"].(bool); !ok {
		detail, _ := output["error"].(string)
		return Result{Err: &Error{Code: errcode.ProviderInvalidInput, HTTPStatus: resp.StatusCode, Detail: detail}}
	}
	return Result{Output: output}
}
