// Package http is the agent-facing REST transport: it delivers well-formed
// ExecuteRequests to the pipeline and renders Receipts back. Wire format
// concerns stop here; the core never sees HTTP.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/execute"
	"github.com/jeremylongshore/moat/internal/platform/middleware"
	"github.com/jeremylongshore/moat/internal/policy"
	"github.com/jeremylongshore/moat/internal/receipt"
	"github.com/jeremylongshore/moat/internal/trust"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// Handler adapts the pipeline and trust read path to HTTP.
type Handler struct {
	pipeline *execute.Pipeline
	stats    trust.StatsStore
	logger   *slog.Logger
}

func NewHandler(pipeline *execute.Pipeline, stats trust.StatsStore, logger *slog.Logger) *Handler {
	return &Handler{pipeline: pipeline, stats: stats, logger: logger}
}

type executeRequest struct {
	CapabilityVersion string         `json:"capability_version,omitempty"`
	TenantID          string         `json:"tenant_id"`
	Params            map[string]any `json:"params"`
	IdempotencyKey    string         `json:"idempotency_key"`
	ApprovalToken     string         `json:"approval_token,omitempty"`
	IsSynthetic       bool           `json:"is_synthetic,omitempty"`
}

type receiptResponse struct {
	ReceiptID         string   `json:"receipt_id"`
	CapabilityID      string   `json:"capability_id"`
	CapabilityVersion string   `json:"capability_version"`
	TenantID          string   `json:"tenant_id"`
	RequestID         string   `json:"request_id"`
	IdempotencyKey    string   `json:"idempotency_key"`
	InputHash         string   `json:"input_hash"`
	OutputHash        string   `json:"output_hash,omitempty"`
	LatencyMS         float64  `json:"latency_ms"`
	Status            string   `json:"status"`
	ErrorCode         *string  `json:"error_code,omitempty"`
	ErrorDetail       string   `json:"error_detail,omitempty"`
	OutputAnnotation  string   `json:"output_annotation,omitempty"`
	PolicyDecisionID  string   `json:"policy_decision_id"`
	IsSynthetic       bool     `json:"is_synthetic"`
	Timestamp         string   `json:"timestamp"`
	Retryable         *bool    `json:"retryable,omitempty"`
}

func toReceiptResponse(r *receipt.Receipt) receiptResponse {
	resp := receiptResponse{
		ReceiptID:         r.ID.String(),
		CapabilityID:      r.CapabilityID.String(),
		CapabilityVersion: r.CapabilityVersion,
		TenantID:          r.TenantID.String(),
		RequestID:         r.RequestID.String(),
		IdempotencyKey:    r.IdempotencyKey,
		InputHash:         r.InputHash,
		OutputHash:        r.OutputHash,
		LatencyMS:         r.LatencyMS,
		Status:            string(r.Status),
		ErrorDetail:       r.ErrorDetail,
		OutputAnnotation:  r.OutputAnnotation,
		PolicyDecisionID:  r.PolicyDecisionID.String(),
		IsSynthetic:       r.IsSynthetic,
		Timestamp:         r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if r.ErrorCode != nil {
		code := string(*r.ErrorCode)
		resp.ErrorCode = &code
		retryable := r.ErrorCode.Retryable()
		resp.Retryable = &retryable
	}
	return resp
}

type policyDeniedResponse struct {
	Error        string   `json:"error"`
	DecisionID   string   `json:"decision_id"`
	RuleHit      string   `json:"rule_hit"`
	CapabilityID string   `json:"capability_id"`
	TenantID     string   `json:"tenant_id"`
	RequestID    string   `json:"request_id"`
	Warnings     []string `json:"warnings,omitempty"`
}

type faultResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// ExecuteCapability handles POST /v1/execute/{capability_id}.
func (h *Handler) ExecuteCapability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	capabilityID := chi.URLParam(r, "capability_id")

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, faultResponse{
			Error: "bad_request", Message: "request body is not valid JSON",
			RequestID: middleware.GetRequestID(ctx),
		})
		return
	}

	result, err := h.pipeline.Execute(ctx, execute.Request{
		CapabilityID:      domain.CapabilityID(capabilityID),
		CapabilityVersion: body.CapabilityVersion,
		TenantID:          domain.TenantID(body.TenantID),
		Params:            body.Params,
		IdempotencyKey:    body.IdempotencyKey,
		ApprovalToken:     body.ApprovalToken,
		IsSynthetic:       body.IsSynthetic,
		RequestID:         domain.RequestID(middleware.GetRequestID(ctx)),
		AuthTenant:        middleware.GetTenantID(ctx),
	})
	if err != nil {
		h.writeFault(w, r, err)
		return
	}

	switch {
	case result.PolicyDenied != nil:
		writeJSON(w, http.StatusForbidden, toPolicyDenied(result.PolicyDenied))
	case result.Receipt != nil:
		writeJSON(w, http.StatusOK, toReceiptResponse(result.Receipt))
	default:
		writeJSON(w, http.StatusBadGateway, faultResponse{
			Error: string(errcode.GatewayError), Message: "pipeline returned no result",
			RequestID: middleware.GetRequestID(ctx),
		})
	}
}

func toPolicyDenied(d *policy.Decision) policyDeniedResponse {
	warnings := make([]string, 0, len(d.Warnings))
	for _, wcode := range d.Warnings {
		warnings = append(warnings, string(wcode))
	}
	return policyDeniedResponse{
		Error:        "policy_denied",
		DecisionID:   d.ID.String(),
		RuleHit:      string(d.RuleHit),
		CapabilityID: d.CapabilityID.String(),
		TenantID:     d.TenantID.String(),
		RequestID:    d.RequestID.String(),
		Warnings:     warnings,
	}
}

func (h *Handler) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	var fault *execute.Fault
	if !errors.As(err, &fault) {
		h.logger.ErrorContext(r.Context(), "pipeline error", "error", err)
		writeJSON(w, http.StatusInternalServerError, faultResponse{
			Error: string(errcode.GatewayError), Message: "internal error",
			RequestID: middleware.GetRequestID(r.Context()),
		})
		return
	}

	status := http.StatusBadGateway
	switch fault.Code {
	case errcode.Unauthorized:
		status = http.StatusForbidden
	case errcode.CapabilityNotPublished:
		status = http.StatusNotFound
	case errcode.CapabilityHidden:
		status = http.StatusForbidden
	case errcode.ParamsSchemaViolation:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, faultResponse{
		Error:     string(fault.Code),
		Message:   fault.Message,
		RequestID: fault.RequestID.String(),
	})
}

type statsResponse struct {
	CapabilityID         string  `json:"capability_id"`
	CapabilityVersion    string  `json:"capability_version"`
	WeightedSuccessRate  float64 `json:"weighted_success_rate_7d"`
	P50LatencyMS         float64 `json:"p50_latency_ms"`
	P95LatencyMS         float64 `json:"p95_latency_ms"`
	TotalCalls           int     `json:"total_calls_7d"`
	Scored               bool    `json:"scored"`
	LastSyntheticCheckAt string  `json:"last_synthetic_check_at,omitempty"`
	LastSyntheticStatus  string  `json:"last_synthetic_status,omitempty"`
	ComputedAt           string  `json:"computed_at"`
}

// CapabilityStats handles GET /v1/capabilities/{capability_id}/stats.
func (h *Handler) CapabilityStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := trust.CapabilityKey{
		CapabilityID: domain.CapabilityID(chi.URLParam(r, "capability_id")),
		Version:      r.URL.Query().Get("version"),
	}
	st, err := h.stats.Get(ctx, key)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, faultResponse{
			Error: string(errcode.GatewayError), Message: "stats store unavailable",
			RequestID: middleware.GetRequestID(ctx),
		})
		return
	}
	if st == nil {
		writeJSON(w, http.StatusNotFound, faultResponse{
			Error: "not_found", Message: "no stats for capability",
			RequestID: middleware.GetRequestID(ctx),
		})
		return
	}

	resp := statsResponse{
		CapabilityID:        st.Key.CapabilityID.String(),
		CapabilityVersion:   st.Key.Version,
		WeightedSuccessRate: st.WeightedSuccessRate,
		P50LatencyMS:        st.P50LatencyMS,
		P95LatencyMS:        st.P95LatencyMS,
		TotalCalls:          st.TotalCalls,
		Scored:              st.Scored,
		LastSyntheticStatus: st.LastSyntheticStatus,
		ComputedAt:          st.ComputedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if !st.LastSyntheticCheckAt.IsZero() {
		resp.LastSyntheticCheckAt = st.LastSyntheticCheckAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
