// Package receipt defines the immutable record of one observable execution
// and its stores. Receipts are write-once; the pipeline is their only
// producer.
package receipt

import (
	"time"

	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// Status is the terminal state of one observable execution.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusFailure       Status = "failure"
	StatusIdempotentHit Status = "idempotent_hit"
)

// Receipt is written exactly once per execute attempt that passes the
// idempotency gate. Hashes, never raw bodies.
type Receipt struct {
	ID                domain.ReceiptID
	CapabilityID      domain.CapabilityID
	CapabilityVersion string
	TenantID          domain.TenantID
	RequestID         domain.RequestID
	IdempotencyKey    string

	InputHash  string
	OutputHash string // empty on failure

	LatencyMS float64
	Status    Status
	ErrorCode *errcode.Code
	// ErrorDetail carries the redacted provider message, when any.
	ErrorDetail string

	// OutputAnnotation marks non-standard outputs, e.g. "stub" for the
	// development fallback adapter.
	OutputAnnotation string

	PolicyDecisionID domain.DecisionID
	IsSynthetic      bool
	Timestamp        time.Time
}

// WithStatus returns a copy with a different status. Used to present an
// idempotent hit without mutating the stored receipt.
func (r Receipt) WithStatus(status Status, latencyMS float64) Receipt {
	r.Status = status
	r.LatencyMS = latencyMS
	return r
}
