// Package outcome carries the telemetry projection of a Receipt to the
// trust scorer, best-effort and non-blocking.
package outcome

import (
	"time"

	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// Event is the scoring projection of one Receipt. Idempotent hits emit no
// event; the original execution already did.
type Event struct {
	ID                domain.EventID      `json:"id"`
	ReceiptID         domain.ReceiptID    `json:"receipt_id"`
	CapabilityID      domain.CapabilityID `json:"capability_id"`
	CapabilityVersion string              `json:"capability_version"`
	Success           bool                `json:"success"`
	LatencyMS         float64             `json:"latency_ms"`
	ErrorTaxonomy     errcode.Code        `json:"error_taxonomy,omitempty"`
	IsSynthetic       bool                `json:"is_synthetic"`
	Timestamp         time.Time           `json:"timestamp"`
}
