// Package idempotency provides the (tenant, key) → Receipt mapping with
// single-flight coalescing. For a given key within its TTL window at most
// one completed Receipt is ever produced; concurrent duplicates either get
// the stored receipt immediately or wait on the barrier for it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeremylongshore/moat/pkg/domain"
	derrors "github.com/jeremylongshore/moat/pkg/domain-errors"
)

// ErrBarrierTimeout is returned when a joined waiter outlives the holder's
// deadline without observing a commit or abandon.
var ErrBarrierTimeout = derrors.New(derrors.CodeUnavailable, "idempotency barrier timed out")

// Ticket is the result of Begin. Exactly one of the three shapes:
//   - Started: the caller installed the in-flight marker and must finish
//     with Commit or Abandon.
//   - ReceiptID set: a completed receipt already exists for the key.
//   - Waiter set: another request holds the marker; Wait blocks until it
//     commits or abandons.
type Ticket struct {
	Started   bool
	ReceiptID domain.ReceiptID
	Waiter    Waiter
}

// Waiter blocks until the in-flight holder finishes. The returned receipt
// id is nil when the holder abandoned (or committed with ttl 0 after a
// failure and the entry is already gone).
type Waiter interface {
	Wait(ctx context.Context) (domain.ReceiptID, error)
}

// Store is the idempotency store port. Implementations must make Begin and
// Commit atomic with respect to each other.
type Store interface {
	Begin(ctx context.Context, tenant domain.TenantID, key string, deadline time.Time) (Ticket, error)
	// Commit replaces the in-flight marker with the finished receipt and
	// wakes all waiters. ttl == 0 deletes the entry instead (failure
	// receipts are not cached; retries re-execute).
	Commit(ctx context.Context, tenant domain.TenantID, key string, receiptID domain.ReceiptID, ttl time.Duration) error
	// Abandon clears an in-flight marker without a receipt. Used when the
	// pipeline crashes before building one.
	Abandon(ctx context.Context, tenant domain.TenantID, key string) error
}

// MaxKeyBytes bounds caller-supplied keys.
const MaxKeyBytes = 256

// ValidateKey enforces the key contract: required, ≤256 bytes.
func ValidateKey(key string) error {
	if key == "" {
		return derrors.New(derrors.CodeBadRequest, "idempotency_key is required")
	}
	if len(key) > MaxKeyBytes {
		return derrors.Newf(derrors.CodeBadRequest, "idempotency_key exceeds %d bytes", MaxKeyBytes)
	}
	return nil
}

// DeriveKey returns a deterministic key for callers that want
// content-addressed retries: the SHA-256 of the (capability, tenant,
// params) triple. Same inputs, same key; params key order is irrelevant.
func DeriveKey(cap domain.CapabilityID, tenant domain.TenantID, params map[string]any) (string, error) {
	canonical, err := json.Marshal(struct {
		CapabilityID string         `json:"capability_id"`
		TenantID     string         `json:"tenant_id"`
		Params       map[string]any `json:"params"`
	}{cap.String(), tenant.String(), params})
	if err != nil {
		return "", fmt.Errorf("derive idempotency key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
