// Package execute hosts the pipeline orchestrator: the synchronous sequence
// that turns a capability invocation into a Receipt under default-deny
// semantics.
package execute

import (
	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/policy"
	"github.com/jeremylongshore/moat/internal/receipt"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// Request is the inbound capability invocation, already authenticated by
// the transport.
type Request struct {
	CapabilityID      domain.CapabilityID
	CapabilityVersion string // "" resolves latest published
	TenantID          domain.TenantID
	Params            map[string]any
	IdempotencyKey    string
	ApprovalToken     string
	IsSynthetic       bool
	RequestID         domain.RequestID

	// AuthTenant is the tenant authenticated by the transport layer; step 3
	// rejects any mismatch with TenantID.
	AuthTenant domain.TenantID
}

// Result is the pipeline outcome: exactly one field is set.
type Result struct {
	// Receipt covers success, execution failure, and idempotent hits.
	Receipt *receipt.Receipt
	// PolicyDenied carries the decision for pre-execution denials.
	PolicyDenied *policy.Decision
}

// Fault is a failure that produces no Receipt. Faults raised before policy
// evaluation leave no PolicyDecision; faults at the idempotency gate follow
// an already persisted allow decision.
type Fault struct {
	Code      errcode.Code
	Message   string
	RequestID domain.RequestID
}

func (f *Fault) Error() string { return string(f.Code) + ": " + f.Message }
