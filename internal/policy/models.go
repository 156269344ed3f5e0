// Package policy implements the priority-ordered, first-failure
// short-circuiting evaluator and its audit artifact, the PolicyDecision.
package policy

import (
	"time"

	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// RuleHit names the first failing rule of an evaluation, or POLICY_ALLOWED.
// The set is closed; transports pass these codes through verbatim.
type RuleHit string

const (
	RuleNoPolicyBundle        RuleHit = "NO_POLICY_BUNDLE"
	RuleScopeNotGranted       RuleHit = "SCOPE_NOT_GRANTED"
	RuleScopeExplicitlyDenied RuleHit = "SCOPE_EXPLICITLY_DENIED"
	RuleBudgetDailyCalls      RuleHit = "BUDGET_DAILY_CALLS_EXCEEDED"
	RuleBudgetMonthlyCalls    RuleHit = "BUDGET_MONTHLY_CALLS_EXCEEDED"
	RuleBudgetDailyCost       RuleHit = "BUDGET_DAILY_COST_EXCEEDED"
	RuleBudgetMonthlyCost     RuleHit = "BUDGET_MONTHLY_COST_EXCEEDED"
	RuleDomainNotAllowlisted  RuleHit = "DOMAIN_NOT_ALLOWLISTED"
	RuleApprovalRequired      RuleHit = "APPROVAL_REQUIRED"
	RuleEngineError           RuleHit = "POLICY_ENGINE_ERROR"
	RuleAllowed               RuleHit = "POLICY_ALLOWED"
)

// Bundle is the effective (tenant, capability) policy. Nil limits mean
// unlimited; the corresponding rule is skipped.
type Bundle struct {
	TenantID          domain.TenantID
	CapabilityID      domain.CapabilityID
	CapabilityVersion string

	GrantedScopes []string
	DeniedScopes  []string

	DailyCallsLimit   *int64
	MonthlyCallsLimit *int64
	DailyCostLimit    *float64
	MonthlyCostLimit  *float64

	// HardLimit false downgrades budget rules from deny to warn.
	HardLimit bool

	// DomainAllowlist mirrors the manifest's; not tenant-overridable.
	DomainAllowlist []string

	ApprovalRequiredRiskClasses []capability.RiskClass

	// ApprovalTokens holds currently valid approval tokens issued by the
	// control plane for this bundle.
	ApprovalTokens []string
}

func (b *Bundle) scopeGranted(scope string) bool {
	for _, s := range b.GrantedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (b *Bundle) scopeDenied(scope string) bool {
	for _, s := range b.DeniedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (b *Bundle) approvalRequired(rc capability.RiskClass) bool {
	for _, c := range b.ApprovalRequiredRiskClasses {
		if c == rc {
			return true
		}
	}
	return false
}

func (b *Bundle) approvalTokenValid(token string) bool {
	if token == "" {
		return false
	}
	for _, t := range b.ApprovalTokens {
		if t == token {
			return true
		}
	}
	return false
}

// BudgetSnapshot is the counter state read immediately before evaluation.
// Values are the counts at evaluation time, not after increment. Err marks
// the counter store unreachable; the engine fails closed on it.
type BudgetSnapshot struct {
	DailyCallsUsed   int64
	MonthlyCallsUsed int64
	DailyCostUsed    float64
	MonthlyCostUsed  float64
	Err              error
}

// Decision is the immutable audit record of one evaluation. Written before
// any other side effect.
type Decision struct {
	ID                domain.DecisionID
	TenantID          domain.TenantID
	CapabilityID      domain.CapabilityID
	CapabilityVersion string
	RequestID         domain.RequestID

	Allowed bool
	RuleHit RuleHit

	RequestedScopes []string
	GrantedScopes   []string
	BudgetState     BudgetSnapshot

	// Warnings carries soft-limit annotations (hard_limit=false bundles).
	Warnings []RuleHit

	// Stale marks that the manifest was served past its cache TTL because
	// the registry was unreachable.
	Stale bool

	EvaluationMS float64
	CreatedAt    time.Time
}
