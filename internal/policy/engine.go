package policy

import (
	"time"

	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// Input carries the per-request facts the engine evaluates.
type Input struct {
	TenantID          domain.TenantID
	CapabilityVersion string
	RequestID         domain.RequestID
	ApprovalToken     string
	Stale             bool
}

// Engine evaluates bundles against manifests. It is pure and deterministic:
// same inputs, same decision. It never returns an error and never panics
// outward; any internal fault becomes a deny with POLICY_ENGINE_ERROR.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Evaluate runs the rule chain in priority order; the first failing rule
// short-circuits. A nil bundle denies with NO_POLICY_BUNDLE (default-deny:
// capabilities start inaccessible until a bundle is provisioned).
func (e *Engine) Evaluate(bundle *Bundle, manifest capability.Manifest, in Input, snapshot BudgetSnapshot) (decision Decision) {
	start := time.Now()

	decision = Decision{
		ID:                domain.NewDecisionID(),
		TenantID:          in.TenantID,
		CapabilityID:      manifest.ID,
		CapabilityVersion: in.CapabilityVersion,
		RequestID:         in.RequestID,
		RequestedScopes:   manifest.Scopes,
		BudgetState:       snapshot,
		Stale:             in.Stale,
		CreatedAt:         start.UTC(),
	}
	if bundle != nil {
		decision.GrantedScopes = bundle.GrantedScopes
	}

	// Fail-closed: a panicking rule must not escape as an exception. The
	// deferred recover rewrites the in-flight decision into an engine-error
	// deny and stamps timing on every exit path.
	defer func() {
		if r := recover(); r != nil {
			decision.Allowed = false
			decision.RuleHit = RuleEngineError
			decision.Warnings = nil
		}
		decision.EvaluationMS = float64(time.Since(start).Microseconds()) / 1000.0
	}()

	deny := func(rule RuleHit) Decision {
		decision.Allowed = false
		decision.RuleHit = rule
		return decision
	}

	if snapshot.Err != nil {
		return deny(RuleEngineError)
	}

	// 1. no_policy_bundle
	if bundle == nil {
		return deny(RuleNoPolicyBundle)
	}

	// 2/3. scope rules: every scope the manifest requires must be granted
	// and none may be explicitly denied.
	for _, scope := range manifest.Scopes {
		if !bundle.scopeGranted(scope) {
			return deny(RuleScopeNotGranted)
		}
	}
	for _, scope := range manifest.Scopes {
		if bundle.scopeDenied(scope) {
			return deny(RuleScopeExplicitlyDenied)
		}
	}

	// 4-7. budget rules. Nil limits are unlimited (rule skipped); soft
	// bundles (hard_limit=false) warn instead of denying.
	budget := func(rule RuleHit) *Decision {
		if bundle.HardLimit {
			d := deny(rule)
			return &d
		}
		decision.Warnings = append(decision.Warnings, rule)
		return nil
	}
	if bundle.DailyCallsLimit != nil && snapshot.DailyCallsUsed >= *bundle.DailyCallsLimit {
		if d := budget(RuleBudgetDailyCalls); d != nil {
			return *d
		}
	}
	if bundle.MonthlyCallsLimit != nil && snapshot.MonthlyCallsUsed >= *bundle.MonthlyCallsLimit {
		if d := budget(RuleBudgetMonthlyCalls); d != nil {
			return *d
		}
	}
	if bundle.DailyCostLimit != nil && snapshot.DailyCostUsed >= *bundle.DailyCostLimit {
		if d := budget(RuleBudgetDailyCost); d != nil {
			return *d
		}
	}
	if bundle.MonthlyCostLimit != nil && snapshot.MonthlyCostUsed >= *bundle.MonthlyCostLimit {
		if d := budget(RuleBudgetMonthlyCost); d != nil {
			return *d
		}
	}

	// 8. domain_allowlist_nonempty
	if len(manifest.DomainAllowlist) == 0 {
		return deny(RuleDomainNotAllowlisted)
	}

	// 9. approval
	if bundle.approvalRequired(manifest.RiskClass) && !bundle.approvalTokenValid(in.ApprovalToken) {
		return deny(RuleApprovalRequired)
	}

	decision.Allowed = true
	decision.RuleHit = RuleAllowed
	return decision
}
