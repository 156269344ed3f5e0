package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jeremylongshore/moat/pkg/domain"
)

// PostgresDecisionStore persists PolicyDecisions in the policy_decisions
// table. Inserts are idempotent on the decision id (write-once rows; a
// replayed append is a no-op, never an update).
type PostgresDecisionStore struct {
	db *sql.DB
}

func NewPostgresDecisionStore(db *sql.DB) *PostgresDecisionStore {
	return &PostgresDecisionStore{db: db}
}

func (s *PostgresDecisionStore) Append(ctx context.Context, d Decision) error {
	budgetState, err := json.Marshal(map[string]any{
		"daily_calls_used":   d.BudgetState.DailyCallsUsed,
		"monthly_calls_used": d.BudgetState.MonthlyCallsUsed,
		"daily_cost_used":    d.BudgetState.DailyCostUsed,
		"monthly_cost_used":  d.BudgetState.MonthlyCostUsed,
	})
	if err != nil {
		return fmt.Errorf("marshal budget state: %w", err)
	}
	requested, err := json.Marshal(d.RequestedScopes)
	if err != nil {
		return fmt.Errorf("marshal requested scopes: %w", err)
	}
	granted, err := json.Marshal(d.GrantedScopes)
	if err != nil {
		return fmt.Errorf("marshal granted scopes: %w", err)
	}
	warnings, err := json.Marshal(d.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	query := `
		INSERT INTO policy_decisions (
			id, tenant_id, capability_id, capability_version, request_id,
			allowed, rule_hit, requested_scopes, granted_scopes,
			budget_state, warnings, stale, evaluation_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.UUID(d.ID),
		d.TenantID.String(),
		d.CapabilityID.String(),
		d.CapabilityVersion,
		d.RequestID.String(),
		d.Allowed,
		string(d.RuleHit),
		requested,
		granted,
		budgetState,
		warnings,
		d.Stale,
		d.EvaluationMS,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert policy decision: %w", err)
	}
	return nil
}

func (s *PostgresDecisionStore) Get(ctx context.Context, id domain.DecisionID) (*Decision, error) {
	query := `
		SELECT id, tenant_id, capability_id, capability_version, request_id,
		       allowed, rule_hit, requested_scopes, granted_scopes,
		       warnings, stale, evaluation_ms, created_at
		FROM policy_decisions
		WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, uuid.UUID(id))

	var (
		d         Decision
		decID     uuid.UUID
		tenant    string
		capID     string
		reqID     string
		ruleHit   string
		requested []byte
		granted   []byte
		warnings  []byte
	)
	err := row.Scan(
		&decID, &tenant, &capID, &d.CapabilityVersion, &reqID,
		&d.Allowed, &ruleHit, &requested, &granted,
		&warnings, &d.Stale, &d.EvaluationMS, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy decision: %w", err)
	}

	d.ID = domain.DecisionID(decID)
	d.TenantID = domain.TenantID(tenant)
	d.CapabilityID = domain.CapabilityID(capID)
	d.RequestID = domain.RequestID(reqID)
	d.RuleHit = RuleHit(ruleHit)
	if err := json.Unmarshal(requested, &d.RequestedScopes); err != nil {
		return nil, fmt.Errorf("decode requested scopes: %w", err)
	}
	if err := json.Unmarshal(granted, &d.GrantedScopes); err != nil {
		return nil, fmt.Errorf("decode granted scopes: %w", err)
	}
	if err := json.Unmarshal(warnings, &d.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	return &d, nil
}
