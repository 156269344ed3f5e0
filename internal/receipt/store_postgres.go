package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// PostgresStore writes receipts to the receipts table. The table is
// declared PARTITION BY RANGE (timestamp) with monthly partitions; the
// store only ever inserts, so partition management stays an ops concern.
// Inserts are idempotent on id (write-once rows).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, r Receipt) error {
	var errCode *string
	if r.ErrorCode != nil {
		c := string(*r.ErrorCode)
		errCode = &c
	}
	var outputHash *string
	if r.OutputHash != "" {
		outputHash = &r.OutputHash
	}

	query := `
		INSERT INTO receipts (
			id, capability_id, capability_version, tenant_id, request_id,
			idempotency_key, input_hash, output_hash, latency_ms, status,
			error_code, error_detail, output_annotation, policy_decision_id,
			is_synthetic, timestamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id, timestamp) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(r.ID),
		r.CapabilityID.String(),
		r.CapabilityVersion,
		r.TenantID.String(),
		r.RequestID.String(),
		r.IdempotencyKey,
		r.InputHash,
		outputHash,
		r.LatencyMS,
		string(r.Status),
		errCode,
		r.ErrorDetail,
		r.OutputAnnotation,
		uuid.UUID(r.PolicyDecisionID),
		r.IsSynthetic,
		r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id domain.ReceiptID) (*Receipt, error) {
	query := `
		SELECT id, capability_id, capability_version, tenant_id, request_id,
		       idempotency_key, input_hash, output_hash, latency_ms, status,
		       error_code, error_detail, output_annotation, policy_decision_id,
		       is_synthetic, timestamp
		FROM receipts
		WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, uuid.UUID(id))

	var (
		r          Receipt
		rid        uuid.UUID
		capID      string
		tenant     string
		reqID      string
		outputHash sql.NullString
		status     string
		errCode    sql.NullString
		decisionID uuid.UUID
	)
	err := row.Scan(
		&rid, &capID, &r.CapabilityVersion, &tenant, &reqID,
		&r.IdempotencyKey, &r.InputHash, &outputHash, &r.LatencyMS, &status,
		&errCode, &r.ErrorDetail, &r.OutputAnnotation, &decisionID,
		&r.IsSynthetic, &r.Timestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan receipt: %w", err)
	}

	r.ID = domain.ReceiptID(rid)
	r.CapabilityID = domain.CapabilityID(capID)
	r.TenantID = domain.TenantID(tenant)
	r.RequestID = domain.RequestID(reqID)
	r.Status = Status(status)
	r.PolicyDecisionID = domain.DecisionID(decisionID)
	if outputHash.Valid {
		r.OutputHash = outputHash.String
	}
	if errCode.Valid {
		c := errcode.Code(errCode.String)
		r.ErrorCode = &c
	}
	return &r, nil
}
