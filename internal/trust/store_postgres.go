package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/outcome"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// PostgresEventStore appends outcome events to the outcome_events table
// (declared PARTITION BY RANGE (timestamp), monthly). Idempotent on event
// id so a replayed Kafka consumer never double-counts.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Record(ctx context.Context, ev outcome.Event) error {
	var taxonomy *string
	if ev.ErrorTaxonomy != "" {
		t := string(ev.ErrorTaxonomy)
		taxonomy = &t
	}
	query := `
		INSERT INTO outcome_events (
			id, receipt_id, capability_id, capability_version,
			success, latency_ms, error_taxonomy, is_synthetic, timestamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id, timestamp) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(ev.ID),
		uuid.UUID(ev.ReceiptID),
		ev.CapabilityID.String(),
		ev.CapabilityVersion,
		ev.Success,
		ev.LatencyMS,
		taxonomy,
		ev.IsSynthetic,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert outcome event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) EventsSince(ctx context.Context, key CapabilityKey, since time.Time) ([]outcome.Event, error) {
	query := `
		SELECT id, receipt_id, capability_id, capability_version,
		       success, latency_ms, error_taxonomy, is_synthetic, timestamp
		FROM outcome_events
		WHERE capability_id = $1 AND capability_version = $2 AND timestamp >= $3
		ORDER BY timestamp
	`
	rows, err := s.db.QueryContext(ctx, query, key.CapabilityID.String(), key.Version, since)
	if err != nil {
		return nil, fmt.Errorf("query outcome events: %w", err)
	}
	defer rows.Close()

	var events []outcome.Event
	for rows.Next() {
		var (
			ev       outcome.Event
			id       uuid.UUID
			rid      uuid.UUID
			capID    string
			taxonomy sql.NullString
		)
		if err := rows.Scan(&id, &rid, &capID, &ev.CapabilityVersion,
			&ev.Success, &ev.LatencyMS, &taxonomy, &ev.IsSynthetic, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan outcome event: %w", err)
		}
		ev.ID = domain.EventID(id)
		ev.ReceiptID = domain.ReceiptID(rid)
		ev.CapabilityID = domain.CapabilityID(capID)
		if taxonomy.Valid {
			ev.ErrorTaxonomy = errcode.Code(taxonomy.String)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome events: %w", err)
	}
	return events, nil
}

func (s *PostgresEventStore) Capabilities(ctx context.Context, since time.Time) ([]CapabilityKey, error) {
	query := `
		SELECT DISTINCT capability_id, capability_version
		FROM outcome_events
		WHERE timestamp >= $1
		ORDER BY capability_id, capability_version
	`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query capability keys: %w", err)
	}
	defer rows.Close()

	var keys []CapabilityKey
	for rows.Next() {
		var capID, version string
		if err := rows.Scan(&capID, &version); err != nil {
			return nil, fmt.Errorf("scan capability key: %w", err)
		}
		keys = append(keys, CapabilityKey{CapabilityID: domain.CapabilityID(capID), Version: version})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capability keys: %w", err)
	}
	return keys, nil
}

// PostgresStatsStore persists scorer snapshots in capability_stats.
type PostgresStatsStore struct {
	db *sql.DB
}

func NewPostgresStatsStore(db *sql.DB) *PostgresStatsStore {
	return &PostgresStatsStore{db: db}
}

func (s *PostgresStatsStore) Upsert(ctx context.Context, st Stats) error {
	query := `
		INSERT INTO capability_stats (
			capability_id, capability_version, weighted_success_rate_7d,
			p50_latency_ms, p95_latency_ms, total_calls_7d, scored,
			last_synthetic_check_at, last_synthetic_status, computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (capability_id, capability_version) DO UPDATE SET
			weighted_success_rate_7d = EXCLUDED.weighted_success_rate_7d,
			p50_latency_ms = EXCLUDED.p50_latency_ms,
			p95_latency_ms = EXCLUDED.p95_latency_ms,
			total_calls_7d = EXCLUDED.total_calls_7d,
			scored = EXCLUDED.scored,
			last_synthetic_check_at = EXCLUDED.last_synthetic_check_at,
			last_synthetic_status = EXCLUDED.last_synthetic_status,
			computed_at = EXCLUDED.computed_at
	`
	var syntheticAt *time.Time
	if !st.LastSyntheticCheckAt.IsZero() {
		syntheticAt = &st.LastSyntheticCheckAt
	}
	_, err := s.db.ExecContext(ctx, query,
		st.Key.CapabilityID.String(),
		st.Key.Version,
		st.WeightedSuccessRate,
		st.P50LatencyMS,
		st.P95LatencyMS,
		st.TotalCalls,
		st.Scored,
		syntheticAt,
		st.LastSyntheticStatus,
		st.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert capability stats: %w", err)
	}
	return nil
}

func (s *PostgresStatsStore) Get(ctx context.Context, key CapabilityKey) (*Stats, error) {
	query := `
		SELECT capability_id, capability_version, weighted_success_rate_7d,
		       p50_latency_ms, p95_latency_ms, total_calls_7d, scored,
		       last_synthetic_check_at, last_synthetic_status, computed_at
		FROM capability_stats
		WHERE capability_id = $1 AND capability_version = $2
	`
	st, err := scanStats(s.db.QueryRowContext(ctx, query, key.CapabilityID.String(), key.Version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStatsStore) All(ctx context.Context) ([]Stats, error) {
	query := `
		SELECT capability_id, capability_version, weighted_success_rate_7d,
		       p50_latency_ms, p95_latency_ms, total_calls_7d, scored,
		       last_synthetic_check_at, last_synthetic_status, computed_at
		FROM capability_stats
		ORDER BY capability_id, capability_version
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query capability stats: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capability stats: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStats(row rowScanner) (*Stats, error) {
	var (
		st          Stats
		capID       string
		syntheticAt sql.NullTime
	)
	err := row.Scan(&capID, &st.Key.Version, &st.WeightedSuccessRate,
		&st.P50LatencyMS, &st.P95LatencyMS, &st.TotalCalls, &st.Scored,
		&syntheticAt, &st.LastSyntheticStatus, &st.ComputedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan capability stats: %w", err)
	}
	st.Key.CapabilityID = domain.CapabilityID(capID)
	if syntheticAt.Valid {
		st.LastSyntheticCheckAt = syntheticAt.Time
	}
	return &st, nil
}
