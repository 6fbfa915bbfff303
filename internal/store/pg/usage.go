package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/store"
)

// PGUsageLedger implements store.UsageLedger backed by Postgres. The
// per-period sum is computed in SQL so concurrent check-and-reserve calls
// read a consistent, externally-serialized value.
type PGUsageLedger struct {
	db *sql.DB
}

func NewPGUsageLedger(db *sql.DB) *PGUsageLedger {
	return &PGUsageLedger{db: db}
}

func (s *PGUsageLedger) CheckUsage(ctx context.Context, tenantID uuid.UUID) (*store.UsageSnapshot, error) {
	snap := store.UsageSnapshot{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx,
		`SELECT q.monthly_token_limit, q.hard_blocked, date_trunc('month', now()),
		        COALESCE((
		            SELECT SUM(e.input_tokens + e.output_tokens)
		            FROM usage_events e
		            WHERE e.tenant_id = q.tenant_id
		              AND e.created_at >= date_trunc('month', now())
		        ), 0)
		 FROM tenant_quotas q WHERE q.tenant_id = $1`,
		tenantID).Scan(&snap.MonthlyLimit, &snap.HardBlocked, &snap.PeriodStart, &snap.TokensUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check usage: %w", err)
	}
	return &snap, nil
}

func (s *PGUsageLedger) RecordGeneration(ctx context.Context, tenantID uuid.UUID, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, tenant_id, input_tokens, output_tokens, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		uuid.Must(uuid.NewV7()), tenantID, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}
