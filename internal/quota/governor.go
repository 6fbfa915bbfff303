// Package quota enforces the per-tenant monthly AI-generation budget.
package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/store"
)

// Decision is the governor's answer for one prospective AI call.
type Decision struct {
	Allowed     bool
	Reason      string
	PercentUsed float64
}

// Governor gates every AI generation call on the tenant's usage ledger. It
// must be consulted before each call and its answer is never cached: quota
// state can change between events due to concurrent usage.
type Governor struct {
	ledger store.UsageLedger

	// warnThreshold is the percent-used band start at which an
	// observability warning fires (call still allowed).
	warnThreshold float64
}

func NewGovernor(ledger store.UsageLedger) *Governor {
	return &Governor{ledger: ledger, warnThreshold: 80}
}

// CheckAndReserve returns whether one AI generation is allowed for the
// tenant right now. Denials carry a reason for the caller's error surface.
func (g *Governor) CheckAndReserve(ctx context.Context, tenantID uuid.UUID) (Decision, error) {
	snap, err := g.ledger.CheckUsage(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("check usage: %w", err)
	}

	if snap.HardBlocked {
		return Decision{Allowed: false, Reason: "tenant is blocked from AI generation"}, nil
	}
	if snap.MonthlyLimit == store.UnlimitedTokens {
		return Decision{Allowed: true}, nil
	}

	pct := snap.PercentUsed()
	if pct >= 100 {
		slog.Info("ai quota exhausted", "tenant", tenantID, "percent_used", pct)
		return Decision{
			Allowed:     false,
			Reason:      "monthly AI generation quota exhausted",
			PercentUsed: pct,
		}, nil
	}
	if pct >= g.warnThreshold {
		slog.Warn("ai quota nearly exhausted", "tenant", tenantID, "percent_used", pct)
	}
	return Decision{Allowed: true, PercentUsed: pct}, nil
}

// Record appends token usage after a successful generation.
func (g *Governor) Record(ctx context.Context, tenantID uuid.UUID, inputTokens, outputTokens int64) {
	if err := g.ledger.RecordGeneration(ctx, tenantID, inputTokens, outputTokens); err != nil {
		// Usage recording is best-effort; the authoritative check already
		// happened. Losing one sample must not fail the reply.
		slog.Error("record generation usage", "tenant", tenantID, "error", err)
	}
}
