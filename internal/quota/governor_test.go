package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/store"
)

type fakeLedger struct {
	snap *store.UsageSnapshot
	err  error
}

func (f *fakeLedger) CheckUsage(ctx context.Context, tenantID uuid.UUID) (*store.UsageSnapshot, error) {
	return f.snap, f.err
}

func (f *fakeLedger) RecordGeneration(ctx context.Context, tenantID uuid.UUID, in, out int64) error {
	return nil
}

func TestGovernor_CheckAndReserve(t *testing.T) {
	tenant := uuid.New()

	tests := []struct {
		name    string
		snap    store.UsageSnapshot
		allowed bool
	}{
		{"well under limit", store.UsageSnapshot{TokensUsed: 100, MonthlyLimit: 1000}, true},
		{"warn band still allowed", store.UsageSnapshot{TokensUsed: 850, MonthlyLimit: 1000}, true},
		{"just under cutoff", store.UsageSnapshot{TokensUsed: 999, MonthlyLimit: 1000}, true},
		{"exactly at limit denied", store.UsageSnapshot{TokensUsed: 1000, MonthlyLimit: 1000}, false},
		{"over limit denied", store.UsageSnapshot{TokensUsed: 1500, MonthlyLimit: 1000}, false},
		{"unlimited sentinel always allowed", store.UsageSnapshot{TokensUsed: 1 << 40, MonthlyLimit: store.UnlimitedTokens}, true},
		{"hard blocked denied regardless", store.UsageSnapshot{TokensUsed: 0, MonthlyLimit: 1000, HardBlocked: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := tt.snap
			snap.TenantID = tenant
			g := NewGovernor(&fakeLedger{snap: &snap})
			d, err := g.CheckAndReserve(context.Background(), tenant)
			if err != nil {
				t.Fatalf("CheckAndReserve() error = %v", err)
			}
			if d.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", d.Allowed, tt.allowed)
			}
			if !d.Allowed && d.Reason == "" {
				t.Error("denial must carry a reason")
			}
		})
	}
}

func TestGovernor_LedgerError(t *testing.T) {
	g := NewGovernor(&fakeLedger{err: errors.New("ledger down")})
	if _, err := g.CheckAndReserve(context.Background(), uuid.New()); err == nil {
		t.Fatal("CheckAndReserve() = nil error, want ledger error surfaced")
	}
}
