package schedule

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/engine"
	"github.com/replyloop/replyloop/internal/providers"
	"github.com/replyloop/replyloop/internal/quota"
	"github.com/replyloop/replyloop/internal/senders"
	"github.com/replyloop/replyloop/internal/store"
)

func ptr(t time.Time) *time.Time { return &t }

func TestIsDue_OneShot(t *testing.T) {
	s := &Scheduler{gron: gronx.New()}
	now := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		rule automation.Rule
		want bool
	}{
		{"scheduled in the past, never ran", automation.Rule{ScheduledAt: ptr(now.Add(-time.Hour))}, true},
		{"scheduled in the future", automation.Rule{ScheduledAt: ptr(now.Add(time.Hour))}, false},
		{"already ran after schedule", automation.Rule{
			ScheduledAt:    ptr(now.Add(-time.Hour)),
			LastExecutedAt: ptr(now.Add(-30 * time.Minute)),
		}, false},
		{"ran before the scheduled time", automation.Rule{
			ScheduledAt:    ptr(now.Add(-time.Hour)),
			LastExecutedAt: ptr(now.Add(-2 * time.Hour)),
		}, true},
		{"no schedule at all", automation.Rule{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.isDue(&tt.rule, now); got != tt.want {
				t.Errorf("isDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDue_Recurring(t *testing.T) {
	s := &Scheduler{gron: gronx.New()}
	// 10:30 matches "30 10 * * *".
	now := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		rule automation.Rule
		want bool
	}{
		{"pattern matches, never ran", automation.Rule{CronPattern: "30 10 * * *"}, true},
		{"pattern does not match minute", automation.Rule{CronPattern: "15 10 * * *"}, false},
		{"debounce within same minute", automation.Rule{
			CronPattern:    "30 10 * * *",
			LastExecutedAt: ptr(now.Add(-10 * time.Second)),
		}, false},
		{"ran over a minute ago", automation.Rule{
			CronPattern:    "* * * * *",
			LastExecutedAt: ptr(now.Add(-90 * time.Second)),
		}, true},
		{"invalid pattern never due", automation.Rule{CronPattern: "not a cron"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.isDue(&tt.rule, now); got != tt.want {
				t.Errorf("isDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- integration through the executor ---

type memRuleStore struct {
	rules   []automation.Rule
	touched map[uuid.UUID]time.Time
}

func (m *memRuleStore) ListEnabledRules(ctx context.Context, tenantID, agentID uuid.UUID) ([]automation.Rule, error) {
	return m.rules, nil
}

func (m *memRuleStore) GetRuleByID(ctx context.Context, id uuid.UUID) (*automation.Rule, error) {
	for i := range m.rules {
		if m.rules[i].ID == id {
			r := m.rules[i]
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memRuleStore) TouchLastExecuted(ctx context.Context, ruleID uuid.UUID, when time.Time) error {
	if m.touched == nil {
		m.touched = make(map[uuid.UUID]time.Time)
	}
	m.touched[ruleID] = when
	return nil
}

type nullAgentStore struct{ tenant uuid.UUID }

func (n nullAgentStore) GetAgent(ctx context.Context, agentID uuid.UUID) (*store.AgentConfig, error) {
	return &store.AgentConfig{ID: agentID, TenantID: n.tenant}, nil
}

type nullLedger struct{}

func (nullLedger) CheckUsage(ctx context.Context, tenantID uuid.UUID) (*store.UsageSnapshot, error) {
	return &store.UsageSnapshot{MonthlyLimit: store.UnlimitedTokens}, nil
}
func (nullLedger) RecordGeneration(ctx context.Context, tenantID uuid.UUID, in, out int64) error {
	return nil
}

type memConvStore struct{ messages []string }

func (m *memConvStore) UpsertConversation(ctx context.Context, tenantID, agentID uuid.UUID, platform automation.Platform, threadID string) (*store.ConversationRef, error) {
	return &store.ConversationRef{ID: uuid.New(), TenantID: tenantID}, nil
}
func (m *memConvStore) InsertMessage(ctx context.Context, conv *store.ConversationRef, sender store.MessageSender, content, externalEventID string) error {
	m.messages = append(m.messages, content)
	return nil
}
func (m *memConvStore) HasAutoReply(ctx context.Context, tenantID uuid.UUID, id string) (bool, error) {
	return false, nil
}
func (m *memConvStore) RecordAuditAction(ctx context.Context, tenantID, ruleID uuid.UUID, action automation.ActionType, payload string) error {
	return nil
}

type nullCredStore struct{}

func (nullCredStore) GetCredential(ctx context.Context, tenantID uuid.UUID, platform automation.Platform) (*store.Credential, error) {
	return &store.Credential{TenantID: tenantID, Platform: platform}, nil
}
func (nullCredStore) ResolveBinding(ctx context.Context, platform automation.Platform, id string) (uuid.UUID, uuid.UUID, error) {
	return uuid.Nil, uuid.Nil, store.ErrNotFound
}

type staticGenerator struct{}

func (staticGenerator) Generate(ctx context.Context, req providers.GenerateRequest) (*providers.GenerateResult, error) {
	return &providers.GenerateResult{Text: "generated"}, nil
}
func (staticGenerator) DefaultModel() string { return "static" }
func (staticGenerator) Name() string         { return "static" }

func newTestScheduler(rules *memRuleStore, tenant uuid.UUID) *Scheduler {
	ledger := nullLedger{}
	stores := &store.Stores{
		Rules:         rules,
		Agents:        nullAgentStore{tenant: tenant},
		Usage:         ledger,
		Conversations: &memConvStore{},
		Credentials:   nullCredStore{},
	}
	eng := engine.New(engine.Config{
		Stores:    stores,
		Governor:  quota.NewGovernor(ledger),
		Generator: staticGenerator{},
		Senders:   senders.NewRegistry(),
	})
	return New(rules, eng)
}

func TestRunDueTimeTriggers(t *testing.T) {
	tenant := uuid.New()
	agent := uuid.New()
	past := time.Now().Add(-time.Hour)

	due := automation.Rule{
		ID: uuid.New(), TenantID: tenant, AgentID: agent, Enabled: true,
		Trigger: automation.TriggerTime, Action: automation.ActionSendDM,
		Template: "scheduled hello", ScheduledAt: &past,
	}
	notDue := automation.Rule{
		ID: uuid.New(), TenantID: tenant, AgentID: agent, Enabled: true,
		Trigger: automation.TriggerTime, Action: automation.ActionSendDM,
		Template: "future", ScheduledAt: ptr(time.Now().Add(time.Hour)),
	}
	rules := &memRuleStore{rules: []automation.Rule{due, notDue}}

	s := newTestScheduler(rules, tenant)
	result := s.RunDueTimeTriggers(context.Background(), tenant, agent)

	if !result.OK || !result.RuleMatched {
		t.Fatalf("result = %+v, want one due rule executed", result)
	}
	if len(result.Outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1 (future rule must not fire)", len(result.Outcomes))
	}
	if _, ok := rules.touched[due.ID]; !ok {
		t.Error("lastExecutedAt must advance on successful execution")
	}
	if _, ok := rules.touched[notDue.ID]; ok {
		t.Error("not-due rule must not be touched")
	}
}

func TestRunManualTrigger_TypeMismatch(t *testing.T) {
	tenant := uuid.New()
	agent := uuid.New()
	r := automation.Rule{
		ID: uuid.New(), TenantID: tenant, AgentID: agent, Enabled: true,
		Trigger: automation.TriggerKeyword, Action: automation.ActionSendDM,
	}
	rules := &memRuleStore{rules: []automation.Rule{r}}

	s := newTestScheduler(rules, tenant)
	result := s.RunManualTrigger(context.Background(), tenant, agent, r.ID, "user-1")
	if result.OK {
		t.Fatalf("result = %+v, want type mismatch failure", result)
	}
	if !strings.Contains(result.Error, string(engine.KindRuleTypeMismatch)) {
		t.Errorf("error = %q, want rule_type_mismatch", result.Error)
	}
}

func TestRunManualTrigger_WrongTenant(t *testing.T) {
	tenant := uuid.New()
	other := uuid.New()
	r := automation.Rule{
		ID: uuid.New(), TenantID: other, Enabled: true,
		Trigger: automation.TriggerManual, Action: automation.ActionSendDM,
	}
	rules := &memRuleStore{rules: []automation.Rule{r}}

	s := newTestScheduler(rules, tenant)
	result := s.RunManualTrigger(context.Background(), tenant, uuid.New(), r.ID, "user-1")
	if result.OK {
		t.Fatalf("result = %+v, want cross-tenant rule treated as missing", result)
	}
}

func TestRunManualTrigger_Executes(t *testing.T) {
	tenant := uuid.New()
	agent := uuid.New()
	r := automation.Rule{
		ID: uuid.New(), TenantID: tenant, AgentID: agent, Enabled: true,
		Trigger: automation.TriggerManual, Action: automation.ActionSendDM,
		Template: "manual hello {name}",
	}
	rules := &memRuleStore{rules: []automation.Rule{r}}

	s := newTestScheduler(rules, tenant)
	result := s.RunManualTrigger(context.Background(), tenant, agent, r.ID, "user-1")
	if !result.OK || !result.RuleMatched {
		t.Fatalf("result = %+v, want executed manual rule", result)
	}
	if len(result.Outcomes) != 1 || !result.Outcomes[0].ActionExecuted {
		t.Errorf("outcomes = %+v, want executed action", result.Outcomes)
	}
}
