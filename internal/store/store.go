// Package store defines the storage boundary of the engine. The engine only
// ever talks to these interfaces; Postgres (managed mode) and SQLite
// (standalone mode) implementations live in subpackages so tests can
// substitute fakes per collaborator.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/automation"
)

// ErrNotFound is returned by lookups that found no row.
var ErrNotFound = errors.New("store: not found")

// RuleStore loads tenant automation rules. The engine loads fresh on every
// orchestration call; stores must not serve cached rows.
type RuleStore interface {
	// ListEnabledRules returns enabled rules for the tenant/agent in
	// priority order (creation order).
	ListEnabledRules(ctx context.Context, tenantID, agentID uuid.UUID) ([]automation.Rule, error)
	GetRuleByID(ctx context.Context, id uuid.UUID) (*automation.Rule, error)
	// TouchLastExecuted records a successful time-trigger execution.
	TouchLastExecuted(ctx context.Context, ruleID uuid.UUID, when time.Time) error
}

// AgentConfig is a configured persona used for AI generation.
type AgentConfig struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Name         string
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// AgentStore loads agent personas.
type AgentStore interface {
	GetAgent(ctx context.Context, agentID uuid.UUID) (*AgentConfig, error)
}

// UsageSnapshot is the tenant's AI-generation quota state at call time. The
// engine treats it as authoritative at the instant of the call and never
// caches it.
type UsageSnapshot struct {
	TenantID     uuid.UUID
	PeriodStart  time.Time
	TokensUsed   int64
	MonthlyLimit int64 // UnlimitedTokens means no cap
	HardBlocked  bool
}

// UnlimitedTokens is the monthly-limit sentinel for uncapped tenants.
const UnlimitedTokens int64 = -1

// PercentUsed returns quota consumption as a percentage. Unlimited tenants
// report zero.
func (u *UsageSnapshot) PercentUsed() float64 {
	if u.MonthlyLimit == UnlimitedTokens || u.MonthlyLimit <= 0 {
		return 0
	}
	return float64(u.TokensUsed) / float64(u.MonthlyLimit) * 100
}

// UsageLedger is the external quota ledger. CheckUsage must be backed by an
// atomic read; the ledger, not the engine, serializes concurrent tenants.
type UsageLedger interface {
	CheckUsage(ctx context.Context, tenantID uuid.UUID) (*UsageSnapshot, error)
	// RecordGeneration appends token usage after a successful AI call.
	RecordGeneration(ctx context.Context, tenantID uuid.UUID, inputTokens, outputTokens int64) error
}

// ConversationRef identifies a persisted conversation thread.
type ConversationRef struct {
	ID       uuid.UUID
	TenantID uuid.UUID
}

// MessageSender identifies who authored a persisted message.
type MessageSender string

const (
	SenderContact MessageSender = "contact"
	SenderAgent   MessageSender = "agent"
)

// ConversationStore persists inbox conversations and messages. The engine
// must persist an outgoing message and see it succeed before any external
// dispatch (failing closed).
type ConversationStore interface {
	// UpsertConversation finds or creates the conversation for a
	// platform-level thread (author on a platform, or a website session).
	UpsertConversation(ctx context.Context, tenantID, agentID uuid.UUID, platform automation.Platform, externalThreadID string) (*ConversationRef, error)
	InsertMessage(ctx context.Context, conv *ConversationRef, sender MessageSender, content string, externalEventID string) error
	// HasAutoReply reports whether the engine already replied to the
	// given external event id (used by auto-skip-if-already-replied).
	HasAutoReply(ctx context.Context, tenantID uuid.UUID, externalEventID string) (bool, error)
	// RecordAuditAction persists an audit row for fire-and-forget actions
	// (email/webhook intents).
	RecordAuditAction(ctx context.Context, tenantID, ruleID uuid.UUID, action automation.ActionType, payload string) error
}

// Credential is a tenant's stored credential for one platform.
type Credential struct {
	TenantID uuid.UUID
	Platform automation.Platform
	// AccessToken is the bot/page token used for outbound sends.
	AccessToken string
	// ExternalAccountID is the platform-side account (page id, bot id)
	// the credential belongs to.
	ExternalAccountID string
}

// CredentialStore resolves tenant credentials and webhook bindings.
type CredentialStore interface {
	GetCredential(ctx context.Context, tenantID uuid.UUID, platform automation.Platform) (*Credential, error)
	// ResolveBinding maps a platform-side account id (page id, bot id)
	// from an inbound webhook to the owning tenant and agent.
	ResolveBinding(ctx context.Context, platform automation.Platform, externalAccountID string) (tenantID, agentID uuid.UUID, err error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Rules         RuleStore
	Agents        AgentStore
	Usage         UsageLedger
	Conversations ConversationStore
	Credentials   CredentialStore
}
