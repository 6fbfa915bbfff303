package automation

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType is the condition class that causes a rule to be considered.
type TriggerType string

const (
	TriggerComment TriggerType = "comment"
	TriggerKeyword TriggerType = "keyword"
	TriggerTime    TriggerType = "time"
	TriggerManual  TriggerType = "manual"
)

// ActionType is the side effect a matched rule performs.
type ActionType string

const (
	ActionSendDM          ActionType = "send_dm"
	ActionSendPublicReply ActionType = "send_public_reply"
	ActionSendEmail       ActionType = "send_email"
	ActionSendWebhook     ActionType = "send_webhook"
)

// Rule is one tenant-owned automation rule. Rows are long-lived, mutated only
// through the rule-management API, and read-only to the engine. The engine
// loads them fresh on every orchestration call; staleness is unacceptable for
// billing-sensitive actions.
type Rule struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	AgentID  uuid.UUID
	Name     string
	Enabled  bool

	Trigger          TriggerType
	TriggerWords     []string   // keyword/comment word list; empty semantics differ per trigger
	TriggerPlatforms []Platform // empty = all platforms

	Action       ActionType
	UseAI        bool
	Template     string
	DelaySeconds int
	// AutoSkipIfAlreadyReplied suppresses the action when the engine has
	// already auto-replied to the same event id.
	AutoSkipIfAlreadyReplied bool

	// Time-trigger scheduling. CronPattern non-empty means recurring
	// (5-field cron); otherwise ScheduledAt is a one-shot fire time.
	CronPattern    string
	ScheduledAt    *time.Time
	LastExecutedAt *time.Time

	// Email/webhook targets for the fire-and-forget action types.
	EmailTo    string
	WebhookURL string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppliesTo reports whether the rule's platform filter admits the platform.
// An empty filter admits everything.
func (r *Rule) AppliesTo(p Platform) bool {
	if len(r.TriggerPlatforms) == 0 {
		return true
	}
	for _, tp := range r.TriggerPlatforms {
		if tp == p {
			return true
		}
	}
	return false
}

// Recurring reports whether the rule is a cron-style recurring time trigger.
func (r *Rule) Recurring() bool { return r.CronPattern != "" }
