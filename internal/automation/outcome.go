package automation

import "github.com/google/uuid"

// ActionOutcome records what one rule's action actually did. Transient,
// produced once per rule evaluation and aggregated by the orchestrator.
type ActionOutcome struct {
	RuleID         uuid.UUID `json:"rule_id,omitempty"`
	ActionExecuted bool      `json:"action_executed"`
	DMSent         bool      `json:"dm_sent"`
	ReplySent      bool      `json:"reply_sent"`
	GeneratedByAI  bool      `json:"generated_by_ai"`
	Skipped        bool      `json:"skipped,omitempty"`
	SkipReason     string    `json:"skip_reason,omitempty"`
	Reply          string    `json:"-"` // website-platform resolved text, not serialized
	Error          string    `json:"error,omitempty"`
}

// ExecutionResult is the single outcome returned to the caller (webhook
// handler or scheduler) for one orchestration call.
type ExecutionResult struct {
	OK             bool            `json:"ok"`
	RuleMatched    bool            `json:"rule_matched"`
	ActionExecuted bool            `json:"action_executed"`
	Reply          string          `json:"reply,omitempty"`
	Outcomes       []ActionOutcome `json:"outcomes,omitempty"`
	Error          string          `json:"error,omitempty"`
}
