// Package schedule runs the rule triggers that do not arrive as social
// events: cron-style and one-shot time triggers, and operator-initiated
// manual triggers. Both execute through the same action executor as the
// event path, with a synthesized event.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/engine"
	"github.com/replyloop/replyloop/internal/store"
)

// debounceWindow suppresses a second firing of a recurring rule within the
// same matching minute. Chosen recurrence semantics: a recurring rule is due
// when its cron pattern matches the current wall-clock minute AND at least
// one minute has passed since it last executed. A scheduler polled slower
// than once per minute can therefore miss a matching minute entirely; it
// never double-fires. (The alternative, "not yet executed since the last
// matching minute", would fire late instead of skipping; skipping is the
// safer behavior for customer-facing sends.)
const debounceWindow = time.Minute

// Scheduler drives time and manual rule triggers.
type Scheduler struct {
	rules  store.RuleStore
	engine *engine.Engine
	gron   *gronx.Gronx
	now    func() time.Time
}

func New(rules store.RuleStore, eng *engine.Engine) *Scheduler {
	return &Scheduler{
		rules:  rules,
		engine: eng,
		gron:   gronx.New(),
		now:    time.Now,
	}
}

// RunDueTimeTriggers executes every due time-trigger rule for the
// tenant/agent. LastExecutedAt advances only on successful execution, so a
// failed one-shot stays due and is retried on the next tick.
func (s *Scheduler) RunDueTimeTriggers(ctx context.Context, tenantID, agentID uuid.UUID) automation.ExecutionResult {
	rules, err := s.rules.ListEnabledRules(ctx, tenantID, agentID)
	if err != nil {
		return automation.ExecutionResult{
			OK:    false,
			Error: engine.Errorf(engine.KindRuleFetchFailed, "list rules: %w", err).Error(),
		}
	}

	now := s.now()
	result := automation.ExecutionResult{OK: true}
	for i := range rules {
		r := &rules[i]
		if r.Trigger != automation.TriggerTime {
			continue
		}
		if !s.isDue(r, now) {
			continue
		}
		result.RuleMatched = true

		event := synthesizeEvent(r, "")
		outcome, err := s.engine.ExecuteRule(ctx, r, event)
		if err != nil {
			slog.Warn("time trigger failed", "rule", r.ID, "tenant", tenantID, "error", err)
			outcome.RuleID = r.ID
			outcome.Error = err.Error()
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.ActionExecuted {
			result.ActionExecuted = true
		}
		if err := s.rules.TouchLastExecuted(ctx, r.ID, now); err != nil {
			slog.Error("touch last executed", "rule", r.ID, "error", err)
		}
	}
	return result
}

// RunManualTrigger executes exactly one manual rule, addressed to the given
// recipient.
func (s *Scheduler) RunManualTrigger(ctx context.Context, tenantID, agentID, ruleID uuid.UUID, recipient string) automation.ExecutionResult {
	r, err := s.rules.GetRuleByID(ctx, ruleID)
	if err != nil {
		return automation.ExecutionResult{
			OK:    false,
			Error: engine.Errorf(engine.KindRuleFetchFailed, "rule %s: %w", ruleID, err).Error(),
		}
	}
	// Rules are tenant-scoped; a rule id from another tenant is treated as
	// missing, not as a type mismatch.
	if r.TenantID != tenantID {
		return automation.ExecutionResult{
			OK:    false,
			Error: engine.Errorf(engine.KindRuleFetchFailed, "rule %s: %w", ruleID, store.ErrNotFound).Error(),
		}
	}
	if r.Trigger != automation.TriggerManual {
		return automation.ExecutionResult{
			OK:    false,
			Error: engine.Errorf(engine.KindRuleTypeMismatch, "rule %s has trigger %q, want manual", ruleID, r.Trigger).Error(),
		}
	}

	event := synthesizeEvent(r, recipient)
	event.AgentID = agentID

	outcome, err := s.engine.ExecuteRule(ctx, r, event)
	if err != nil {
		outcome.RuleID = r.ID
		outcome.Error = err.Error()
		return automation.ExecutionResult{
			OK:          true,
			RuleMatched: true,
			Outcomes:    []automation.ActionOutcome{outcome},
		}
	}
	return automation.ExecutionResult{
		OK:             true,
		RuleMatched:    true,
		ActionExecuted: outcome.ActionExecuted,
		Reply:          outcome.Reply,
		Outcomes:       []automation.ActionOutcome{outcome},
	}
}

// isDue evaluates the trigger schedule against now.
func (s *Scheduler) isDue(r *automation.Rule, now time.Time) bool {
	if r.Recurring() {
		if r.LastExecutedAt != nil && now.Sub(*r.LastExecutedAt) < debounceWindow {
			return false
		}
		due, err := s.gron.IsDue(r.CronPattern, now)
		if err != nil {
			slog.Warn("invalid cron pattern", "rule", r.ID, "pattern", r.CronPattern, "error", err)
			return false
		}
		return due
	}

	if r.ScheduledAt == nil || r.ScheduledAt.After(now) {
		return false
	}
	// One-shot: due until it has executed at or after its scheduled time.
	return r.LastExecutedAt == nil || r.LastExecutedAt.Before(*r.ScheduledAt)
}

// synthesizeEvent builds the event time/manual executions run against.
// There is no real author; the website platform keeps the executor from
// attempting an external send unless the rule addresses a recipient.
func synthesizeEvent(r *automation.Rule, recipient string) *automation.InboundEvent {
	text := r.Name
	if text == "" {
		text = fmt.Sprintf("scheduled trigger %s", r.ID)
	}
	// A manual trigger addressed to a recipient dispatches on the rule's
	// first configured platform; everything else stays on website where no
	// external send occurs.
	platform := automation.PlatformWebsite
	if recipient != "" && len(r.TriggerPlatforms) > 0 {
		platform = r.TriggerPlatforms[0]
	}
	return &automation.InboundEvent{
		TenantID: r.TenantID,
		AgentID:  r.AgentID,
		Text:     text,
		AuthorID: recipient,
		Platform: platform,
		Kind:     automation.KindMessage,
	}
}
