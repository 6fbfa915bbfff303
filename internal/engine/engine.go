// Package engine is the automation rule execution core: given one inbound
// social event it decides which configured rules apply, executes their
// actions with platform side effects, and falls back to an AI-generated
// reply when nothing matched. Rules always run before the AI fallback.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/providers"
	"github.com/replyloop/replyloop/internal/quota"
	"github.com/replyloop/replyloop/internal/senders"
	"github.com/replyloop/replyloop/internal/store"
)

const (
	defaultExternalTimeout = 15 * time.Second
	// maxRuleDelay caps DelaySeconds so a misconfigured rule cannot park
	// an orchestration for hours.
	defaultMaxRuleDelay = 5 * time.Minute
)

// Config wires the engine's collaborators. Every collaborator is an
// interface so tests substitute fakes independently.
type Config struct {
	Stores    *store.Stores
	Governor  *quota.Governor
	Generator providers.Generator
	Senders   *senders.Registry

	// ExternalTimeout bounds each external call (store, ledger, provider,
	// sender). Zero uses the default.
	ExternalTimeout time.Duration
	// MaxRuleDelay caps per-rule DelaySeconds. Zero uses the default.
	MaxRuleDelay time.Duration
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Engine orchestrates rule matching, action execution and the AI fallback
// for one tenant event at a time. Engines are safe for concurrent use; all
// per-call state lives on the stack.
type Engine struct {
	stores    *store.Stores
	governor  *quota.Governor
	generator providers.Generator
	senders   *senders.Registry

	extTimeout time.Duration
	maxDelay   time.Duration
	now        func() time.Time
	tracer     trace.Tracer
}

func New(cfg Config) *Engine {
	e := &Engine{
		stores:     cfg.Stores,
		governor:   cfg.Governor,
		generator:  cfg.Generator,
		senders:    cfg.Senders,
		extTimeout: cfg.ExternalTimeout,
		maxDelay:   cfg.MaxRuleDelay,
		now:        cfg.Clock,
		tracer:     otel.Tracer("replyloop/engine"),
	}
	if e.extTimeout <= 0 {
		e.extTimeout = defaultExternalTimeout
	}
	if e.maxDelay <= 0 {
		e.maxDelay = defaultMaxRuleDelay
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ExecuteForComment processes one inbound comment event.
func (e *Engine) ExecuteForComment(ctx context.Context, event *automation.InboundEvent) automation.ExecutionResult {
	event.Kind = automation.KindComment
	return e.execute(ctx, event)
}

// ExecuteForMessage processes one inbound direct message event.
func (e *Engine) ExecuteForMessage(ctx context.Context, event *automation.InboundEvent) automation.ExecutionResult {
	event.Kind = automation.KindMessage
	return e.execute(ctx, event)
}

// execute is the orchestration state machine: validate, load rules fresh,
// run every matched rule in order with per-rule failure isolation, and only
// when zero rules matched invoke the AI fallback exactly once.
func (e *Engine) execute(ctx context.Context, event *automation.InboundEvent) automation.ExecutionResult {
	ctx, span := e.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("platform", string(event.Platform)),
			attribute.String("event_kind", string(event.Kind)),
		))
	defer span.End()

	if err := event.Validate(); err != nil {
		slog.Warn("rejected invalid event", "platform", event.Platform, "error", err)
		return failure(E(KindInvalidEvent, err))
	}

	// Rules are loaded fresh on every call. Rule changes must take effect
	// between events; stale rules on billing-sensitive actions are worse
	// than the extra read.
	rctx, cancel := e.boundCtx(ctx)
	rules, err := e.stores.Rules.ListEnabledRules(rctx, event.TenantID, event.AgentID)
	cancel()
	if err != nil {
		return failure(Errorf(KindRuleFetchFailed, "list rules: %w", err))
	}

	matched := automation.Match(rules, event)
	if len(matched) == 0 {
		return e.fallback(ctx, event)
	}

	result := automation.ExecutionResult{OK: true, RuleMatched: true}
	for i := range matched {
		outcome := e.runRuleIsolated(ctx, &matched[i], event)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.ActionExecuted {
			result.ActionExecuted = true
		}
		// First website reply wins; non-website platforms never surface
		// a reply because dispatch already happened externally.
		if result.Reply == "" && outcome.Reply != "" && event.Platform == automation.PlatformWebsite {
			result.Reply = outcome.Reply
		}
	}
	return result
}

// runRuleIsolated executes one rule and converts any error or panic into an
// ActionOutcome so a failing rule never prevents evaluation of the next.
func (e *Engine) runRuleIsolated(ctx context.Context, rule *automation.Rule, event *automation.InboundEvent) (outcome automation.ActionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule action panicked", "rule", rule.ID, "tenant", rule.TenantID, "panic", r)
			outcome = automation.ActionOutcome{RuleID: rule.ID, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	ctx, span := e.tracer.Start(ctx, "engine.rule",
		trace.WithAttributes(attribute.String("rule_id", rule.ID.String())))
	defer span.End()

	out, err := e.ExecuteRule(ctx, rule, event)
	if err != nil {
		slog.Warn("rule action failed", "rule", rule.ID, "tenant", rule.TenantID, "error", err)
		out.RuleID = rule.ID
		out.Error = err.Error()
	}
	return out
}

func failure(err *Error) automation.ExecutionResult {
	return automation.ExecutionResult{OK: false, Error: err.Error()}
}

// boundCtx derives a context with the engine's external-call timeout.
func (e *Engine) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.extTimeout)
}
