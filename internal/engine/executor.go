package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/providers"
	"github.com/replyloop/replyloop/internal/store"
)

// ExecuteRule performs one matched rule's configured action against the
// event. It returns an outcome describing what was actually sent; errors are
// returned for the caller to record, never thrown across rule boundaries.
//
// The scheduler reuses this entry point for time and manual triggers with a
// synthesized event.
func (e *Engine) ExecuteRule(ctx context.Context, rule *automation.Rule, event *automation.InboundEvent) (automation.ActionOutcome, error) {
	outcome := automation.ActionOutcome{RuleID: rule.ID}

	if rule.DelaySeconds > 0 {
		if err := e.delay(ctx, rule.DelaySeconds); err != nil {
			return outcome, fmt.Errorf("delay interrupted: %w", err)
		}
	}

	if rule.AutoSkipIfAlreadyReplied && event.EventID != "" {
		sctx, cancel := e.boundCtx(ctx)
		replied, err := e.stores.Conversations.HasAutoReply(sctx, event.TenantID, event.EventID)
		cancel()
		if err != nil {
			slog.Warn("auto-skip check failed, proceeding", "rule", rule.ID, "error", err)
		} else if replied {
			outcome.Skipped = true
			outcome.SkipReason = "already replied to this event"
			return outcome, nil
		}
	}

	actx, cancel := e.boundCtx(ctx)
	agent, err := e.stores.Agents.GetAgent(actx, rule.AgentID)
	cancel()
	if err != nil {
		return outcome, Errorf(KindAgentNotFound, "agent %s: %w", rule.AgentID, err)
	}

	text, resolution := e.resolveText(ctx, rule, agent, event)
	outcome.GeneratedByAI = resolution.byAI
	if resolution.degraded != "" {
		// The action still runs on template text; record why AI was not
		// used so the tenant can see the degrade in the aggregate.
		outcome.Error = resolution.degraded
	}

	switch rule.Action {
	case automation.ActionSendDM:
		err = e.executeSendDM(ctx, rule, event, text, &outcome)
	case automation.ActionSendPublicReply:
		err = e.executeSendPublicReply(ctx, rule, event, text, &outcome)
	case automation.ActionSendEmail, automation.ActionSendWebhook:
		err = e.executeAuditedAction(ctx, rule, event, text, &outcome)
	default:
		outcome.Skipped = true
		outcome.SkipReason = fmt.Sprintf("unknown action type %q", rule.Action)
	}
	return outcome, err
}

// textResolution records how the response text was produced.
type textResolution struct {
	byAI     bool
	degraded string // non-empty when AI was requested but template was used
}

// resolveText produces the response text for a rule. AI usage is gated on
// the governor; quota denial and generation failure both degrade to the
// rendered template so a configured rule keeps answering even when the AI
// budget is gone.
func (e *Engine) resolveText(ctx context.Context, rule *automation.Rule, agent *store.AgentConfig, event *automation.InboundEvent) (string, textResolution) {
	if !rule.UseAI {
		return automation.RenderTemplate(rule.Template, event), textResolution{}
	}

	decision, err := e.governor.CheckAndReserve(ctx, event.TenantID)
	if err != nil {
		slog.Warn("quota check failed, degrading to template", "rule", rule.ID, "error", err)
		return automation.RenderTemplate(rule.Template, event),
			textResolution{degraded: string(KindQuotaExceeded)}
	}
	if !decision.Allowed {
		return automation.RenderTemplate(rule.Template, event),
			textResolution{degraded: string(KindQuotaExceeded)}
	}

	gctx, cancel := e.boundCtx(ctx)
	result, err := e.generator.Generate(gctx, providers.GenerateRequest{
		SystemPrompt: agent.SystemPrompt,
		UserPrompt:   buildRulePrompt(rule, event),
		Model:        agent.Model,
		Temperature:  agent.Temperature,
		MaxTokens:    agent.MaxTokens,
	})
	cancel()
	if err != nil || result.Text == "" {
		slog.Warn("generation failed, degrading to template", "rule", rule.ID, "error", err)
		return automation.RenderTemplate(rule.Template, event),
			textResolution{degraded: string(KindGenerationFailed)}
	}

	e.governor.Record(ctx, event.TenantID, result.Usage.InputTokens, result.Usage.OutputTokens)
	return result.Text, textResolution{byAI: true}
}

func buildRulePrompt(rule *automation.Rule, event *automation.InboundEvent) string {
	if rule.Template != "" {
		return fmt.Sprintf("A customer wrote: %q\nRespond in the spirit of this template: %q", event.Text, rule.Template)
	}
	return fmt.Sprintf("A customer wrote: %q\nWrite a short, helpful reply.", event.Text)
}

func (e *Engine) executeSendDM(ctx context.Context, rule *automation.Rule, event *automation.InboundEvent, text string, outcome *automation.ActionOutcome) error {
	recipient := event.AuthorID
	if recipient == "" {
		recipient = event.AuthorName
	}
	if recipient == "" && event.Platform != automation.PlatformWebsite {
		outcome.Skipped = true
		outcome.SkipReason = "event has no addressable author"
		return nil
	}

	// Persist before dispatch: a message nobody on the tenant side can see
	// was sent is worse than not sending.
	conv, err := e.persistOutgoing(ctx, rule, event, text)
	if err != nil {
		return err
	}
	_ = conv

	if event.Platform == automation.PlatformWebsite {
		// No external send; the widget renders the returned text.
		outcome.ActionExecuted = true
		outcome.Reply = text
		return nil
	}

	sender, err := e.senders.For(event.Platform)
	if err != nil {
		return Errorf(KindDispatchFailed, "%w", err)
	}
	cred, err := e.credential(ctx, event)
	if err != nil {
		return Errorf(KindDispatchFailed, "credential: %w", err)
	}

	dctx, cancel := e.boundCtx(ctx)
	msgID, err := sender.SendDirectMessage(dctx, cred, recipient, text)
	cancel()
	if err != nil {
		return Errorf(KindDispatchFailed, "send dm via %s: %w", event.Platform, err)
	}

	outcome.ActionExecuted = true
	outcome.DMSent = true
	slog.Info("dm sent", "rule", rule.ID, "platform", event.Platform, "provider_message_id", msgID)
	return nil
}

func (e *Engine) executeSendPublicReply(ctx context.Context, rule *automation.Rule, event *automation.InboundEvent, text string, outcome *automation.ActionOutcome) error {
	if event.ThreadID == "" || event.EventID == "" {
		outcome.Skipped = true
		outcome.SkipReason = "event has no thread/comment ids for a public reply"
		return nil
	}
	if !event.Platform.CommentCapable() {
		slog.Info("public reply not supported on platform, skipping",
			"rule", rule.ID, "platform", event.Platform)
		outcome.Skipped = true
		outcome.SkipReason = fmt.Sprintf("platform %s does not support public replies", event.Platform)
		return nil
	}

	if _, err := e.persistOutgoing(ctx, rule, event, text); err != nil {
		return err
	}

	sender, err := e.senders.For(event.Platform)
	if err != nil {
		return Errorf(KindDispatchFailed, "%w", err)
	}
	cred, err := e.credential(ctx, event)
	if err != nil {
		return Errorf(KindDispatchFailed, "credential: %w", err)
	}

	dctx, cancel := e.boundCtx(ctx)
	replyID, err := sender.SendPublicReply(dctx, cred, event.ThreadID, event.EventID, text)
	cancel()
	if err != nil {
		return Errorf(KindDispatchFailed, "public reply via %s: %w", event.Platform, err)
	}

	outcome.ActionExecuted = true
	outcome.ReplySent = true
	slog.Info("public reply sent", "rule", rule.ID, "platform", event.Platform, "provider_reply_id", replyID)
	return nil
}

// executeAuditedAction handles the fire-and-forget integrations. The audit
// record must persist; delivery itself is best-effort and its failure never
// fails the rule evaluation.
func (e *Engine) executeAuditedAction(ctx context.Context, rule *automation.Rule, event *automation.InboundEvent, text string, outcome *automation.ActionOutcome) error {
	payload, _ := json.Marshal(map[string]string{
		"event_id": event.EventID,
		"text":     text,
		"email_to": rule.EmailTo,
		"webhook":  rule.WebhookURL,
	})

	pctx, cancel := e.boundCtx(ctx)
	err := e.stores.Conversations.RecordAuditAction(pctx, rule.TenantID, rule.ID, rule.Action, string(payload))
	cancel()
	if err != nil {
		return Errorf(KindPersistFailed, "audit %s: %w", rule.Action, err)
	}
	outcome.ActionExecuted = true

	if rule.Action == automation.ActionSendWebhook && rule.WebhookURL != "" {
		go e.deliverWebhook(rule.WebhookURL, payload)
	}
	return nil
}

// deliverWebhook POSTs the payload to the tenant's endpoint. Best-effort:
// failures are logged only.
func (e *Engine) deliverWebhook(url string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		slog.Warn("webhook delivery: build request", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("webhook delivery rejected", "url", url, "status", resp.StatusCode)
	}
}

// persistOutgoing upserts the conversation and inserts the agent message.
// Any failure here fails closed: the caller must not dispatch.
func (e *Engine) persistOutgoing(ctx context.Context, rule *automation.Rule, event *automation.InboundEvent, text string) (*store.ConversationRef, error) {
	threadKey := event.ThreadID
	if threadKey == "" {
		threadKey = event.AuthorID
	}

	pctx, cancel := e.boundCtx(ctx)
	defer cancel()

	conv, err := e.stores.Conversations.UpsertConversation(pctx, event.TenantID, event.AgentID, event.Platform, threadKey)
	if err != nil {
		return nil, Errorf(KindPersistFailed, "upsert conversation: %w", err)
	}
	if err := e.stores.Conversations.InsertMessage(pctx, conv, store.SenderAgent, text, event.EventID); err != nil {
		return nil, Errorf(KindPersistFailed, "insert message: %w", err)
	}
	return conv, nil
}

func (e *Engine) credential(ctx context.Context, event *automation.InboundEvent) (*store.Credential, error) {
	cctx, cancel := e.boundCtx(ctx)
	defer cancel()
	return e.stores.Credentials.GetCredential(cctx, event.TenantID, event.Platform)
}

// delay suspends this rule's continuation cooperatively. Only the current
// orchestration waits; concurrent events keep flowing.
func (e *Engine) delay(ctx context.Context, seconds int) error {
	d := time.Duration(seconds) * time.Second
	if d > e.maxDelay {
		d = e.maxDelay
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
