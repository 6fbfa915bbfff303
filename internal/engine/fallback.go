package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/providers"
)

// fallback answers an event no rule matched. It always uses AI: there is no
// template to degrade to, so quota denial and generation failure surface as
// explicit errors instead of a silent empty reply.
func (e *Engine) fallback(ctx context.Context, event *automation.InboundEvent) automation.ExecutionResult {
	actx, cancel := e.boundCtx(ctx)
	agent, err := e.stores.Agents.GetAgent(actx, event.AgentID)
	cancel()
	if err != nil {
		return failure(Errorf(KindAgentNotFound, "agent %s: %w", event.AgentID, err))
	}

	decision, err := e.governor.CheckAndReserve(ctx, event.TenantID)
	if err != nil {
		return failure(Errorf(KindQuotaExceeded, "quota check: %w", err))
	}
	if !decision.Allowed {
		slog.Info("fallback blocked by quota", "tenant", event.TenantID, "reason", decision.Reason)
		return failure(Errorf(KindQuotaExceeded, "%s", decision.Reason))
	}

	gctx, cancel := e.boundCtx(ctx)
	result, err := e.generator.Generate(gctx, providers.GenerateRequest{
		SystemPrompt: agent.SystemPrompt,
		UserPrompt:   fmt.Sprintf("A customer wrote: %q\nWrite a short, helpful reply.", event.Text),
		Model:        agent.Model,
		Temperature:  agent.Temperature,
		MaxTokens:    agent.MaxTokens,
	})
	cancel()
	if err != nil {
		return failure(Errorf(KindGenerationFailed, "%w", err))
	}
	if result.Text == "" {
		return failure(Errorf(KindGenerationFailed, "provider returned empty text"))
	}
	e.governor.Record(ctx, event.TenantID, result.Usage.InputTokens, result.Usage.OutputTokens)

	// Persist before any dispatch, same invariant as rule actions.
	fallbackRule := automation.Rule{TenantID: event.TenantID, AgentID: event.AgentID}
	if _, err := e.persistOutgoing(ctx, &fallbackRule, event, result.Text); err != nil {
		return failure(err.(*Error))
	}

	if event.Platform == automation.PlatformWebsite {
		return automation.ExecutionResult{
			OK:             true,
			ActionExecuted: true,
			Reply:          result.Text,
		}
	}

	if err := e.dispatchFallback(ctx, event, result.Text); err != nil {
		// External delivery failure is recoverable: the reply is already
		// persisted in the inbox, retries are the platform's business.
		slog.Warn("fallback dispatch failed", "tenant", event.TenantID, "platform", event.Platform, "error", err)
		return automation.ExecutionResult{OK: true, Error: E(KindDispatchFailed, err).Error()}
	}
	return automation.ExecutionResult{OK: true, ActionExecuted: true}
}

// dispatchFallback routes the generated reply per platform policy: comments
// on comment-capable platforms get a public reply, everything else a DM.
func (e *Engine) dispatchFallback(ctx context.Context, event *automation.InboundEvent, text string) error {
	sender, err := e.senders.For(event.Platform)
	if err != nil {
		return err
	}
	cred, err := e.credential(ctx, event)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}

	dctx, cancel := e.boundCtx(ctx)
	defer cancel()

	if event.Kind == automation.KindComment && event.Platform.CommentCapable() {
		_, err = sender.SendPublicReply(dctx, cred, event.ThreadID, event.EventID, text)
		return err
	}

	recipient := event.AuthorID
	if recipient == "" {
		recipient = event.AuthorName
	}
	if recipient == "" {
		return fmt.Errorf("event has no addressable author")
	}
	_, err = sender.SendDirectMessage(dctx, cred, recipient, text)
	return err
}
