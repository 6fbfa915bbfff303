package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/providers"
	"github.com/replyloop/replyloop/internal/quota"
	"github.com/replyloop/replyloop/internal/senders"
	"github.com/replyloop/replyloop/internal/store"
)

// --- fakes ---

type fakeRuleStore struct {
	rules   []automation.Rule
	listErr error
	touched map[uuid.UUID]time.Time
}

func (f *fakeRuleStore) ListEnabledRules(ctx context.Context, tenantID, agentID uuid.UUID) ([]automation.Rule, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var enabled []automation.Rule
	for _, r := range f.rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

func (f *fakeRuleStore) GetRuleByID(ctx context.Context, id uuid.UUID) (*automation.Rule, error) {
	for i := range f.rules {
		if f.rules[i].ID == id {
			r := f.rules[i]
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRuleStore) TouchLastExecuted(ctx context.Context, ruleID uuid.UUID, when time.Time) error {
	if f.touched == nil {
		f.touched = make(map[uuid.UUID]time.Time)
	}
	f.touched[ruleID] = when
	return nil
}

type fakeAgentStore struct {
	agent *store.AgentConfig
	err   error
}

func (f *fakeAgentStore) GetAgent(ctx context.Context, agentID uuid.UUID) (*store.AgentConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.agent, nil
}

type fakeLedger struct {
	snap     store.UsageSnapshot
	recorded int
}

func (f *fakeLedger) CheckUsage(ctx context.Context, tenantID uuid.UUID) (*store.UsageSnapshot, error) {
	s := f.snap
	return &s, nil
}

func (f *fakeLedger) RecordGeneration(ctx context.Context, tenantID uuid.UUID, in, out int64) error {
	f.recorded++
	return nil
}

type fakeConvStore struct {
	mu         sync.Mutex
	upsertErr  error
	insertErr  error
	messages   []string
	audits     []automation.ActionType
	hasReplied bool
}

func (f *fakeConvStore) UpsertConversation(ctx context.Context, tenantID, agentID uuid.UUID, platform automation.Platform, threadID string) (*store.ConversationRef, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	return &store.ConversationRef{ID: uuid.New(), TenantID: tenantID}, nil
}

func (f *fakeConvStore) InsertMessage(ctx context.Context, conv *store.ConversationRef, sender store.MessageSender, content, externalEventID string) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	f.messages = append(f.messages, content)
	f.mu.Unlock()
	return nil
}

func (f *fakeConvStore) HasAutoReply(ctx context.Context, tenantID uuid.UUID, externalEventID string) (bool, error) {
	return f.hasReplied, nil
}

func (f *fakeConvStore) RecordAuditAction(ctx context.Context, tenantID, ruleID uuid.UUID, action automation.ActionType, payload string) error {
	f.mu.Lock()
	f.audits = append(f.audits, action)
	f.mu.Unlock()
	return nil
}

type fakeCredStore struct{}

func (fakeCredStore) GetCredential(ctx context.Context, tenantID uuid.UUID, platform automation.Platform) (*store.Credential, error) {
	return &store.Credential{TenantID: tenantID, Platform: platform, AccessToken: "tok"}, nil
}

func (fakeCredStore) ResolveBinding(ctx context.Context, platform automation.Platform, externalAccountID string) (uuid.UUID, uuid.UUID, error) {
	return uuid.Nil, uuid.Nil, store.ErrNotFound
}

type fakeGenerator struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, req providers.GenerateRequest) (*providers.GenerateResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &providers.GenerateResult{Text: f.text, Usage: providers.Usage{InputTokens: 10, OutputTokens: 20}}, nil
}

func (f *fakeGenerator) DefaultModel() string { return "fake-model" }
func (f *fakeGenerator) Name() string         { return "fake" }

type fakeSender struct {
	platform automation.Platform
	mu       sync.Mutex
	dms      []string
	replies  []string
	sendErr  error
	panics   bool
}

func (f *fakeSender) Platform() automation.Platform { return f.platform }

func (f *fakeSender) SendDirectMessage(ctx context.Context, cred *store.Credential, recipientID, text string) (string, error) {
	if f.panics {
		panic("sender exploded")
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	f.dms = append(f.dms, text)
	f.mu.Unlock()
	return "provider-msg-1", nil
}

func (f *fakeSender) SendPublicReply(ctx context.Context, cred *store.Credential, threadID, commentID, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	f.replies = append(f.replies, text)
	f.mu.Unlock()
	return "provider-reply-1", nil
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dms) + len(f.replies)
}

// --- harness ---

type harness struct {
	engine *Engine
	rules  *fakeRuleStore
	conv   *fakeConvStore
	gen    *fakeGenerator
	ledger *fakeLedger
	fb     *fakeSender
	tenant uuid.UUID
	agent  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rules:  &fakeRuleStore{},
		conv:   &fakeConvStore{},
		gen:    &fakeGenerator{text: "generated reply"},
		ledger: &fakeLedger{snap: store.UsageSnapshot{TokensUsed: 100, MonthlyLimit: 1000}},
		fb:     &fakeSender{platform: automation.PlatformFacebook},
		tenant: uuid.New(),
		agent:  uuid.New(),
	}
	stores := &store.Stores{
		Rules: h.rules,
		Agents: &fakeAgentStore{agent: &store.AgentConfig{
			ID: h.agent, TenantID: h.tenant, SystemPrompt: "be helpful", Model: "fake-model",
		}},
		Usage:         h.ledger,
		Conversations: h.conv,
		Credentials:   fakeCredStore{},
	}
	h.engine = New(Config{
		Stores:    stores,
		Governor:  quota.NewGovernor(h.ledger),
		Generator: h.gen,
		Senders:   senders.NewRegistry(h.fb),
	})
	return h
}

func (h *harness) rule(trigger automation.TriggerType, words []string, action automation.ActionType) automation.Rule {
	return automation.Rule{
		ID:           uuid.New(),
		TenantID:     h.tenant,
		AgentID:      h.agent,
		Enabled:      true,
		Trigger:      trigger,
		TriggerWords: words,
		Action:       action,
		Template:     "template reply for {name}",
	}
}

func (h *harness) commentEvent(text string, platform automation.Platform) *automation.InboundEvent {
	return &automation.InboundEvent{
		TenantID:   h.tenant,
		AgentID:    h.agent,
		EventID:    "evt-1",
		Text:       text,
		AuthorID:   "author-1",
		AuthorName: "Sam",
		Platform:   platform,
		PostID:     "post-1",
		ThreadID:   "post-1",
	}
}

// --- orchestration tests ---

func TestExecute_RuleBeforeFallback(t *testing.T) {
	h := newHarness(t)
	h.rules.rules = []automation.Rule{h.rule(automation.TriggerKeyword, []string{"refund"}, automation.ActionSendDM)}

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("refund please", automation.PlatformFacebook))
	if !result.OK || !result.RuleMatched {
		t.Fatalf("result = %+v, want matched rule", result)
	}
	if h.gen.calls != 0 {
		t.Errorf("generator called %d times; fallback must never run when a rule matched", h.gen.calls)
	}
}

func TestExecute_MatcherTotality(t *testing.T) {
	h := newHarness(t)
	h.rules.rules = []automation.Rule{
		h.rule(automation.TriggerKeyword, []string{"alpha"}, automation.ActionSendDM),
		h.rule(automation.TriggerKeyword, []string{"bravo"}, automation.ActionSendDM),
		h.rule(automation.TriggerKeyword, []string{"charlie"}, automation.ActionSendDM),
	}

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("alpha bravo charlie", automation.PlatformFacebook))
	if len(result.Outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(result.Outcomes))
	}
	if h.fb.sendCount() != 3 {
		t.Errorf("sender called %d times, want 3 independent executions", h.fb.sendCount())
	}
}

func TestExecute_QuotaHardCutoff_RuleDegradesToTemplate(t *testing.T) {
	h := newHarness(t)
	h.ledger.snap = store.UsageSnapshot{TokensUsed: 1000, MonthlyLimit: 1000}
	r := h.rule(automation.TriggerKeyword, []string{"refund"}, automation.ActionSendDM)
	r.UseAI = true
	h.rules.rules = []automation.Rule{r}

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("refund please", automation.PlatformFacebook))
	if !result.OK || !result.ActionExecuted {
		t.Fatalf("result = %+v, want executed action", result)
	}
	if h.gen.calls != 0 {
		t.Errorf("generator called %d times, want 0 at hard cutoff", h.gen.calls)
	}
	if len(h.fb.dms) != 1 || !strings.Contains(h.fb.dms[0], "template reply for Sam") {
		t.Errorf("dm sent = %v, want rendered template", h.fb.dms)
	}
}

func TestExecute_QuotaHardCutoff_FallbackDenied(t *testing.T) {
	h := newHarness(t)
	h.ledger.snap = store.UsageSnapshot{TokensUsed: 1000, MonthlyLimit: 1000}

	result := h.engine.ExecuteForMessage(context.Background(), h.commentEvent("hi", automation.PlatformWebsite))
	if result.OK {
		t.Fatalf("result = %+v, want explicit quota denial", result)
	}
	if !strings.Contains(result.Error, string(KindQuotaExceeded)) {
		t.Errorf("error = %q, want quota_exceeded", result.Error)
	}
	if h.gen.calls != 0 {
		t.Errorf("generator called %d times, want 0", h.gen.calls)
	}
}

func TestExecute_WebsiteMutualExclusivity(t *testing.T) {
	h := newHarness(t)
	r := h.rule(automation.TriggerKeyword, []string{"help"}, automation.ActionSendDM)
	h.rules.rules = []automation.Rule{r}

	result := h.engine.ExecuteForMessage(context.Background(), h.commentEvent("help me", automation.PlatformWebsite))
	if result.Reply == "" {
		t.Error("website result must carry a non-empty reply")
	}
	if h.fb.sendCount() != 0 {
		t.Errorf("sender called %d times for website platform, want 0", h.fb.sendCount())
	}
}

func TestExecute_NonWebsiteReturnsNoReply(t *testing.T) {
	h := newHarness(t)
	h.rules.rules = []automation.Rule{h.rule(automation.TriggerKeyword, []string{"help"}, automation.ActionSendDM)}

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("help me", automation.PlatformFacebook))
	if result.Reply != "" {
		t.Errorf("reply = %q, want empty for non-website platform", result.Reply)
	}
	if h.fb.sendCount() != 1 {
		t.Errorf("sender called %d times, want exactly 1", h.fb.sendCount())
	}
}

func TestExecute_PersistenceBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	h.conv.insertErr = errors.New("disk full")
	h.rules.rules = []automation.Rule{h.rule(automation.TriggerKeyword, []string{"refund"}, automation.ActionSendDM)}

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("refund", automation.PlatformFacebook))
	if h.fb.sendCount() != 0 {
		t.Fatalf("sender called %d times after persistence failure, want 0 (failing closed)", h.fb.sendCount())
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Error == "" {
		t.Errorf("outcome = %+v, want recorded persist error", result.Outcomes)
	}
}

func TestExecute_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule(automation.TriggerKeyword, []string{"alpha"}, automation.ActionSendDM)
	r2 := h.rule(automation.TriggerKeyword, []string{"alpha"}, automation.ActionSendDM)
	r3 := h.rule(automation.TriggerKeyword, []string{"alpha"}, automation.ActionSendDM)
	h.rules.rules = []automation.Rule{r1, r2, r3}

	// Rule 2 hits a panicking sender: give rules distinct platforms via a
	// second sender that panics, and point rule 2's event there. Simpler:
	// swap the shared sender to panic on the second call.
	calls := 0
	h.engine.senders = senders.NewRegistry(&scriptedSender{
		platform: automation.PlatformFacebook,
		fn: func(text string) (string, error) {
			calls++
			if calls == 2 {
				panic("boom")
			}
			return "id", nil
		},
	})

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("alpha", automation.PlatformFacebook))
	if len(result.Outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(result.Outcomes))
	}
	if !result.Outcomes[0].ActionExecuted || !result.Outcomes[2].ActionExecuted {
		t.Error("rules 1 and 3 must still execute when rule 2 fails")
	}
	if result.Outcomes[1].Error == "" {
		t.Error("rule 2's failure must be recorded in its outcome")
	}
	if !result.OK {
		t.Error("per-rule failures must not fail the overall call")
	}
}

type scriptedSender struct {
	platform automation.Platform
	fn       func(text string) (string, error)
}

func (s *scriptedSender) Platform() automation.Platform { return s.platform }
func (s *scriptedSender) SendDirectMessage(ctx context.Context, cred *store.Credential, recipientID, text string) (string, error) {
	return s.fn(text)
}
func (s *scriptedSender) SendPublicReply(ctx context.Context, cred *store.Credential, threadID, commentID, text string) (string, error) {
	return s.fn(text)
}

func TestExecute_RefundScenario(t *testing.T) {
	h := newHarness(t)
	r := h.rule(automation.TriggerKeyword, []string{"refund"}, automation.ActionSendDM)
	r.Template = "We'll process your refund, {name}."
	h.rules.rules = []automation.Rule{r}

	event := h.commentEvent("I want a refund please", automation.PlatformFacebook)
	result := h.engine.ExecuteForComment(context.Background(), event)

	if !result.OK || !result.RuleMatched || !result.ActionExecuted {
		t.Fatalf("result = %+v, want ok/matched/executed", result)
	}
	want := "We'll process your refund, Sam."
	if len(h.conv.messages) != 1 || h.conv.messages[0] != want {
		t.Errorf("persisted = %v, want %q", h.conv.messages, want)
	}
	if len(h.fb.dms) != 1 || h.fb.dms[0] != want {
		t.Errorf("dm sent = %v, want %q exactly once", h.fb.dms, want)
	}
	if h.gen.calls != 0 {
		t.Errorf("generator called %d times for useAi=false rule", h.gen.calls)
	}
}

func TestExecute_WebsiteFallbackScenario(t *testing.T) {
	h := newHarness(t)
	// No rules enabled, quota at 50%.
	h.ledger.snap = store.UsageSnapshot{TokensUsed: 500, MonthlyLimit: 1000}

	result := h.engine.ExecuteForMessage(context.Background(), h.commentEvent("hello", automation.PlatformWebsite))
	if !result.OK {
		t.Fatalf("result = %+v, want ok", result)
	}
	if result.Reply != "generated reply" {
		t.Errorf("reply = %q, want generated text", result.Reply)
	}
	if len(h.conv.messages) != 1 {
		t.Errorf("persisted %d messages, want 1", len(h.conv.messages))
	}
	if h.fb.sendCount() != 0 {
		t.Errorf("sender called %d times, want 0", h.fb.sendCount())
	}
	if h.ledger.recorded != 1 {
		t.Errorf("usage recorded %d times, want 1", h.ledger.recorded)
	}
}

func TestExecute_InvalidEventFatal(t *testing.T) {
	h := newHarness(t)
	event := h.commentEvent("", automation.PlatformFacebook) // no text

	result := h.engine.ExecuteForComment(context.Background(), event)
	if result.OK {
		t.Fatalf("result = %+v, want fatal invalid event", result)
	}
	if !strings.Contains(result.Error, string(KindInvalidEvent)) {
		t.Errorf("error = %q, want invalid_event", result.Error)
	}
}

func TestExecute_RuleFetchFailedFatal(t *testing.T) {
	h := newHarness(t)
	h.rules.listErr = errors.New("db down")

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("hi", automation.PlatformFacebook))
	if result.OK {
		t.Fatalf("result = %+v, want fatal fetch failure", result)
	}
	if !strings.Contains(result.Error, string(KindRuleFetchFailed)) {
		t.Errorf("error = %q, want rule_fetch_failed", result.Error)
	}
	if h.gen.calls != 0 {
		t.Error("fallback must not run when rules could not be loaded")
	}
}

func TestExecute_GenerationFailureDegradesToTemplate(t *testing.T) {
	h := newHarness(t)
	h.gen.err = errors.New("provider 500")
	r := h.rule(automation.TriggerKeyword, []string{"refund"}, automation.ActionSendDM)
	r.UseAI = true
	h.rules.rules = []automation.Rule{r}

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("refund", automation.PlatformFacebook))
	if !result.ActionExecuted {
		t.Fatalf("result = %+v, want executed on degraded template", result)
	}
	if len(h.fb.dms) != 1 || !strings.Contains(h.fb.dms[0], "template reply") {
		t.Errorf("dm = %v, want template text", h.fb.dms)
	}
}

func TestExecute_GenerationFailureFatalForFallback(t *testing.T) {
	h := newHarness(t)
	h.gen.err = errors.New("provider 500")

	result := h.engine.ExecuteForMessage(context.Background(), h.commentEvent("hi", automation.PlatformWebsite))
	if result.OK {
		t.Fatalf("result = %+v, want generation failure surfaced", result)
	}
	if !strings.Contains(result.Error, string(KindGenerationFailed)) {
		t.Errorf("error = %q, want generation_failed", result.Error)
	}
}

func TestExecuteRule_SkipWhenNoRecipient(t *testing.T) {
	h := newHarness(t)
	r := h.rule(automation.TriggerKeyword, []string{"x"}, automation.ActionSendDM)
	event := h.commentEvent("x", automation.PlatformFacebook)
	event.AuthorID = ""
	event.AuthorName = ""

	out, err := h.engine.ExecuteRule(context.Background(), &r, event)
	if err != nil {
		t.Fatalf("ExecuteRule() error = %v", err)
	}
	if !out.Skipped || out.ActionExecuted {
		t.Errorf("outcome = %+v, want skip (not error) on missing recipient", out)
	}
}

func TestExecuteRule_PublicReplySkipsOnIncapablePlatform(t *testing.T) {
	h := newHarness(t)
	h.engine.senders = senders.NewRegistry(&fakeSender{platform: automation.PlatformTelegram})
	r := h.rule(automation.TriggerKeyword, []string{"x"}, automation.ActionSendPublicReply)
	event := h.commentEvent("x", automation.PlatformTelegram)

	out, err := h.engine.ExecuteRule(context.Background(), &r, event)
	if err != nil {
		t.Fatalf("ExecuteRule() error = %v", err)
	}
	if !out.Skipped {
		t.Errorf("outcome = %+v, want log-and-skip", out)
	}
}

func TestExecuteRule_AutoSkipIfAlreadyReplied(t *testing.T) {
	h := newHarness(t)
	h.conv.hasReplied = true
	r := h.rule(automation.TriggerKeyword, []string{"x"}, automation.ActionSendDM)
	r.AutoSkipIfAlreadyReplied = true

	out, err := h.engine.ExecuteRule(context.Background(), &r, h.commentEvent("x", automation.PlatformFacebook))
	if err != nil {
		t.Fatalf("ExecuteRule() error = %v", err)
	}
	if !out.Skipped || h.fb.sendCount() != 0 {
		t.Errorf("outcome = %+v sends=%d, want skip with no dispatch", out, h.fb.sendCount())
	}
}

func TestExecuteRule_AuditedActions(t *testing.T) {
	h := newHarness(t)
	r := h.rule(automation.TriggerKeyword, []string{"x"}, automation.ActionSendEmail)
	r.EmailTo = "ops@example.com"

	out, err := h.engine.ExecuteRule(context.Background(), &r, h.commentEvent("x", automation.PlatformFacebook))
	if err != nil {
		t.Fatalf("ExecuteRule() error = %v", err)
	}
	if !out.ActionExecuted {
		t.Errorf("outcome = %+v, want executed audit action", out)
	}
	if len(h.conv.audits) != 1 || h.conv.audits[0] != automation.ActionSendEmail {
		t.Errorf("audits = %v, want one send_email record", h.conv.audits)
	}
}

func TestExecute_DispatchFailureDoesNotFailCall(t *testing.T) {
	h := newHarness(t)
	h.fb.sendErr = errors.New("platform 503")
	h.rules.rules = []automation.Rule{h.rule(automation.TriggerKeyword, []string{"x"}, automation.ActionSendDM)}

	result := h.engine.ExecuteForComment(context.Background(), h.commentEvent("x", automation.PlatformFacebook))
	if !result.OK {
		t.Fatalf("result = %+v; one platform's delivery failure must not fail the call", result)
	}
	if len(result.Outcomes) != 1 || !strings.Contains(result.Outcomes[0].Error, string(KindDispatchFailed)) {
		t.Errorf("outcome = %+v, want dispatch_failed recorded", result.Outcomes)
	}
}
