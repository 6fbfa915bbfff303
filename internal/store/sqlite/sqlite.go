// Package sqlite implements the storage interfaces on a local SQLite file
// (standalone mode). Schema is created on open; single-node deployments do
// not run the Postgres migration tooling.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS automation_rules (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	trigger_type TEXT NOT NULL,
	trigger_words TEXT NOT NULL DEFAULT '[]',
	trigger_platforms TEXT NOT NULL DEFAULT '[]',
	action_type TEXT NOT NULL,
	use_ai INTEGER NOT NULL DEFAULT 0,
	template TEXT,
	delay_seconds INTEGER NOT NULL DEFAULT 0,
	auto_skip_if_already_replied INTEGER NOT NULL DEFAULT 0,
	cron_pattern TEXT,
	scheduled_at TIMESTAMP,
	last_executed_at TIMESTAMP,
	email_to TEXT,
	webhook_url TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_tenant_agent ON automation_rules(tenant_id, agent_id, enabled);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	system_prompt TEXT,
	model TEXT,
	temperature REAL NOT NULL DEFAULT 0.7,
	max_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	external_thread_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(tenant_id, platform, external_thread_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	external_event_id TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_event ON messages(tenant_id, external_event_id);

CREATE TABLE IF NOT EXISTS audit_actions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id TEXT PRIMARY KEY,
	monthly_token_limit INTEGER NOT NULL DEFAULT -1,
	hard_blocked INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_events(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS platform_credentials (
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	access_token TEXT NOT NULL,
	external_account_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, platform)
);
`

// Open opens (and initializes) a SQLite database file and returns the full
// store set backed by it.
func Open(path string) (*store.Stores, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY under concurrent orchestrations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	s := &Store{db: db}
	return &store.Stores{
		Rules:         s,
		Agents:        s,
		Usage:         s,
		Conversations: s,
		Credentials:   s,
	}, db, nil
}

// Store implements every storage interface on one SQLite handle.
type Store struct {
	db *sql.DB
}

// --- RuleStore ---

const ruleColumns = `id, tenant_id, agent_id, name, enabled,
	trigger_type, trigger_words, trigger_platforms,
	action_type, use_ai, template, delay_seconds, auto_skip_if_already_replied,
	cron_pattern, scheduled_at, last_executed_at,
	email_to, webhook_url, created_at, updated_at`

func (s *Store) ListEnabledRules(ctx context.Context, tenantID, agentID uuid.UUID) ([]automation.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules
		 WHERE tenant_id = ? AND agent_id = ? AND enabled = 1
		 ORDER BY created_at ASC`,
		tenantID.String(), agentID.String())
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []automation.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (s *Store) GetRuleByID(ctx context.Context, id uuid.UUID) (*automation.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id.String())
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *Store) TouchLastExecuted(ctx context.Context, ruleID uuid.UUID, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_rules SET last_executed_at = ?, updated_at = ? WHERE id = ?`,
		when, time.Now(), ruleID.String())
	if err != nil {
		return fmt.Errorf("touch last executed: %w", err)
	}
	return nil
}

// CreateRule inserts a rule row (used by standalone-mode seeding and tests).
func (s *Store) CreateRule(ctx context.Context, r *automation.Rule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	words, _ := json.Marshal(r.TriggerWords)
	platforms, _ := json.Marshal(r.TriggerPlatforms)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_rules (`+ruleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.TenantID.String(), r.AgentID.String(), r.Name, r.Enabled,
		string(r.Trigger), string(words), string(platforms),
		string(r.Action), r.UseAI, r.Template, r.DelaySeconds, r.AutoSkipIfAlreadyReplied,
		r.CronPattern, r.ScheduledAt, r.LastExecutedAt,
		r.EmailTo, r.WebhookURL, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*automation.Rule, error) {
	var r automation.Rule
	var id, tenantID, agentID string
	var words, platforms string
	var template, cronPattern, emailTo, webhookURL sql.NullString
	var scheduledAt, lastExecutedAt sql.NullTime

	err := row.Scan(
		&id, &tenantID, &agentID, &r.Name, &r.Enabled,
		&r.Trigger, &words, &platforms,
		&r.Action, &r.UseAI, &template, &r.DelaySeconds, &r.AutoSkipIfAlreadyReplied,
		&cronPattern, &scheduledAt, &lastExecutedAt,
		&emailTo, &webhookURL, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID = uuid.MustParse(id)
	r.TenantID = uuid.MustParse(tenantID)
	r.AgentID = uuid.MustParse(agentID)
	if words != "" {
		if err := json.Unmarshal([]byte(words), &r.TriggerWords); err != nil {
			return nil, fmt.Errorf("decode trigger words for rule %s: %w", r.ID, err)
		}
	}
	if platforms != "" {
		if err := json.Unmarshal([]byte(platforms), &r.TriggerPlatforms); err != nil {
			return nil, fmt.Errorf("decode trigger platforms for rule %s: %w", r.ID, err)
		}
	}
	r.Template = template.String
	r.CronPattern = cronPattern.String
	r.EmailTo = emailTo.String
	r.WebhookURL = webhookURL.String
	if scheduledAt.Valid {
		t := scheduledAt.Time
		r.ScheduledAt = &t
	}
	if lastExecutedAt.Valid {
		t := lastExecutedAt.Time
		r.LastExecutedAt = &t
	}
	return &r, nil
}

// --- AgentStore ---

func (s *Store) GetAgent(ctx context.Context, agentID uuid.UUID) (*store.AgentConfig, error) {
	var a store.AgentConfig
	var id, tenantID string
	var systemPrompt, model sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, system_prompt, model, temperature, max_tokens
		 FROM agents WHERE id = ?`, agentID.String()).
		Scan(&id, &tenantID, &a.Name, &systemPrompt, &model, &a.Temperature, &a.MaxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.ID = uuid.MustParse(id)
	a.TenantID = uuid.MustParse(tenantID)
	a.SystemPrompt = systemPrompt.String
	a.Model = model.String
	return &a, nil
}

// CreateAgent inserts an agent row (standalone-mode seeding and tests).
func (s *Store) CreateAgent(ctx context.Context, a *store.AgentConfig) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.Must(uuid.NewV7())
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, tenant_id, name, system_prompt, model, temperature, max_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.TenantID.String(), a.Name, a.SystemPrompt, a.Model, a.Temperature, a.MaxTokens)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// --- UsageLedger ---

func (s *Store) CheckUsage(ctx context.Context, tenantID uuid.UUID) (*store.UsageSnapshot, error) {
	periodStart := time.Now().UTC().Truncate(24 * time.Hour)
	periodStart = time.Date(periodStart.Year(), periodStart.Month(), 1, 0, 0, 0, 0, time.UTC)

	snap := store.UsageSnapshot{TenantID: tenantID, PeriodStart: periodStart}
	err := s.db.QueryRowContext(ctx,
		`SELECT monthly_token_limit, hard_blocked FROM tenant_quotas WHERE tenant_id = ?`,
		tenantID.String()).Scan(&snap.MonthlyLimit, &snap.HardBlocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check usage: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		 FROM usage_events WHERE tenant_id = ? AND created_at >= ?`,
		tenantID.String(), periodStart).Scan(&snap.TokensUsed)
	if err != nil {
		return nil, fmt.Errorf("sum usage: %w", err)
	}
	return &snap, nil
}

func (s *Store) RecordGeneration(ctx context.Context, tenantID uuid.UUID, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, tenant_id, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), tenantID.String(), inputTokens, outputTokens, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

// SetQuota upserts a tenant's quota row (standalone-mode seeding and tests).
func (s *Store) SetQuota(ctx context.Context, tenantID uuid.UUID, monthlyLimit int64, hardBlocked bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_quotas (tenant_id, monthly_token_limit, hard_blocked)
		 VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET monthly_token_limit = excluded.monthly_token_limit,
		                                      hard_blocked = excluded.hard_blocked`,
		tenantID.String(), monthlyLimit, hardBlocked)
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	return nil
}

// --- ConversationStore ---

func (s *Store) UpsertConversation(ctx context.Context, tenantID, agentID uuid.UUID, platform automation.Platform, externalThreadID string) (*store.ConversationRef, error) {
	now := time.Now().UTC()
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (id, tenant_id, agent_id, platform, external_thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, platform, external_thread_id)
		 DO UPDATE SET updated_at = excluded.updated_at
		 RETURNING id`,
		uuid.Must(uuid.NewV7()).String(), tenantID.String(), agentID.String(),
		string(platform), externalThreadID, now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return &store.ConversationRef{ID: uuid.MustParse(id), TenantID: tenantID}, nil
}

func (s *Store) InsertMessage(ctx context.Context, conv *store.ConversationRef, sender store.MessageSender, content, externalEventID string) error {
	var eventID interface{}
	if externalEventID != "" {
		eventID = externalEventID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, tenant_id, sender, content, external_event_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), conv.ID.String(), conv.TenantID.String(),
		string(sender), content, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) HasAutoReply(ctx context.Context, tenantID uuid.UUID, externalEventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE tenant_id = ? AND external_event_id = ? AND sender = ?
		 )`, tenantID.String(), externalEventID, string(store.SenderAgent)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check auto reply: %w", err)
	}
	return exists, nil
}

func (s *Store) RecordAuditAction(ctx context.Context, tenantID, ruleID uuid.UUID, action automation.ActionType, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_actions (id, tenant_id, rule_id, action_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), tenantID.String(), ruleID.String(),
		string(action), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record audit action: %w", err)
	}
	return nil
}

// --- CredentialStore ---

func (s *Store) GetCredential(ctx context.Context, tenantID uuid.UUID, platform automation.Platform) (*store.Credential, error) {
	c := store.Credential{TenantID: tenantID, Platform: platform}
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, external_account_id
		 FROM platform_credentials WHERE tenant_id = ? AND platform = ?`,
		tenantID.String(), string(platform)).Scan(&c.AccessToken, &c.ExternalAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (s *Store) ResolveBinding(ctx context.Context, platform automation.Platform, externalAccountID string) (uuid.UUID, uuid.UUID, error) {
	var tenantID, agentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, agent_id FROM platform_credentials
		 WHERE platform = ? AND external_account_id = ?`,
		string(platform), externalAccountID).Scan(&tenantID, &agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, uuid.Nil, store.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("resolve binding: %w", err)
	}
	return uuid.MustParse(tenantID), uuid.MustParse(agentID), nil
}
