package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

// PGRuleStore implements store.RuleStore backed by Postgres. No caching:
// the engine requires fresh rows on every orchestration call.
type PGRuleStore struct {
	db *sql.DB
}

func NewPGRuleStore(db *sql.DB) *PGRuleStore {
	return &PGRuleStore{db: db}
}

const ruleColumns = `id, tenant_id, agent_id, name, enabled,
	trigger_type, trigger_words, trigger_platforms,
	action_type, use_ai, template, delay_seconds, auto_skip_if_already_replied,
	cron_pattern, scheduled_at, last_executed_at,
	email_to, webhook_url, created_at, updated_at`

func (s *PGRuleStore) ListEnabledRules(ctx context.Context, tenantID, agentID uuid.UUID) ([]automation.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules
		 WHERE tenant_id = $1 AND agent_id = $2 AND enabled = true
		 ORDER BY created_at ASC`,
		tenantID, agentID)
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

func (s *PGRuleStore) GetRuleByID(ctx context.Context, id uuid.UUID) (*automation.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *PGRuleStore) TouchLastExecuted(ctx context.Context, ruleID uuid.UUID, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_rules SET last_executed_at = $2, updated_at = now() WHERE id = $1`,
		ruleID, when)
	if err != nil {
		return fmt.Errorf("touch last executed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*automation.Rule, error) {
	var r automation.Rule
	var words, platforms []byte
	var template, cronPattern, emailTo, webhookURL sql.NullString
	var scheduledAt, lastExecutedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.TenantID, &r.AgentID, &r.Name, &r.Enabled,
		&r.Trigger, &words, &platforms,
		&r.Action, &r.UseAI, &template, &r.DelaySeconds, &r.AutoSkipIfAlreadyReplied,
		&cronPattern, &scheduledAt, &lastExecutedAt,
		&emailTo, &webhookURL, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(words) > 0 {
		if err := json.Unmarshal(words, &r.TriggerWords); err != nil {
			return nil, fmt.Errorf("decode trigger words for rule %s: %w", r.ID, err)
		}
	}
	if len(platforms) > 0 {
		if err := json.Unmarshal(platforms, &r.TriggerPlatforms); err != nil {
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
