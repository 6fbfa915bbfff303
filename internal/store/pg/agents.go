package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/store"
)

// PGAgentStore implements store.AgentStore backed by Postgres.
type PGAgentStore struct {
	db *sql.DB
}

func NewPGAgentStore(db *sql.DB) *PGAgentStore {
	return &PGAgentStore{db: db}
}

func (s *PGAgentStore) GetAgent(ctx context.Context, agentID uuid.UUID) (*store.AgentConfig, error) {
	var a store.AgentConfig
	var systemPrompt, model sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, system_prompt, model, temperature, max_tokens
		 FROM agents WHERE id = $1`, agentID).
		Scan(&a.ID, &a.TenantID, &a.Name, &systemPrompt, &model, &a.Temperature, &a.MaxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.SystemPrompt = systemPrompt.String
	a.Model = model.String
	return &a, nil
}
