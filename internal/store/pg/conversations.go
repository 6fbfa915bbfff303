package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

func (s *PGConversationStore) UpsertConversation(ctx context.Context, tenantID, agentID uuid.UUID, platform automation.Platform, externalThreadID string) (*store.ConversationRef, error) {
	id := uuid.Must(uuid.NewV7())
	var convID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (id, tenant_id, agent_id, platform, external_thread_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (tenant_id, platform, external_thread_id)
		 DO UPDATE SET updated_at = now()
		 RETURNING id`,
		id, tenantID, agentID, platform, externalThreadID).Scan(&convID)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return &store.ConversationRef{ID: convID, TenantID: tenantID}, nil
}

func (s *PGConversationStore) InsertMessage(ctx context.Context, conv *store.ConversationRef, sender store.MessageSender, content, externalEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, tenant_id, sender, content, external_event_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		uuid.Must(uuid.NewV7()), conv.ID, conv.TenantID, sender, content, nullIfEmpty(externalEventID))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PGConversationStore) HasAutoReply(ctx context.Context, tenantID uuid.UUID, externalEventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE tenant_id = $1 AND external_event_id = $2 AND sender = $3
		 )`, tenantID, externalEventID, store.SenderAgent).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check auto reply: %w", err)
	}
	return exists, nil
}

func (s *PGConversationStore) RecordAuditAction(ctx context.Context, tenantID, ruleID uuid.UUID, action automation.ActionType, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_actions (id, tenant_id, rule_id, action_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.Must(uuid.NewV7()), tenantID, ruleID, action, payload)
	if err != nil {
		return fmt.Errorf("record audit action: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
