package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

// PGCredentialStore implements store.CredentialStore backed by Postgres.
type PGCredentialStore struct {
	db *sql.DB
}

func NewPGCredentialStore(db *sql.DB) *PGCredentialStore {
	return &PGCredentialStore{db: db}
}

func (s *PGCredentialStore) GetCredential(ctx context.Context, tenantID uuid.UUID, platform automation.Platform) (*store.Credential, error) {
	c := store.Credential{TenantID: tenantID, Platform: platform}
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, external_account_id
		 FROM platform_credentials
		 WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform).Scan(&c.AccessToken, &c.ExternalAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (s *PGCredentialStore) ResolveBinding(ctx context.Context, platform automation.Platform, externalAccountID string) (uuid.UUID, uuid.UUID, error) {
	var tenantID, agentID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT c.tenant_id, c.agent_id
		 FROM platform_credentials c
		 WHERE c.platform = $1 AND c.external_account_id = $2`,
		platform, externalAccountID).Scan(&tenantID, &agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, uuid.Nil, store.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("resolve binding: %w", err)
	}
	return tenantID, agentID, nil
}
