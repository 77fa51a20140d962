package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nova-labs/inbox-sync/internal/model"
)

// GetInbox loads the inbox binding, the source of truth for GrantID on
// conflict with any denormalized copy on a work row.
func (s *Store) GetInbox(ctx context.Context, inboxID uuid.UUID) (*model.Inbox, error) {
	var inbox model.Inbox
	err := s.pool.QueryRow(ctx, `
		SELECT inbox_id, tenant_id, grant_id, auth_expired, created_at, updated_at
		FROM inboxes WHERE inbox_id = $1`, inboxID,
	).Scan(&inbox.InboxID, &inbox.TenantID, &inbox.GrantID, &inbox.AuthExpired, &inbox.CreatedAt, &inbox.UpdatedAt)
	if err != nil {
		if errors.Is(err, errNoRows) {
			return nil, fmt.Errorf("inbox %s not found", inboxID)
		}
		return nil, fmt.Errorf("failed to get inbox %s: %w", inboxID, err)
	}
	return &inbox, nil
}

// MarkAuthExpired flags the inbox credential as expired, the grant.expired
// webhook's effect.
func (s *Store) MarkAuthExpired(ctx context.Context, inboxID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inboxes SET auth_expired = true, updated_at = now() WHERE inbox_id = $1`, inboxID)
	if err != nil {
		return fmt.Errorf("failed to mark inbox %s auth-expired: %w", inboxID, err)
	}
	return nil
}
