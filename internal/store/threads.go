package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nova-labs/inbox-sync/internal/model"
)

// UpsertThread idempotently inserts or refreshes a thread keyed on its
// remote ID, the provider's own thread identifier. A second sync of the
// same thread updates the mutable fields in place rather than duplicating
// the row.
func (s *Store) UpsertThread(ctx context.Context, t model.Thread) (uuid.UUID, error) {
	if t.ThreadID == uuid.Nil {
		t.ThreadID = uuid.New()
	}

	var threadID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO threads (thread_id, remote_thread_id, inbox_id, subject, participants,
		                      latest_at, unread, starred, is_spam, is_promotional)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (remote_thread_id) DO UPDATE SET
			subject = $4, participants = $5, latest_at = $6, unread = $7,
			starred = $8, is_spam = $9, is_promotional = $10, updated_at = now()
		RETURNING thread_id`,
		t.ThreadID, t.RemoteThreadID, t.InboxID, t.Subject, t.Participants,
		t.LatestAt, t.Unread, t.Starred, t.IsSpam, t.IsPromotional,
	).Scan(&threadID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert thread %s: %w", t.RemoteThreadID, err)
	}
	return threadID, nil
}

// GetThreadByRemoteID resolves a thread's internal ID from its remote ID,
// used when a webhook notification arrives with only the provider's ID.
func (s *Store) GetThreadByRemoteID(ctx context.Context, remoteThreadID string) (*model.Thread, error) {
	var t model.Thread
	err := s.pool.QueryRow(ctx, `
		SELECT thread_id, remote_thread_id, inbox_id, subject, participants,
		       latest_at, unread, starred, is_spam, is_promotional, created_at, updated_at
		FROM threads WHERE remote_thread_id = $1`, remoteThreadID,
	).Scan(&t.ThreadID, &t.RemoteThreadID, &t.InboxID, &t.Subject, &t.Participants,
		&t.LatestAt, &t.Unread, &t.Starred, &t.IsSpam, &t.IsPromotional, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", remoteThreadID, err)
	}
	return &t, nil
}

// ThreadExists reports whether remoteThreadID is already persisted, the
// orchestrator's skip check before emitting a work row.
func (s *Store) ThreadExists(ctx context.Context, remoteThreadID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM threads WHERE remote_thread_id = $1)`, remoteThreadID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check thread existence for %s: %w", remoteThreadID, err)
	}
	return exists, nil
}

// GetThread loads a thread by its internal ID.
func (s *Store) GetThread(ctx context.Context, threadID uuid.UUID) (*model.Thread, error) {
	var t model.Thread
	err := s.pool.QueryRow(ctx, `
		SELECT thread_id, remote_thread_id, inbox_id, subject, participants,
		       latest_at, unread, starred, is_spam, is_promotional, created_at, updated_at
		FROM threads WHERE thread_id = $1`, threadID,
	).Scan(&t.ThreadID, &t.RemoteThreadID, &t.InboxID, &t.Subject, &t.Participants,
		&t.LatestAt, &t.Unread, &t.Starred, &t.IsSpam, &t.IsPromotional, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}
	return &t, nil
}

// MarkSpamVerdict records the classifier's verdict on a thread. A thread
// flagged either way is excluded from extraction candidate selection.
func (s *Store) MarkSpamVerdict(ctx context.Context, threadID uuid.UUID, isSpam, isPromotional bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE threads SET is_spam = $1, is_promotional = $2, updated_at = now() WHERE thread_id = $3`,
		isSpam, isPromotional, threadID)
	if err != nil {
		return fmt.Errorf("failed to record spam verdict on thread %s: %w", threadID, err)
	}
	return nil
}
