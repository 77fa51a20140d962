package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nova-labs/inbox-sync/internal/model"
)

// UpsertMessage idempotently inserts a message keyed on its remote ID. A
// thread-sync retry after a crash re-fetches the same page of messages, so
// this must be safe to call twice for the same remote_message_id.
func (s *Store) UpsertMessage(ctx context.Context, m model.Message) (uuid.UUID, error) {
	if m.MessageID == uuid.Nil {
		m.MessageID = uuid.New()
	}

	var messageID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (message_id, remote_message_id, thread_id, sender, snippet, sent_at, extraction_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (remote_message_id) DO UPDATE SET sender = $4, snippet = $5, sent_at = $6
		RETURNING message_id`,
		m.MessageID, m.RemoteMessageID, m.ThreadID, m.Sender, m.Snippet, m.SentAt, model.ExtractionQueued,
	).Scan(&messageID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert message %s: %w", m.RemoteMessageID, err)
	}
	return messageID, nil
}

// MessageExists reports whether remoteMessageID is already persisted,
// letting a replayed webhook skip the provider fetch entirely.
func (s *Store) MessageExists(ctx context.Context, remoteMessageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM messages WHERE remote_message_id = $1)`, remoteMessageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence for %s: %w", remoteMessageID, err)
	}
	return exists, nil
}

// MarkThreadMessagesExtracted flips every message in a thread to
// extraction_status=completed, the extraction worker's last step.
func (s *Store) MarkThreadMessagesExtracted(ctx context.Context, threadID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET extraction_status = $1 WHERE thread_id = $2`,
		model.ExtractionCompleted, threadID)
	if err != nil {
		return fmt.Errorf("failed to mark messages extracted for thread %s: %w", threadID, err)
	}
	return nil
}

// ListChronological returns a thread's messages ordered by sent_at, the
// order the extraction worker composes its transcript in.
func (s *Store) ListChronological(ctx context.Context, threadID uuid.UUID) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, remote_message_id, thread_id, sender, snippet, sent_at, extraction_status, created_at
		FROM messages WHERE thread_id = $1 ORDER BY sent_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.MessageID, &m.RemoteMessageID, &m.ThreadID, &m.Sender, &m.Snippet,
			&m.SentAt, &m.ExtractionStatus, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
