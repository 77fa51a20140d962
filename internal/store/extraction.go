package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nova-labs/inbox-sync/internal/model"
)

const uniqueViolation = "23505"

// EnqueueExtraction inserts the tracking row the enqueuer creates before
// publishing an ExtractionJob. It swallows a unique-violation on thread_id
// rather than erroring: two enqueue passes may race for the same thread,
// and the second insert is a successful skip, not a failure.
func (s *Store) EnqueueExtraction(ctx context.Context, threadID, inboxID, tenantID uuid.UUID, priority int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO extraction_queue (thread_id, inbox_id, tenant_id, priority, status)
		VALUES ($1, $2, $3, $4, $5)`,
		threadID, inboxID, tenantID, priority, model.ExtractionQueued)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil
		}
		return fmt.Errorf("failed to enqueue extraction for thread %s: %w", threadID, err)
	}
	return nil
}

// SetExtractionStatus transitions the extraction_queue row's status.
func (s *Store) SetExtractionStatus(ctx context.Context, threadID uuid.UUID, status model.ExtractionStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE extraction_queue SET status = $1, updated_at = now() WHERE thread_id = $2`,
		status, threadID)
	if err != nil {
		return fmt.Errorf("failed to set extraction status for thread %s: %w", threadID, err)
	}
	return nil
}

// NextExtractionVersion returns the version number the extraction worker
// should write next for a thread: 1 plus the highest existing version, or 1
// if none exist.
func (s *Store) NextExtractionVersion(ctx context.Context, threadID uuid.UUID) (int, error) {
	var maxVersion int
	err := s.pool.QueryRow(ctx, `
		SELECT coalesce(max(extraction_version), 0) FROM extraction_records WHERE thread_id = $1`,
		threadID).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to read extraction version for thread %s: %w", threadID, err)
	}
	return maxVersion + 1, nil
}

// SaveExtractionRecord persists one structured extraction result together
// with its entity rows, keyed on (thread_id, extraction_version) so a
// re-extraction never overwrites prior history.
func (s *Store) SaveExtractionRecord(ctx context.Context, rec model.ExtractionRecord) error {
	scores, err := json.Marshal(rec.Scores)
	if err != nil {
		return fmt.Errorf("failed to marshal extraction scores: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin extraction transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO extraction_records (
			thread_id, extraction_version, summary, intent, urgency, sentiment,
			needs_reply, actionability, scores, tags, tasks, risks, keywords,
			entities, participants, project_tag, message_type, is_reply,
			is_forward, reading_time_sec
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		rec.ThreadID, rec.ExtractionVersion, rec.Summary, rec.Intent, rec.Urgency, rec.Sentiment,
		rec.NeedsReply, rec.Actionability, scores, rec.Tags, rec.Tasks, rec.Risks, rec.Keywords,
		rec.Entities, rec.Participants, rec.ProjectTag, rec.MessageType, rec.IsReply,
		rec.IsForward, rec.ReadingTimeSec,
	)
	if err != nil {
		return fmt.Errorf("failed to insert extraction record for thread %s: %w", rec.ThreadID, err)
	}

	for _, e := range rec.Entities {
		_, err = tx.Exec(ctx, `
			INSERT INTO extraction_entities (thread_id, entity, kind)
			VALUES ($1, $2, '')
			ON CONFLICT (thread_id, entity) DO NOTHING`, rec.ThreadID, e)
		if err != nil {
			return fmt.Errorf("failed to insert extraction entity %q for thread %s: %w", e, rec.ThreadID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit extraction record for thread %s: %w", rec.ThreadID, err)
	}
	return nil
}

// ExtractionInFlight reports whether a thread already has an
// extraction_queue row in a non-terminal status, the enqueuer's
// duplicate-publish guard.
func (s *Store) ExtractionInFlight(ctx context.Context, threadID uuid.UUID) (bool, error) {
	var inFlight bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM extraction_queue
			WHERE thread_id = $1 AND status = ANY($2)
		)`, threadID,
		[]model.ExtractionStatus{model.ExtractionQueued, model.ExtractionProcessing, model.ExtractionRetrying},
	).Scan(&inFlight)
	if err != nil {
		return false, fmt.Errorf("failed to check extraction queue for thread %s: %w", threadID, err)
	}
	return inFlight, nil
}

// ListExtractionCandidates returns threads that have at least one message
// but no extraction record yet, skipping threads already flagged spam or
// promotional. The limit bounds one enqueuer pass.
func (s *Store) ListExtractionCandidates(ctx context.Context, limit int) ([]model.Thread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.thread_id, t.remote_thread_id, t.inbox_id, t.subject, t.participants,
		       t.latest_at, t.unread, t.starred, t.is_spam, t.is_promotional, t.created_at, t.updated_at
		FROM threads t
		WHERE NOT t.is_spam AND NOT t.is_promotional
		  AND EXISTS (SELECT 1 FROM messages m WHERE m.thread_id = t.thread_id)
		  AND NOT EXISTS (SELECT 1 FROM extraction_records r WHERE r.thread_id = t.thread_id)
		ORDER BY t.latest_at DESC NULLS LAST
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list extraction candidates: %w", err)
	}
	defer rows.Close()

	var out []model.Thread
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ThreadID, &t.RemoteThreadID, &t.InboxID, &t.Subject, &t.Participants,
			&t.LatestAt, &t.Unread, &t.Starred, &t.IsSpam, &t.IsPromotional, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan extraction candidate: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

