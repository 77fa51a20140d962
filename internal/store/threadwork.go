package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nova-labs/inbox-sync/internal/model"
)

// UpsertQueued performs the orchestrator's idempotent insert keyed on
// (config_id, remote_thread_id). On conflict it resets queued_at, forces
// status back to queued, and keeps the incoming grant_id only when it is
// non-empty. A re-queue must never overwrite a good credential with a
// blank one.
func (s *Store) UpsertQueued(ctx context.Context, configID uuid.UUID, remoteThreadID, grantID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO thread_work (config_id, remote_thread_id, grant_id, status, queued_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (config_id, remote_thread_id) DO UPDATE SET
			status = $4,
			queued_at = now(),
			grant_id = CASE WHEN $3 <> '' THEN $3 ELSE thread_work.grant_id END,
			pgmq_queued_at = NULL
	`, configID, remoteThreadID, grantID, model.WorkQueued)
	if err != nil {
		return fmt.Errorf("failed to upsert work row (%s, %s): %w", configID, remoteThreadID, err)
	}
	return nil
}

// StampPgmqQueued records that a work row has been published to
// thread_sync_jobs.
func (s *Store) StampPgmqQueued(ctx context.Context, configID uuid.UUID, remoteThreadID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE thread_work SET pgmq_queued_at = now()
		WHERE config_id = $1 AND remote_thread_id = $2`, configID, remoteThreadID)
	if err != nil {
		return fmt.Errorf("failed to stamp pgmq_queued_at for (%s, %s): %w", configID, remoteThreadID, err)
	}
	return nil
}

// ListQueued returns every queued work row for a configuration, used for
// the bulk publish-to-thread_sync_jobs step after the backfill-to-
// thread_sync transition.
func (s *Store) ListQueued(ctx context.Context, configID uuid.UUID) ([]model.ThreadWork, error) {
	return s.queryWorkRows(ctx, `
		SELECT config_id, remote_thread_id, grant_id, status, messages_synced,
		       queued_at, started_at, processed_at, pgmq_queued_at
		FROM thread_work WHERE config_id = $1 AND status = $2`, configID, model.WorkQueued)
}

// ListUnpublished returns queued work rows with no pgmq_queued_at across
// all configurations, bounded by limit. This is the startup-sweep query
// that reconciles orchestrator crashes between row insertion and queue
// publication.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]model.ThreadWork, error) {
	return s.queryWorkRows(ctx, `
		SELECT config_id, remote_thread_id, grant_id, status, messages_synced,
		       queued_at, started_at, processed_at, pgmq_queued_at
		FROM thread_work
		WHERE status = $1 AND pgmq_queued_at IS NULL
		LIMIT $2`, model.WorkQueued, limit)
}

func (s *Store) queryWorkRows(ctx context.Context, query string, args ...any) ([]model.ThreadWork, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query work rows: %w", err)
	}
	defer rows.Close()

	var out []model.ThreadWork
	for rows.Next() {
		var w model.ThreadWork
		if err := rows.Scan(&w.ConfigID, &w.RemoteThreadID, &w.GrantID, &w.Status, &w.MessagesSynced,
			&w.QueuedAt, &w.StartedAt, &w.ProcessedAt, &w.PgmqQueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan work row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkProcessing transitions queued → processing, stamping started_at on
// the first claim only. A row already in processing is re-claimable: a
// redelivered message means the prior attempt died or failed transiently,
// and the retry is the same logical work. claimed is false for rows that
// already terminated, so a late redelivery of finished work is a no-op;
// firstClaim distinguishes the queued → processing edge so the caller can
// move the stats counter exactly once per row.
func (s *Store) MarkProcessing(ctx context.Context, configID uuid.UUID, remoteThreadID string) (claimed, firstClaim bool, err error) {
	var prev model.WorkStatus
	err = s.pool.QueryRow(ctx, `
		UPDATE thread_work tw SET status = $1, started_at = COALESCE(tw.started_at, now())
		FROM (
			SELECT config_id, remote_thread_id, status FROM thread_work
			WHERE config_id = $2 AND remote_thread_id = $3 FOR UPDATE
		) prev
		WHERE tw.config_id = prev.config_id AND tw.remote_thread_id = prev.remote_thread_id
		  AND tw.status = ANY($4)
		RETURNING prev.status`,
		model.WorkProcessing, configID, remoteThreadID,
		[]model.WorkStatus{model.WorkQueued, model.WorkProcessing},
	).Scan(&prev)
	if err != nil {
		if errors.Is(err, errNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to mark (%s, %s) processing: %w", configID, remoteThreadID, err)
	}
	return true, prev == model.WorkQueued, nil
}

// MarkCompleted transitions to completed, recording messages_synced and
// processed_at.
func (s *Store) MarkCompleted(ctx context.Context, configID uuid.UUID, remoteThreadID string, messagesSynced int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE thread_work SET status = $1, messages_synced = $2, processed_at = now()
		WHERE config_id = $3 AND remote_thread_id = $4`,
		model.WorkCompleted, messagesSynced, configID, remoteThreadID)
	if err != nil {
		return fmt.Errorf("failed to mark (%s, %s) completed: %w", configID, remoteThreadID, err)
	}
	return nil
}

// MarkThreadWorkFailed transitions a work row to failed.
func (s *Store) MarkThreadWorkFailed(ctx context.Context, configID uuid.UUID, remoteThreadID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE thread_work SET status = $1, processed_at = now()
		WHERE config_id = $2 AND remote_thread_id = $3`,
		model.WorkFailed, configID, remoteThreadID)
	if err != nil {
		return fmt.Errorf("failed to mark (%s, %s) failed: %w", configID, remoteThreadID, err)
	}
	return nil
}

// CountByStatus returns the count of work rows in status for a
// configuration (used by the premature-completion recovery scan; the
// monitor's grouped derivation runs its own query in
// RecomputeFromWorkRows).
func (s *Store) CountByStatus(ctx context.Context, configID uuid.UUID, status model.WorkStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM thread_work WHERE config_id = $1 AND status = $2`,
		configID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count work rows for %s in %s: %w", configID, status, err)
	}
	return n, nil
}
