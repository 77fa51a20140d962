package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nova-labs/inbox-sync/internal/model"
)

// InitStats creates the zeroed sync_stats row for a configuration, idempotent
// on repeated backfill restarts.
func (s *Store) InitStats(ctx context.Context, configID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_stats (config_id, sync_started_at)
		VALUES ($1, now())
		ON CONFLICT (config_id) DO NOTHING`, configID)
	if err != nil {
		return fmt.Errorf("failed to init sync_stats for %s: %w", configID, err)
	}
	return nil
}

// IncrQueued bumps threads_queued when a batch of work rows is inserted.
// threads_total is left at zero: the provider never reports a page total,
// so progress is computed over threads_queued instead.
func (s *Store) IncrQueued(ctx context.Context, configID uuid.UUID, n int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_stats SET threads_queued = threads_queued + $1
		WHERE config_id = $2`, n, configID)
	if err != nil {
		return fmt.Errorf("failed to incr queued stats for %s: %w", configID, err)
	}
	return nil
}

// MoveQueuedToProcessing records a work row starting. threads_queued is
// the monotonic "ever queued" counter and the progress denominator, not a
// live count of status='queued' rows, so it is never decremented here;
// only threads_processing moves.
func (s *Store) MoveQueuedToProcessing(ctx context.Context, configID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_stats SET threads_processing = threads_processing + 1
		WHERE config_id = $1`, configID)
	if err != nil {
		return fmt.Errorf("failed to move queued->processing stats for %s: %w", configID, err)
	}
	return nil
}

// MoveProcessingToCompleted performs the processing→completed transfer and
// adds to messages_synced and last_thread_at.
func (s *Store) MoveProcessingToCompleted(ctx context.Context, configID uuid.UUID, messagesSynced int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_stats SET
			threads_processing = GREATEST(threads_processing - 1, 0),
			threads_completed = threads_completed + 1,
			messages_synced = messages_synced + $1,
			last_thread_at = now()
		WHERE config_id = $2`, messagesSynced, configID)
	if err != nil {
		return fmt.Errorf("failed to move processing->completed stats for %s: %w", configID, err)
	}
	return nil
}

// MoveProcessingToFailed performs the processing→failed transfer.
func (s *Store) MoveProcessingToFailed(ctx context.Context, configID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_stats SET
			threads_processing = GREATEST(threads_processing - 1, 0),
			threads_failed = threads_failed + 1
		WHERE config_id = $1`, configID)
	if err != nil {
		return fmt.Errorf("failed to move processing->failed stats for %s: %w", configID, err)
	}
	return nil
}

// RecomputeFromWorkRows derives the counters directly from thread_work via
// a single grouped query, the completion monitor's periodic reconciliation
// pass against any drift accumulated from the incremental counters above.
// It returns the persisted stats plus queuedNow, the live count of rows
// still in status=queued. That is distinct from st.ThreadsQueued, the
// monotonic "ever queued" total (see MoveQueuedToProcessing): completion
// needs the total to be nonzero so an empty configuration never closes,
// and the live count to be zero so nothing is left waiting to start.
func (s *Store) RecomputeFromWorkRows(ctx context.Context, configID uuid.UUID) (st *model.SyncStats, queuedNow int, err error) {
	st = &model.SyncStats{ConfigID: configID}

	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*), coalesce(sum(messages_synced), 0)
		FROM thread_work WHERE config_id = $1 GROUP BY status`, configID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to recompute stats for %s: %w", configID, err)
	}
	defer rows.Close()

	totalRows := 0
	for rows.Next() {
		var (
			status         model.WorkStatus
			count          int
			messagesSynced int
		)
		if err := rows.Scan(&status, &count, &messagesSynced); err != nil {
			return nil, 0, fmt.Errorf("failed to scan status group for %s: %w", configID, err)
		}

		totalRows += count
		switch status {
		case model.WorkQueued:
			queuedNow = count
		case model.WorkProcessing:
			st.ThreadsProcessing = count
		case model.WorkCompleted:
			st.ThreadsCompleted = count
			st.MessagesSynced += messagesSynced
		case model.WorkFailed:
			st.ThreadsFailed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	st.ThreadsQueued = totalRows

	// threads_total is deliberately not written; see IncrQueued.
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_stats SET
			threads_queued = $1, threads_processing = $2,
			threads_completed = $3, threads_failed = $4, messages_synced = $5
		WHERE config_id = $6`,
		st.ThreadsQueued, st.ThreadsProcessing, st.ThreadsCompleted,
		st.ThreadsFailed, st.MessagesSynced, configID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to persist recomputed stats for %s: %w", configID, err)
	}

	return st, queuedNow, nil
}

// StampSyncCompleted sets sync_completed_at, which the completion monitor
// stamps just before flipping a configuration to completed.
func (s *Store) StampSyncCompleted(ctx context.Context, configID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_stats SET sync_completed_at = now() WHERE config_id = $1`, configID)
	if err != nil {
		return fmt.Errorf("failed to stamp sync_completed_at for %s: %w", configID, err)
	}
	return nil
}
