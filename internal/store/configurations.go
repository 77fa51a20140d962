package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nova-labs/inbox-sync/internal/model"
)

// GetConfiguration loads a configuration row.
func (s *Store) GetConfiguration(ctx context.Context, configID uuid.UUID) (*model.Configuration, error) {
	var (
		c        model.Configuration
		checkpointJSON []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT config_id, inbox_id, status, checkpoint, started_at, completed_at, created_at, updated_at
		FROM configurations WHERE config_id = $1`, configID,
	).Scan(&c.ConfigID, &c.InboxID, &c.Status, &checkpointJSON, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration %s: %w", configID, err)
	}

	if err := json.Unmarshal(checkpointJSON, &c.Checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint for %s: %w", configID, err)
	}

	return &c, nil
}

// SetStatus transitions a configuration's status.
func (s *Store) SetStatus(ctx context.Context, configID uuid.UUID, status model.ConfigStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE configurations SET status = $1, updated_at = now() WHERE config_id = $2`,
		status, configID)
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", configID, err)
	}
	return nil
}

// StampStarted sets started_at if it is not already set (first backfill
// attempt only; a restart after failure does not reset it).
func (s *Store) StampStarted(ctx context.Context, configID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE configurations SET started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE config_id = $1`, configID)
	if err != nil {
		return fmt.Errorf("failed to stamp started_at for %s: %w", configID, err)
	}
	return nil
}

// SaveCheckpoint persists the checkpoint blob. Callers only ever advance
// current_page; it resets when the checkpoint is cleared on completion.
func (s *Store) SaveCheckpoint(ctx context.Context, configID uuid.UUID, checkpoint model.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE configurations SET checkpoint = $1, updated_at = now() WHERE config_id = $2`,
		data, configID)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", configID, err)
	}
	return nil
}

// MarkFailed records the error on the checkpoint blob and transitions to
// failed, preserving the rest of the checkpoint so a restart resumes from
// where the run died.
func (s *Store) MarkFailed(ctx context.Context, configID uuid.UUID, cause error) error {
	cfg, err := s.GetConfiguration(ctx, configID)
	if err != nil {
		return err
	}

	cfg.Checkpoint.LastError = cause.Error()
	cfg.Checkpoint.FailedAt = time.Now()

	if err := s.SaveCheckpoint(ctx, configID, cfg.Checkpoint); err != nil {
		return err
	}
	return s.SetStatus(ctx, configID, model.ConfigFailed)
}

// MarkConfigCompleted transitions to completed, stamps completed_at, and
// clears the checkpoint.
func (s *Store) MarkConfigCompleted(ctx context.Context, configID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE configurations
		SET status = $1, completed_at = now(), checkpoint = '{}'::jsonb, updated_at = now()
		WHERE config_id = $2`, model.ConfigCompleted, configID)
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", configID, err)
	}
	return nil
}

// RevertPrematureCompletion reverts a configuration from completed back to
// thread_sync and clears sync_completed_at.
func (s *Store) RevertPrematureCompletion(ctx context.Context, configID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE configurations SET status = $1, updated_at = now() WHERE config_id = $2`,
		model.ConfigThreadSync, configID)
	if err != nil {
		return fmt.Errorf("failed to revert premature completion for %s: %w", configID, err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE sync_stats SET sync_completed_at = NULL WHERE config_id = $1`, configID)
	if err != nil {
		return fmt.Errorf("failed to clear sync_completed_at for %s: %w", configID, err)
	}
	return nil
}

// ListByStatus returns configuration IDs with the given status, used by the
// completion monitor to find candidates for recomputation or recovery.
func (s *Store) ListByStatus(ctx context.Context, statuses ...model.ConfigStatus) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT config_id FROM configurations WHERE status = ANY($1)`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations by status: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPrematurelyCompleted returns configurations in status=completed with
// started_at set, the recovery scan's candidate set. Configurations that
// never started a sync are not candidates.
func (s *Store) ListPrematurelyCompleted(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT config_id FROM configurations
		WHERE status = $1 AND started_at IS NOT NULL`, model.ConfigCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed configurations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var errNoRows = pgx.ErrNoRows
