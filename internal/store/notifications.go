package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nova-labs/inbox-sync/internal/model"
)

// RecordNotificationOutcome upserts the audit row for a webhook
// notification. The webhook consumer calls this once it has processed a
// notification successfully, hit a permanent payload error, or exhausted
// its retries, so
// replays of the same notification_id simply refresh the row rather than
// erroring.
func (s *Store) RecordNotificationOutcome(ctx context.Context, n model.WebhookNotification, status model.NotificationStatus, cause error) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	receivedAt := n.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_notification_log
			(notification_id, webhook_id, inbox_id, notification_type, status, error, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (notification_id) DO UPDATE SET
			status = $5, error = $6, processed_at = now()`,
		n.NotificationID, n.WebhookID, n.InboxID, n.NotificationType, status, errMsg, receivedAt)
	if err != nil {
		return fmt.Errorf("failed to record notification outcome for %s: %w", n.NotificationID, err)
	}
	return nil
}

// NotificationAlreadyProcessed reports whether a notification_id has
// already been recorded as processed, making a redelivered notification a
// cheap no-op.
func (s *Store) NotificationAlreadyProcessed(ctx context.Context, notificationID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_notification_log WHERE notification_id = $1 AND status = $2)`,
		notificationID, model.NotificationProcessed).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check notification log for %s: %w", notificationID, err)
	}
	return exists, nil
}
