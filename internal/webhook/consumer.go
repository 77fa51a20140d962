// Package webhook implements the webhook notification consumer: it routes
// provider push notifications to the thread-sync upsert path, records an
// audit row per notification, and tolerates redelivery.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/model"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inbox_sync_webhook_notifications_total",
	Help: "Total webhook notifications processed, by type and outcome.",
}, []string{"type", "outcome"})

// ErrPermanent wraps payload errors no redelivery can fix, e.g. a
// message-bearing notification with no extractable message id.
var ErrPermanent = errors.New("permanent notification error")

// Store is the persistence surface the webhook consumer depends on.
type Store interface {
	RecordNotificationOutcome(ctx context.Context, n model.WebhookNotification, status model.NotificationStatus, cause error) error
	NotificationAlreadyProcessed(ctx context.Context, notificationID uuid.UUID) (bool, error)
	MarkAuthExpired(ctx context.Context, inboxID uuid.UUID) error
}

// Syncer is the thread-sync surface the consumer delegates per-message and
// per-thread upserts to, so a webhook never duplicates fetch/persist logic.
type Syncer interface {
	UpsertMessageByRemoteID(ctx context.Context, grantID string, inboxID uuid.UUID, remoteThreadID, remoteMessageID string) error
	UpsertThreadMetadata(ctx context.Context, grantID string, inboxID uuid.UUID, remoteThreadID string) error
}

// Config holds the consumer's tunables.
type Config struct {
	TestingMode bool
}

// Consumer routes one webhook_notifications payload to its handler.
type Consumer struct {
	store  Store
	syncer Syncer
	cfg    Config
	logger zerolog.Logger
}

// New builds a Consumer.
func New(store Store, syncer Syncer, cfg Config, logger zerolog.Logger) *Consumer {
	return &Consumer{store: store, syncer: syncer, cfg: cfg, logger: logger.With().Str("component", "webhook").Logger()}
}

// messageIDEnvelope covers the provider's varying payload shapes for a
// message-bearing notification. The fallback order is fixed:
// payload.data.object.id, then payload.data.id, then payload.object.id,
// then payload.id.
type messageIDEnvelope struct {
	Data *struct {
		Object *struct {
			ID string `json:"id"`
		} `json:"object"`
		ID string `json:"id"`
	} `json:"data"`
	Object *struct {
		ID string `json:"id"`
	} `json:"object"`
	ID string `json:"id"`
}

func extractMessageID(payload json.RawMessage) string {
	var env messageIDEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	if env.Data != nil {
		if env.Data.Object != nil && env.Data.Object.ID != "" {
			return env.Data.Object.ID
		}
		if env.Data.ID != "" {
			return env.Data.ID
		}
	}
	if env.Object != nil && env.Object.ID != "" {
		return env.Object.ID
	}
	return env.ID
}

// threadPayload covers thread.replied's shape, where the thread ID sits
// directly under data.
type threadPayload struct {
	Data struct {
		ThreadID string `json:"thread_id"`
		ID       string `json:"id"`
	} `json:"data"`
}

func extractThreadID(payload json.RawMessage) string {
	var p threadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	if p.Data.ThreadID != "" {
		return p.Data.ThreadID
	}
	return p.Data.ID
}

// Process handles one notification. Errors are returned for the caller to
// decide redelivery; ProcessExhausted should be called instead once retries
// are exhausted, to close out the audit row.
func (c *Consumer) Process(ctx context.Context, n model.WebhookNotification) error {
	logger := c.logger.With().Str("notification_id", n.NotificationID.String()).Str("type", n.NotificationType).Logger()

	alreadyDone, err := c.store.NotificationAlreadyProcessed(ctx, n.NotificationID)
	if err != nil {
		return err
	}
	if alreadyDone {
		logger.Info().Msg("notification already processed, skipping")
		return nil
	}

	procErr := c.dispatch(ctx, n)
	if procErr != nil {
		if errors.Is(procErr, ErrPermanent) {
			// Retrying cannot help; close out the audit row and let the
			// caller delete the message.
			notificationsTotal.WithLabelValues(n.NotificationType, "permanent_error").Inc()
			logger.Error().Err(procErr).Msg("notification permanently unprocessable")
			return c.store.RecordNotificationOutcome(ctx, n, model.NotificationError, procErr)
		}
		notificationsTotal.WithLabelValues(n.NotificationType, "error").Inc()
		return procErr
	}

	if err := c.store.RecordNotificationOutcome(ctx, n, model.NotificationProcessed, nil); err != nil {
		return err
	}
	notificationsTotal.WithLabelValues(n.NotificationType, "processed").Inc()
	return nil
}

// ProcessExhausted records a notification as permanently failed once the
// queue's max-delivery count has been hit, instead of letting it redeliver
// forever.
func (c *Consumer) ProcessExhausted(ctx context.Context, n model.WebhookNotification, cause error) error {
	notificationsTotal.WithLabelValues(n.NotificationType, "exhausted").Inc()
	return c.store.RecordNotificationOutcome(ctx, n, model.NotificationError, cause)
}

func (c *Consumer) dispatch(ctx context.Context, n model.WebhookNotification) error {
	switch n.NotificationType {
	case "message.created", "message.updated":
		threadID := extractThreadID(n.Payload)
		messageID := extractMessageID(n.Payload)
		if messageID == "" {
			return fmt.Errorf("%w: notification %s has no extractable message id", ErrPermanent, n.NotificationID)
		}
		if threadID == "" {
			threadID = messageID
		}
		return c.syncer.UpsertMessageByRemoteID(ctx, n.GrantID, n.InboxID, threadID, messageID)

	case "thread.replied":
		threadID := extractThreadID(n.Payload)
		if threadID == "" {
			return fmt.Errorf("%w: notification %s has no extractable thread id", ErrPermanent, n.NotificationID)
		}
		return c.syncer.UpsertThreadMetadata(ctx, n.GrantID, n.InboxID, threadID)

	case "grant.expired":
		return c.store.MarkAuthExpired(ctx, n.InboxID)

	default:
		c.logger.Info().Str("type", n.NotificationType).Msg("unrecognized notification type, acknowledging without action")
		return nil
	}
}
