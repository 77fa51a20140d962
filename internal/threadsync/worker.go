// Package threadsync implements the thread-sync worker: for one remote
// thread, fetch its metadata and messages and upsert them, then close the
// work row. It also exposes the single per-message upsert path that the
// webhook consumer delegates to for message.created/message.updated
// events, so fetch/persist logic exists in exactly one place.
package threadsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/provider"
)

var (
	messagesSyncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_sync_threadsync_messages_synced_total",
		Help: "Total messages persisted by the thread-sync worker.",
	})
	threadsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_sync_threadsync_threads_total",
		Help: "Total threads processed by the thread-sync worker, by outcome.",
	}, []string{"outcome"})
)

// ErrPermanent wraps failures no redelivery can fix; the consumer loop
// deletes the queue message instead of letting it retry.
var ErrPermanent = errors.New("permanent thread-sync failure")

// Store is the persistence surface the thread-sync worker depends on.
type Store interface {
	MarkProcessing(ctx context.Context, configID uuid.UUID, remoteThreadID string) (claimed, firstClaim bool, err error)
	MarkCompleted(ctx context.Context, configID uuid.UUID, remoteThreadID string, messagesSynced int) error
	MarkThreadWorkFailed(ctx context.Context, configID uuid.UUID, remoteThreadID string) error
	MoveQueuedToProcessing(ctx context.Context, configID uuid.UUID) error
	MoveProcessingToCompleted(ctx context.Context, configID uuid.UUID, messagesSynced int) error
	MoveProcessingToFailed(ctx context.Context, configID uuid.UUID) error
	GetInbox(ctx context.Context, inboxID uuid.UUID) (*model.Inbox, error)
	UpsertThread(ctx context.Context, t model.Thread) (uuid.UUID, error)
	GetThreadByRemoteID(ctx context.Context, remoteThreadID string) (*model.Thread, error)
	UpsertMessage(ctx context.Context, m model.Message) (uuid.UUID, error)
	MessageExists(ctx context.Context, remoteMessageID string) (bool, error)
}

// Provider is the subset of provider.Client the thread-sync worker and the
// webhook consumer's shared message-upsert path call.
type Provider interface {
	FindThread(ctx context.Context, grant, threadID string) (provider.Thread, error)
	ListMessages(ctx context.Context, grant string, params provider.ListMessagesParams) ([]provider.Message, error)
	FindMessage(ctx context.Context, grant, messageID string) (provider.Message, error)
}

// Delays holds the worker's advisory inter-call pacing, used to spread
// load on the provider.
type Delays struct {
	APIDelay     time.Duration
	MessageDelay time.Duration
}

// Config holds the worker's tunables.
type Config struct {
	ThreadMessageCap int
	Delays           Delays
}

func (c Config) withDefaults() Config {
	if c.ThreadMessageCap <= 0 {
		c.ThreadMessageCap = 100
	}
	return c
}

// Worker persists one thread and all of its messages per job.
type Worker struct {
	store    Store
	provider Provider
	cfg      Config
	logger   zerolog.Logger
}

// New builds a Worker.
func New(store Store, prov Provider, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		provider: prov,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "threadsync").Logger(),
	}
}

// ProcessJob syncs one thread end to end: resolve the credential, claim the
// work row, fetch thread and messages, upsert them, and close the row.
func (w *Worker) ProcessJob(ctx context.Context, job model.ThreadSyncJob) error {
	logger := w.logger.With().Str("config_id", job.ConfigID.String()).Str("thread_id", job.RemoteThreadID).Logger()

	grantID := job.GrantID
	if grantID == "" {
		inbox, err := w.store.GetInbox(ctx, job.InboxID)
		if err != nil {
			return fmt.Errorf("failed to resolve grant for job: %w", err)
		}
		grantID = inbox.GrantID
	}
	if grantID == "" {
		threadsCompletedTotal.WithLabelValues("no_credential").Inc()
		if err := w.store.MarkThreadWorkFailed(ctx, job.ConfigID, job.RemoteThreadID); err != nil {
			return err
		}
		return fmt.Errorf("%w: no grant_id available for thread %s", ErrPermanent, job.RemoteThreadID)
	}

	claimed, firstClaim, err := w.store.MarkProcessing(ctx, job.ConfigID, job.RemoteThreadID)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Info().Msg("work row already terminated, skipping")
		return nil
	}
	if firstClaim {
		if err := w.store.MoveQueuedToProcessing(ctx, job.ConfigID); err != nil {
			return err
		}
	}

	remoteThread, err := w.provider.FindThread(ctx, grantID, job.RemoteThreadID)
	w.pace(w.cfg.Delays.APIDelay)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return w.closeThread(ctx, job, 0, logger)
		}
		// Transient: the row stays in processing and the redelivered
		// message re-claims it.
		threadsCompletedTotal.WithLabelValues("thread_fetch_failed").Inc()
		return fmt.Errorf("failed to fetch thread %s: %w", job.RemoteThreadID, err)
	}

	localThreadID, err := w.store.UpsertThread(ctx, model.Thread{
		RemoteThreadID: remoteThread.ID,
		InboxID:        job.InboxID,
		Subject:        remoteThread.Subject,
		Participants:   remoteThread.Participants,
		LatestAt:       remoteThread.LatestAt,
		Unread:         remoteThread.Unread,
		Starred:        remoteThread.Starred,
	})
	if err != nil {
		threadsCompletedTotal.WithLabelValues("thread_upsert_failed").Inc()
		return err
	}

	messages, err := w.provider.ListMessages(ctx, grantID, provider.ListMessagesParams{
		ThreadID: job.RemoteThreadID, Limit: w.cfg.ThreadMessageCap,
	})
	w.pace(w.cfg.Delays.APIDelay)
	if err != nil {
		threadsCompletedTotal.WithLabelValues("messages_fetch_failed").Inc()
		return fmt.Errorf("failed to list messages for thread %s: %w", job.RemoteThreadID, err)
	}

	for i, m := range messages {
		if i > 0 {
			w.pace(w.cfg.Delays.MessageDelay)
		}
		if _, err := w.store.UpsertMessage(ctx, model.Message{
			RemoteMessageID: m.ID,
			ThreadID:        localThreadID,
			Sender:          m.From,
			Snippet:         m.Snippet,
			SentAt:          m.SentAt,
		}); err != nil {
			// An individual message failure never aborts the thread.
			logger.Warn().Err(err).Str("message_id", m.ID).Msg("failed to upsert message")
			continue
		}
	}

	return w.closeThread(ctx, job, len(messages), logger)
}

func (w *Worker) closeThread(ctx context.Context, job model.ThreadSyncJob, messagesSynced int, logger zerolog.Logger) error {
	if err := w.store.MarkCompleted(ctx, job.ConfigID, job.RemoteThreadID, messagesSynced); err != nil {
		return err
	}
	if err := w.store.MoveProcessingToCompleted(ctx, job.ConfigID, messagesSynced); err != nil {
		return err
	}
	messagesSyncedTotal.Add(float64(messagesSynced))
	threadsCompletedTotal.WithLabelValues("completed").Inc()
	logger.Info().Int("messages_synced", messagesSynced).Msg("thread sync completed")
	return nil
}

// HandleExhausted marks the work row failed once the queue's max-delivery
// count is reached, moving the stats counter with it. Any residual counter
// drift is squared away by the completion monitor's next recompute pass.
func (w *Worker) HandleExhausted(ctx context.Context, job model.ThreadSyncJob, cause error) error {
	threadsCompletedTotal.WithLabelValues("exhausted").Inc()
	w.logger.Error().Err(cause).Str("config_id", job.ConfigID.String()).Str("thread_id", job.RemoteThreadID).
		Msg("thread sync retries exhausted, marking work row failed")
	if err := w.store.MarkThreadWorkFailed(ctx, job.ConfigID, job.RemoteThreadID); err != nil {
		return err
	}
	return w.store.MoveProcessingToFailed(ctx, job.ConfigID)
}

func (w *Worker) pace(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// UpsertMessageByRemoteID fetches and persists a single message by its
// remote ID, resolving (and if necessary creating) its parent thread row
// first. This is the shared per-message upsert path the webhook consumer
// delegates to for message.created/message.updated: a message on a thread
// the store has never seen implicitly pulls the thread in too.
func (w *Worker) UpsertMessageByRemoteID(ctx context.Context, grantID string, inboxID uuid.UUID, remoteThreadID, remoteMessageID string) error {
	exists, err := w.store.MessageExists(ctx, remoteMessageID)
	if err != nil {
		return err
	}
	if exists {
		w.logger.Info().Str("message_id", remoteMessageID).Msg("message already exists, skipping")
		return nil
	}

	msg, err := w.provider.FindMessage(ctx, grantID, remoteMessageID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			w.logger.Info().Str("message_id", remoteMessageID).Msg("message not found on provider, skipping")
			return nil
		}
		return fmt.Errorf("failed to fetch message %s: %w", remoteMessageID, err)
	}

	thread, err := w.store.GetThreadByRemoteID(ctx, remoteThreadID)
	if err != nil {
		remoteThread, ferr := w.provider.FindThread(ctx, grantID, remoteThreadID)
		if ferr != nil {
			if errors.Is(ferr, provider.ErrNotFound) {
				w.logger.Info().Str("thread_id", remoteThreadID).Msg("parent thread not found, skipping message")
				return nil
			}
			return fmt.Errorf("failed to fetch parent thread %s: %w", remoteThreadID, ferr)
		}
		localThreadID, uerr := w.store.UpsertThread(ctx, model.Thread{
			RemoteThreadID: remoteThread.ID,
			InboxID:        inboxID,
			Subject:        remoteThread.Subject,
			Participants:   remoteThread.Participants,
			LatestAt:       remoteThread.LatestAt,
			Unread:         remoteThread.Unread,
			Starred:        remoteThread.Starred,
		})
		if uerr != nil {
			return uerr
		}
		_, err = w.store.UpsertMessage(ctx, model.Message{
			RemoteMessageID: msg.ID, ThreadID: localThreadID,
			Sender: msg.From, Snippet: msg.Snippet, SentAt: msg.SentAt,
		})
		return err
	}

	_, err = w.store.UpsertMessage(ctx, model.Message{
		RemoteMessageID: msg.ID, ThreadID: thread.ThreadID,
		Sender: msg.From, Snippet: msg.Snippet, SentAt: msg.SentAt,
	})
	return err
}

// UpsertThreadMetadata fetches and persists just a thread's metadata, the
// thread.replied handler's path.
func (w *Worker) UpsertThreadMetadata(ctx context.Context, grantID string, inboxID uuid.UUID, remoteThreadID string) error {
	remoteThread, err := w.provider.FindThread(ctx, grantID, remoteThreadID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to fetch thread %s: %w", remoteThreadID, err)
	}
	_, err = w.store.UpsertThread(ctx, model.Thread{
		RemoteThreadID: remoteThread.ID,
		InboxID:        inboxID,
		Subject:        remoteThread.Subject,
		Participants:   remoteThread.Participants,
		LatestAt:       remoteThread.LatestAt,
		Unread:         remoteThread.Unread,
		Starred:        remoteThread.Starred,
	})
	return err
}
