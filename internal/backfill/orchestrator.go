// Package backfill implements the backfill orchestrator: it pages a
// configuration's remote thread list into per-thread work rows, then
// bulk-publishes them to the thread-sync queue once the status transition
// to thread_sync has landed. A checkpoint is persisted after every page so
// a crash resumes mid-window instead of restarting it.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/provider"
	"github.com/nova-labs/inbox-sync/internal/queue"
	"github.com/nova-labs/inbox-sync/internal/workerloop"
)

var (
	threadsQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_sync_backfill_threads_queued_total",
		Help: "Total work rows created by the backfill orchestrator.",
	})
	pagesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_sync_backfill_pages_processed_total",
		Help: "Total remote list_threads pages consumed.",
	})
	sweepPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_sync_backfill_sweep_published_total",
		Help: "Total work rows published to thread_sync_jobs by the startup sweep.",
	})
)

// Store is the persistence surface the orchestrator depends on. It is a
// narrow slice of *store.Store's method set so tests can supply an
// in-memory fake instead of a live Postgres connection.
type Store interface {
	GetConfiguration(ctx context.Context, configID uuid.UUID) (*model.Configuration, error)
	SetStatus(ctx context.Context, configID uuid.UUID, status model.ConfigStatus) error
	StampStarted(ctx context.Context, configID uuid.UUID) error
	InitStats(ctx context.Context, configID uuid.UUID) error
	SaveCheckpoint(ctx context.Context, configID uuid.UUID, checkpoint model.Checkpoint) error
	MarkFailed(ctx context.Context, configID uuid.UUID, cause error) error
	ThreadExists(ctx context.Context, remoteThreadID string) (bool, error)
	UpsertQueued(ctx context.Context, configID uuid.UUID, remoteThreadID, grantID string) error
	IncrQueued(ctx context.Context, configID uuid.UUID, n int) error
	StampPgmqQueued(ctx context.Context, configID uuid.UUID, remoteThreadID string) error
	ListQueued(ctx context.Context, configID uuid.UUID) ([]model.ThreadWork, error)
	ListUnpublished(ctx context.Context, limit int) ([]model.ThreadWork, error)
	GetInbox(ctx context.Context, inboxID uuid.UUID) (*model.Inbox, error)
}

// Queue is the publish-only surface the orchestrator needs from the durable
// queue substrate.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload any, dedupKey string) error
}

// Provider is the subset of provider.Client the orchestrator calls.
type Provider interface {
	ListThreads(ctx context.Context, grant string, params provider.ListThreadsParams) (provider.ListThreadsResult, error)
}

// Config holds the orchestrator's tunables.
type Config struct {
	PageSize       int
	MaxRangeDays   int
	SweepBatchSize int
	SweepWorkers   int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxRangeDays <= 0 {
		c.MaxRangeDays = 365
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 200
	}
	if c.SweepWorkers <= 0 {
		c.SweepWorkers = 8
	}
	return c
}

// Orchestrator runs the per-job backfill algorithm and the startup sweep.
type Orchestrator struct {
	store    Store
	queue    Queue
	provider Provider
	logger   zerolog.Logger
	cfg      Config
}

// New builds an Orchestrator.
func New(store Store, queue Queue, prov Provider, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		queue:    queue,
		provider: prov,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "backfill").Logger(),
	}
}

// clampRange enforces the maximum backfill window by advancing startDate
// forward; it never shrinks a range that is already within bounds.
func clampRange(start, end time.Time, maxDays int) (time.Time, time.Time) {
	maxWindow := time.Duration(maxDays) * 24 * time.Hour
	if end.Sub(start) > maxWindow {
		start = end.Add(-maxWindow)
	}
	return start, end
}

// ProcessJob runs the full per-configuration backfill for one
// inbox_backfill_jobs payload. The caller owns the queue message's
// lifecycle (delete on success, let it redeliver on error).
func (o *Orchestrator) ProcessJob(ctx context.Context, job model.BackfillJob) error {
	logger := o.logger.With().Str("config_id", job.ConfigID.String()).Logger()

	start, end := clampRange(job.StartDate, job.EndDate, o.cfg.MaxRangeDays)
	if !start.Equal(job.StartDate) {
		logger.Info().Time("original_start", job.StartDate).Time("clamped_start", start).
			Msg("clamped backfill range to max window")
	}

	if err := o.store.SetStatus(ctx, job.ConfigID, model.ConfigBackfill); err != nil {
		return err
	}
	if err := o.store.StampStarted(ctx, job.ConfigID); err != nil {
		return err
	}
	if err := o.store.InitStats(ctx, job.ConfigID); err != nil {
		return err
	}

	cfg, err := o.store.GetConfiguration(ctx, job.ConfigID)
	if err != nil {
		return fmt.Errorf("failed to load configuration %s: %w", job.ConfigID, err)
	}
	checkpoint := cfg.Checkpoint

	if runErr := o.paginate(ctx, job, start, end, &checkpoint); runErr != nil {
		if markErr := o.store.MarkFailed(ctx, job.ConfigID, runErr); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to record backfill failure")
		}
		return runErr
	}

	if err := o.store.SetStatus(ctx, job.ConfigID, model.ConfigThreadSync); err != nil {
		return err
	}

	return o.publishQueued(ctx, job.ConfigID, job.InboxID)
}

// paginate drives the list_threads page loop, persisting the checkpoint
// after every page so a crash mid-run resumes from the last completed page
// rather than restarting the whole window.
func (o *Orchestrator) paginate(ctx context.Context, job model.BackfillJob, start, end time.Time, checkpoint *model.Checkpoint) error {
	seen := make(map[string]bool)
	pageToken := checkpoint.LastPageToken

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := o.provider.ListThreads(ctx, job.GrantID, provider.ListThreadsParams{
			Limit:     o.cfg.PageSize,
			AfterTS:   start,
			BeforeTS:  end,
			PageToken: pageToken,
		})
		if err != nil {
			return fmt.Errorf("failed to list threads: %w", err)
		}
		pagesProcessedTotal.Inc()

		newCount := 0
		for _, t := range page.Data {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true

			exists, err := o.store.ThreadExists(ctx, t.ID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}

			if err := o.store.UpsertQueued(ctx, job.ConfigID, t.ID, job.GrantID); err != nil {
				return err
			}
			newCount++
		}

		if newCount > 0 {
			if err := o.store.IncrQueued(ctx, job.ConfigID, newCount); err != nil {
				return err
			}
			threadsQueuedTotal.Add(float64(newCount))
		}

		checkpoint.CurrentPage++
		checkpoint.ThreadsQueued += newCount
		checkpoint.LastPageToken = page.NextCursor
		if err := o.store.SaveCheckpoint(ctx, job.ConfigID, *checkpoint); err != nil {
			return err
		}

		o.logger.Info().Str("config_id", job.ConfigID.String()).
			Int("page", checkpoint.CurrentPage).Int("new_threads", newCount).
			Msg("processed backfill page")

		if page.NextCursor == "" {
			return nil
		}
		pageToken = page.NextCursor
	}
}

// publishQueued publishes every queued work row for this configuration to
// thread_sync_jobs in one pass, after the status transition. Rows whose
// grant_id is empty resolve it from the inbox binding; a row is never
// published without a credential.
func (o *Orchestrator) publishQueued(ctx context.Context, configID, inboxID uuid.UUID) error {
	rows, err := o.store.ListQueued(ctx, configID)
	if err != nil {
		return err
	}

	var fallbackGrant string
	for _, row := range rows {
		grantID := row.GrantID
		if grantID == "" {
			if fallbackGrant == "" {
				inbox, err := o.store.GetInbox(ctx, inboxID)
				if err != nil {
					return fmt.Errorf("failed to resolve grant for %s: %w", row.RemoteThreadID, err)
				}
				fallbackGrant = inbox.GrantID
			}
			grantID = fallbackGrant
		}
		if grantID == "" {
			return fmt.Errorf("no grant_id available for work row (%s, %s)", configID, row.RemoteThreadID)
		}

		dedupKey := fmt.Sprintf("%s:%s", configID, row.RemoteThreadID)
		err := o.queue.Enqueue(ctx, queue.ThreadSyncJobs, model.ThreadSyncJob{
			RemoteThreadID: row.RemoteThreadID,
			GrantID:        grantID,
			InboxID:        inboxID,
			ConfigID:       configID,
		}, dedupKey)
		if err != nil {
			return fmt.Errorf("failed to publish work row (%s, %s): %w", configID, row.RemoteThreadID, err)
		}
		if err := o.store.StampPgmqQueued(ctx, configID, row.RemoteThreadID); err != nil {
			return err
		}
	}

	o.logger.Info().Str("config_id", configID.String()).Int("count", len(rows)).
		Msg("published queued work rows to thread_sync_jobs")
	return nil
}

// Sweep publishes any work row left with pgmq_queued_at IS NULL, the
// recovery path for a crash between row insertion and queue publication.
// Rows are taken SweepBatchSize at a time until none is left. It is safe to
// call repeatedly; StampPgmqQueued makes each row's publication idempotent.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	rows, err := o.store.ListUnpublished(ctx, o.cfg.SweepBatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	workers := o.cfg.SweepWorkers
	if workers > len(rows) {
		workers = len(rows)
	}

	err = workerloop.Run(workers, len(rows), func(i int) error {
		row := rows[i]

		cfg, err := o.store.GetConfiguration(ctx, row.ConfigID)
		if err != nil {
			return err
		}

		grantID := row.GrantID
		if grantID == "" {
			inbox, err := o.store.GetInbox(ctx, cfg.InboxID)
			if err != nil {
				return err
			}
			grantID = inbox.GrantID
		}
		if grantID == "" {
			return fmt.Errorf("no grant_id available for unpublished row (%s, %s)", row.ConfigID, row.RemoteThreadID)
		}

		dedupKey := fmt.Sprintf("%s:%s", row.ConfigID, row.RemoteThreadID)
		if err := o.queue.Enqueue(ctx, queue.ThreadSyncJobs, model.ThreadSyncJob{
			RemoteThreadID: row.RemoteThreadID,
			GrantID:        grantID,
			InboxID:        cfg.InboxID,
			ConfigID:       row.ConfigID,
		}, dedupKey); err != nil {
			return err
		}
		sweepPublishedTotal.Inc()
		return o.store.StampPgmqQueued(ctx, row.ConfigID, row.RemoteThreadID)
	})
	if err != nil {
		return err
	}

	o.logger.Info().Int("count", len(rows)).Msg("sweep published unpublished work rows")
	// Published rows are stamped and drop out of ListUnpublished; go on with
	// the next batch until an empty one ends the sweep.
	return o.Sweep(ctx)
}
