// Package extraction discovers synced threads that have no structured
// record yet, gates them through an optional spam classifier, and runs the
// LLM extraction that produces one versioned record per thread.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/llm"
	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/queue"
)

var (
	threadsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_sync_extraction_threads_enqueued_total",
		Help: "Total threads published to extraction_jobs.",
	})
	spamSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_sync_extraction_spam_skipped_total",
		Help: "Total candidate threads skipped by the spam gate, by verdict.",
	}, []string{"verdict"})
)

// EnqueuerStore is the persistence surface the enqueuer depends on.
type EnqueuerStore interface {
	ListExtractionCandidates(ctx context.Context, limit int) ([]model.Thread, error)
	ExtractionInFlight(ctx context.Context, threadID uuid.UUID) (bool, error)
	EnqueueExtraction(ctx context.Context, threadID, inboxID, tenantID uuid.UUID, priority int) error
	MarkSpamVerdict(ctx context.Context, threadID uuid.UUID, isSpam, isPromotional bool) error
	GetInbox(ctx context.Context, inboxID uuid.UUID) (*model.Inbox, error)
}

// Queue is the publish-only surface the enqueuer needs.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload any, dedupKey string) error
}

// EnqueuerConfig holds the enqueuer's tunables.
type EnqueuerConfig struct {
	BatchSize       int
	SpamDetection   bool
	SpamModel       string
	Temperature     float64
	DefaultPriority int
}

func (c EnqueuerConfig) withDefaults() EnqueuerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// Enqueuer selects unextracted threads and publishes them for extraction.
type Enqueuer struct {
	store  EnqueuerStore
	queue  Queue
	llm    llm.Client
	cfg    EnqueuerConfig
	logger zerolog.Logger
}

// NewEnqueuer builds an Enqueuer. llmClient may be nil when spam detection
// is disabled.
func NewEnqueuer(store EnqueuerStore, q Queue, llmClient llm.Client, cfg EnqueuerConfig, logger zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		store:  store,
		queue:  q,
		llm:    llmClient,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "extraction-enqueuer").Logger(),
	}
}

// EnqueueOnce runs one discovery pass: classify, dedupe, publish. Failures
// on one candidate never block the rest of the batch.
func (e *Enqueuer) EnqueueOnce(ctx context.Context) error {
	candidates, err := e.store.ListExtractionCandidates(ctx, e.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, t := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := e.enqueueThread(ctx, t); err != nil {
			e.logger.Error().Err(err).Str("thread_id", t.ThreadID.String()).Msg("failed to enqueue thread for extraction")
		}
	}
	return nil
}

func (e *Enqueuer) enqueueThread(ctx context.Context, t model.Thread) error {
	if e.cfg.SpamDetection && e.llm != nil {
		verdict, err := e.classify(ctx, t)
		if err != nil {
			return fmt.Errorf("spam classification failed: %w", err)
		}
		if verdict.IsSpam || verdict.IsPromotional {
			if err := e.store.MarkSpamVerdict(ctx, t.ThreadID, verdict.IsSpam, verdict.IsPromotional); err != nil {
				return err
			}
			label := "promotional"
			if verdict.IsSpam {
				label = "spam"
			}
			spamSkippedTotal.WithLabelValues(label).Inc()
			e.logger.Info().Str("thread_id", t.ThreadID.String()).
				Bool("is_spam", verdict.IsSpam).Bool("is_promotional", verdict.IsPromotional).
				Float64("confidence", verdict.Confidence).
				Msg("thread skipped by spam gate")
			return nil
		}
	}

	inFlight, err := e.store.ExtractionInFlight(ctx, t.ThreadID)
	if err != nil {
		return err
	}
	if inFlight {
		e.logger.Debug().Str("thread_id", t.ThreadID.String()).Msg("thread already queued for extraction, skipping")
		return nil
	}

	inbox, err := e.store.GetInbox(ctx, t.InboxID)
	if err != nil {
		return err
	}

	if err := e.store.EnqueueExtraction(ctx, t.ThreadID, t.InboxID, inbox.TenantID, e.cfg.DefaultPriority); err != nil {
		return err
	}

	job := model.ExtractionJob{
		ThreadID: t.ThreadID,
		InboxID:  t.InboxID,
		TenantID: inbox.TenantID,
		Priority: e.cfg.DefaultPriority,
	}
	if err := e.queue.Enqueue(ctx, queue.ExtractionJobs, job, t.ThreadID.String()); err != nil {
		return fmt.Errorf("failed to publish extraction job: %w", err)
	}

	threadsEnqueuedTotal.Inc()
	e.logger.Info().Str("thread_id", t.ThreadID.String()).Msg("thread enqueued for extraction")
	return nil
}

func (e *Enqueuer) classify(ctx context.Context, t model.Thread) (spamVerdict, error) {
	raw, _, err := e.llm.GenerateObject(ctx, []byte(spamSchema), spamPrompt(t), llm.GenerateObjectOptions{
		Model:       e.cfg.SpamModel,
		Temperature: e.cfg.Temperature,
		Strict:      true,
	})
	if err != nil {
		return spamVerdict{}, err
	}

	var v spamVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return spamVerdict{}, fmt.Errorf("failed to unmarshal spam verdict: %w", err)
	}
	return v, nil
}
