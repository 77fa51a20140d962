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
)

var (
	extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_sync_extraction_records_total",
		Help: "Total extraction jobs processed, by outcome.",
	}, []string{"outcome"})
	extractionTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_sync_extraction_llm_tokens_total",
		Help: "Total LLM tokens consumed by extraction, by direction.",
	}, []string{"direction"})
)

// WorkerStore is the persistence surface the extraction worker depends on.
type WorkerStore interface {
	GetThread(ctx context.Context, threadID uuid.UUID) (*model.Thread, error)
	ListChronological(ctx context.Context, threadID uuid.UUID) ([]model.Message, error)
	NextExtractionVersion(ctx context.Context, threadID uuid.UUID) (int, error)
	SaveExtractionRecord(ctx context.Context, rec model.ExtractionRecord) error
	MarkThreadMessagesExtracted(ctx context.Context, threadID uuid.UUID) error
	SetExtractionStatus(ctx context.Context, threadID uuid.UUID, status model.ExtractionStatus) error
}

// WorkerConfig holds the extraction worker's tunables.
type WorkerConfig struct {
	Model       string
	Temperature float64
}

// Worker consumes extraction jobs: it composes the thread transcript, calls
// the LLM with the fixed schema, and persists the versioned record.
type Worker struct {
	store  WorkerStore
	llm    llm.Client
	cfg    WorkerConfig
	logger zerolog.Logger
}

// NewWorker builds a Worker.
func NewWorker(store WorkerStore, llmClient llm.Client, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	return &Worker{
		store:  store,
		llm:    llmClient,
		cfg:    cfg,
		logger: logger.With().Str("component", "extraction-worker").Logger(),
	}
}

// ProcessJob runs one extraction end to end. An error return leaves the
// queue message unacknowledged so the visibility timeout retries it.
func (w *Worker) ProcessJob(ctx context.Context, job model.ExtractionJob) error {
	logger := w.logger.With().Str("thread_id", job.ThreadID.String()).Logger()

	if err := w.store.SetExtractionStatus(ctx, job.ThreadID, model.ExtractionProcessing); err != nil {
		return err
	}

	thread, err := w.store.GetThread(ctx, job.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}

	msgs, err := w.store.ListChronological(ctx, job.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	if len(msgs) == 0 {
		logger.Info().Msg("thread has no messages, nothing to extract")
		extractionsTotal.WithLabelValues("empty").Inc()
		return w.store.SetExtractionStatus(ctx, job.ThreadID, model.ExtractionCompleted)
	}

	transcript := composeTranscript(*thread, msgs)
	raw, usage, err := w.llm.GenerateObject(ctx, []byte(extractionSchema), extractionPrompt(transcript), llm.GenerateObjectOptions{
		Model:       w.cfg.Model,
		Temperature: w.cfg.Temperature,
		Strict:      true,
	})
	if err != nil {
		_ = w.store.SetExtractionStatus(ctx, job.ThreadID, model.ExtractionRetrying)
		extractionsTotal.WithLabelValues("llm_error").Inc()
		return fmt.Errorf("extraction call failed: %w", err)
	}
	extractionTokensTotal.WithLabelValues("input").Add(float64(usage.InputTokens))
	extractionTokensTotal.WithLabelValues("output").Add(float64(usage.OutputTokens))

	var result extractionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = w.store.SetExtractionStatus(ctx, job.ThreadID, model.ExtractionRetrying)
		extractionsTotal.WithLabelValues("bad_output").Inc()
		return fmt.Errorf("failed to unmarshal extraction result: %w", err)
	}

	version, err := w.store.NextExtractionVersion(ctx, job.ThreadID)
	if err != nil {
		return err
	}
	if err := w.store.SaveExtractionRecord(ctx, result.toRecord(*thread, version)); err != nil {
		return err
	}
	if err := w.store.MarkThreadMessagesExtracted(ctx, job.ThreadID); err != nil {
		return err
	}
	if err := w.store.SetExtractionStatus(ctx, job.ThreadID, model.ExtractionCompleted); err != nil {
		return err
	}

	extractionsTotal.WithLabelValues("completed").Inc()
	logger.Info().Int("version", version).Int("messages", len(msgs)).
		Int("input_tokens", usage.InputTokens).Int("output_tokens", usage.OutputTokens).
		Msg("extraction completed")
	return nil
}

// HandleExhausted marks a job terminally failed once the queue's
// max-delivery count is reached.
func (w *Worker) HandleExhausted(ctx context.Context, job model.ExtractionJob, cause error) error {
	extractionsTotal.WithLabelValues("exhausted").Inc()
	w.logger.Error().Err(cause).Str("thread_id", job.ThreadID.String()).
		Msg("extraction retries exhausted, marking failed")
	return w.store.SetExtractionStatus(ctx, job.ThreadID, model.ExtractionFailed)
}
