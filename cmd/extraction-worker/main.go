// Extraction worker service: drains extraction_jobs, composing each
// thread's transcript and persisting the LLM's structured record. Safe to
// run in parallel across instances.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/appconfig"
	"github.com/nova-labs/inbox-sync/internal/extraction"
	"github.com/nova-labs/inbox-sync/internal/llm"
	"github.com/nova-labs/inbox-sync/internal/llm/anthropicclient"
	"github.com/nova-labs/inbox-sync/internal/logging"
	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/queue"
	"github.com/nova-labs/inbox-sync/internal/store"
	"github.com/nova-labs/inbox-sync/internal/workerloop"
)

const serviceName = "extraction-worker"

func main() {
	logger := logging.Init(serviceName)
	logger.Info().Msg("starting extraction worker")

	ko := appconfig.Load(logger, "config.toml")
	logging.UpdateLevel(ko, logger)

	cfg := appconfig.LoadExtraction(ko)
	llmCfg := appconfig.LoadLLM(ko)
	if llmCfg.APIKey == "" {
		logger.Fatal().Msg("llm.api_key is not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, appconfig.LoadPostgres(ko), *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()

	substrate, err := queue.New(ctx, appconfig.LoadNATS(ko).URL, queue.Names, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize queue substrate")
	}
	defer substrate.Close()

	breaker := workerloop.NewBreaker("llm", 60*time.Second)
	llmClient := llm.WithBreaker(anthropicclient.New(llmCfg.APIKey), breaker)

	worker := extraction.NewWorker(st, llmClient, extraction.WorkerConfig{
		Model:       cfg.ExtractionModel,
		Temperature: cfg.Temperature,
	}, *logger)

	logger.Info().
		Int("workers", cfg.Workers).
		Int("batch_size", cfg.BatchSize).
		Str("model", cfg.ExtractionModel).
		Msg("initialized extraction worker")

	// Start metrics server
	metricsAddr := ko.String("metrics.address")
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerloop.Poll(ctx, *logger, cfg.PollInterval, func(ctx context.Context) error {
			return drainExtractionJobs(ctx, substrate, worker, cfg, *logger)
		})
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("worker loop error")
		}
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// drainExtractionJobs reads one batch and fans it across the worker pool.
func drainExtractionJobs(ctx context.Context, substrate *queue.Substrate, worker *extraction.Worker, cfg appconfig.Extraction, logger zerolog.Logger) error {
	msgs, err := substrate.Read(ctx, queue.ExtractionJobs, time.Duration(cfg.VisibilitySeconds)*time.Second, cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	workers := cfg.Workers
	if workers > len(msgs) {
		workers = len(msgs)
	}

	return workerloop.Run(workers, len(msgs), func(i int) error {
		msg := msgs[i]

		var job model.ExtractionJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			logger.Error().Err(err).Str("msg_id", msg.MsgID).Msg("malformed extraction job, deleting")
			if err := msg.Delete(); err != nil {
				logger.Error().Err(err).Msg("failed to delete malformed job")
			}
			return nil
		}

		if msg.ReadCt > cfg.MaxRetries {
			if err := worker.HandleExhausted(ctx, job, errors.New("max deliveries reached")); err != nil {
				logger.Error().Err(err).Str("thread_id", job.ThreadID.String()).Msg("failed to record exhausted job")
				return nil
			}
			if err := msg.Delete(); err != nil {
				logger.Error().Err(err).Msg("failed to delete exhausted job")
			}
			return nil
		}

		if err := worker.ProcessJob(ctx, job); err != nil {
			logger.Error().Err(err).Str("thread_id", job.ThreadID.String()).
				Msg("extraction failed, leaving for redelivery")
			return nil
		}

		if err := msg.Delete(); err != nil {
			logger.Error().Err(err).Str("thread_id", job.ThreadID.String()).Msg("failed to delete completed job")
		}
		return nil
	})
}
