// Thread-sync worker service: drains thread_sync_jobs, fetching and
// persisting each thread and its messages. Safe to run in parallel across
// instances; every write is an idempotent upsert keyed on remote IDs.
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
	"github.com/nova-labs/inbox-sync/internal/logging"
	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/provider"
	"github.com/nova-labs/inbox-sync/internal/provider/httpclient"
	"github.com/nova-labs/inbox-sync/internal/queue"
	"github.com/nova-labs/inbox-sync/internal/store"
	"github.com/nova-labs/inbox-sync/internal/threadsync"
	"github.com/nova-labs/inbox-sync/internal/workerloop"
)

const serviceName = "thread-sync-worker"

func main() {
	logger := logging.Init(serviceName)
	logger.Info().Msg("starting thread-sync worker")

	ko := appconfig.Load(logger, "config.toml")
	logging.UpdateLevel(ko, logger)

	cfg := appconfig.LoadThreadSync(ko)
	delays := appconfig.LoadDelays(ko)

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

	provCfg := appconfig.LoadProvider(ko)
	breaker := workerloop.NewBreaker("provider", 30*time.Second, provider.ErrNotFound)
	prov := provider.WithBreaker(httpclient.New(provCfg.BaseURL, provCfg.Timeout), breaker)

	worker := threadsync.New(st, prov, threadsync.Config{
		ThreadMessageCap: cfg.ThreadMessageCap,
		Delays: threadsync.Delays{
			APIDelay:     delays.APIDelay,
			MessageDelay: delays.MessageDelay,
		},
	}, *logger)

	logger.Info().
		Int("workers", cfg.Workers).
		Int("batch_size", cfg.BatchSize).
		Int("thread_message_cap", cfg.ThreadMessageCap).
		Msg("initialized thread-sync worker")

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
			return drainThreadSyncJobs(ctx, substrate, worker, cfg, delays.ThreadDelay, *logger)
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

// drainThreadSyncJobs reads one batch and fans it across the worker pool.
func drainThreadSyncJobs(ctx context.Context, substrate *queue.Substrate, worker *threadsync.Worker, cfg appconfig.ThreadSync, threadDelay time.Duration, logger zerolog.Logger) error {
	msgs, err := substrate.Read(ctx, queue.ThreadSyncJobs, time.Duration(cfg.VisibilitySeconds)*time.Second, cfg.BatchSize)
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

		var job model.ThreadSyncJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			logger.Error().Err(err).Str("msg_id", msg.MsgID).Msg("malformed thread-sync job, deleting")
			if err := msg.Delete(); err != nil {
				logger.Error().Err(err).Msg("failed to delete malformed job")
			}
			return nil
		}

		if msg.ReadCt > cfg.MaxRetries {
			if err := worker.HandleExhausted(ctx, job, errors.New("max deliveries reached")); err != nil {
				logger.Error().Err(err).Str("thread_id", job.RemoteThreadID).Msg("failed to record exhausted job")
				return nil
			}
			if err := msg.Delete(); err != nil {
				logger.Error().Err(err).Msg("failed to delete exhausted job")
			}
			return nil
		}

		if err := worker.ProcessJob(ctx, job); err != nil {
			if errors.Is(err, threadsync.ErrPermanent) {
				logger.Error().Err(err).Str("thread_id", job.RemoteThreadID).
					Msg("thread sync failed permanently, deleting")
				if err := msg.Delete(); err != nil {
					logger.Error().Err(err).Msg("failed to delete permanently failed job")
				}
				return nil
			}
			logger.Error().Err(err).Str("thread_id", job.RemoteThreadID).
				Msg("thread sync failed, leaving for redelivery")
			return nil
		}

		if err := msg.Delete(); err != nil {
			logger.Error().Err(err).Str("thread_id", job.RemoteThreadID).Msg("failed to delete completed job")
		}

		if threadDelay > 0 {
			time.Sleep(threadDelay)
		}
		return nil
	})
}
