// Backfill orchestrator service: drains inbox_backfill_jobs, paginates the
// remote thread list into work rows, and publishes them for thread sync.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/appconfig"
	"github.com/nova-labs/inbox-sync/internal/backfill"
	"github.com/nova-labs/inbox-sync/internal/leaderlock"
	"github.com/nova-labs/inbox-sync/internal/logging"
	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/provider"
	"github.com/nova-labs/inbox-sync/internal/provider/httpclient"
	"github.com/nova-labs/inbox-sync/internal/queue"
	"github.com/nova-labs/inbox-sync/internal/store"
	"github.com/nova-labs/inbox-sync/internal/workerloop"
)

const serviceName = "backfill-orchestrator"

func main() {
	logger := logging.Init(serviceName)
	logger.Info().Msg("starting backfill orchestrator")

	ko := appconfig.Load(logger, "config.toml")
	logging.UpdateLevel(ko, logger)

	cfg := appconfig.LoadBackfill(ko)
	pgCfg := appconfig.LoadPostgres(ko)

	// The orchestrator is the one singleton that always runs, so it owns
	// schema migrations.
	if err := store.Migrate(pgCfg.DSN()); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, pgCfg, *logger)
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

	orch := backfill.New(st, substrate, prov, backfill.Config{
		PageSize:       cfg.PageSize,
		MaxRangeDays:   cfg.MaxRangeDays,
		SweepBatchSize: cfg.SweepBatchSize,
		SweepWorkers:   cfg.SweepWorkers,
	}, *logger)

	rdb := redis.NewClient(&redis.Options{Addr: appconfig.LoadRedis(ko).Addr})
	defer rdb.Close()
	lease := leaderlock.New(rdb, "inbox-sync:lock:"+serviceName, cfg.LeaseTTL, *logger)

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
		errChan <- lease.Hold(ctx, func(ctx context.Context) error {
			// Recover rows stranded between insertion and publication by a
			// previous crash before consuming new jobs.
			if err := orch.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("startup sweep failed")
			}
			return workerloop.Poll(ctx, *logger, cfg.PollInterval, func(ctx context.Context) error {
				return drainBackfillJobs(ctx, substrate, orch, cfg, *logger)
			})
		})
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("orchestrator loop error")
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

// drainBackfillJobs runs one poll iteration over inbox_backfill_jobs.
func drainBackfillJobs(ctx context.Context, substrate *queue.Substrate, orch *backfill.Orchestrator, cfg appconfig.Backfill, logger zerolog.Logger) error {
	msgs, err := substrate.Read(ctx, queue.BackfillJobs, time.Duration(cfg.VisibilitySeconds)*time.Second, cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		var job model.BackfillJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			logger.Error().Err(err).Str("msg_id", msg.MsgID).Msg("malformed backfill job, deleting")
			if err := msg.Delete(); err != nil {
				logger.Error().Err(err).Msg("failed to delete malformed job")
			}
			continue
		}

		if msg.ReadCt > cfg.MaxRetries {
			// The checkpoint keeps the failure and resume position; the
			// configuration can be restarted by enqueueing a fresh job.
			logger.Error().Str("config_id", job.ConfigID.String()).Int("read_ct", msg.ReadCt).
				Msg("backfill job exceeded max retries, deleting")
			if err := msg.Delete(); err != nil {
				logger.Error().Err(err).Msg("failed to delete exhausted job")
			}
			continue
		}

		if err := orch.ProcessJob(ctx, job); err != nil {
			logger.Error().Err(err).Str("config_id", job.ConfigID.String()).
				Msg("backfill job failed, leaving for redelivery")
			continue
		}

		if err := msg.Delete(); err != nil {
			logger.Error().Err(err).Str("config_id", job.ConfigID.String()).Msg("failed to delete completed job")
		}
	}
	return nil
}
