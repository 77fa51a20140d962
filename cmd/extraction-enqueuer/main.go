// Extraction enqueuer service: discovers synced-but-unextracted threads,
// runs the spam gate, and publishes extraction jobs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nova-labs/inbox-sync/internal/appconfig"
	"github.com/nova-labs/inbox-sync/internal/extraction"
	"github.com/nova-labs/inbox-sync/internal/leaderlock"
	"github.com/nova-labs/inbox-sync/internal/llm"
	"github.com/nova-labs/inbox-sync/internal/llm/anthropicclient"
	"github.com/nova-labs/inbox-sync/internal/logging"
	"github.com/nova-labs/inbox-sync/internal/queue"
	"github.com/nova-labs/inbox-sync/internal/store"
	"github.com/nova-labs/inbox-sync/internal/workerloop"
)

const serviceName = "extraction-enqueuer"

func main() {
	logger := logging.Init(serviceName)
	logger.Info().Msg("starting extraction enqueuer")

	ko := appconfig.Load(logger, "config.toml")
	logging.UpdateLevel(ko, logger)

	cfg := appconfig.LoadExtraction(ko)

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

	var llmClient llm.Client
	if cfg.SpamDetectionEnabled {
		llmCfg := appconfig.LoadLLM(ko)
		if llmCfg.APIKey == "" {
			logger.Fatal().Msg("spam detection enabled but llm.api_key is not set")
		}
		breaker := workerloop.NewBreaker("llm", 60*time.Second)
		llmClient = llm.WithBreaker(anthropicclient.New(llmCfg.APIKey), breaker)
	}

	enqueuer := extraction.NewEnqueuer(st, substrate, llmClient, extraction.EnqueuerConfig{
		BatchSize:     cfg.EnqueueBatchSize,
		SpamDetection: cfg.SpamDetectionEnabled,
		SpamModel:     cfg.SpamModel,
		Temperature:   cfg.Temperature,
	}, *logger)

	logger.Info().
		Dur("enqueue_interval", cfg.EnqueueInterval).
		Int("batch_size", cfg.EnqueueBatchSize).
		Bool("spam_detection", cfg.SpamDetectionEnabled).
		Msg("initialized extraction enqueuer")

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
			return workerloop.Poll(ctx, *logger, cfg.EnqueueInterval, enqueuer.EnqueueOnce)
		})
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("enqueuer loop error")
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
