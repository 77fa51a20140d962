// Completion monitor service: recomputes sync counters from work rows,
// closes finished configurations, and reverts premature completions.
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
	"github.com/nova-labs/inbox-sync/internal/completion"
	"github.com/nova-labs/inbox-sync/internal/leaderlock"
	"github.com/nova-labs/inbox-sync/internal/logging"
	"github.com/nova-labs/inbox-sync/internal/store"
)

const serviceName = "completion-monitor"

func main() {
	logger := logging.Init(serviceName)
	logger.Info().Msg("starting completion monitor")

	ko := appconfig.Load(logger, "config.toml")
	logging.UpdateLevel(ko, logger)

	cfg := appconfig.LoadCompletion(ko)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, appconfig.LoadPostgres(ko), *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()

	monitor := completion.New(st, completion.Config{
		RecomputeInterval: cfg.RecomputeInterval,
		RecoveryInterval:  cfg.RecoveryInterval,
		AutoRecovery:      cfg.AutoRecovery,
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
		errChan <- lease.Hold(ctx, monitor.Run)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("monitor loop error")
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
