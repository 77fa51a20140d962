// Webhook consumer service: drains webhook_notifications and routes each
// provider push event through the shared thread/message upsert path.
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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/appconfig"
	"github.com/nova-labs/inbox-sync/internal/leaderlock"
	"github.com/nova-labs/inbox-sync/internal/logging"
	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/provider"
	"github.com/nova-labs/inbox-sync/internal/provider/httpclient"
	"github.com/nova-labs/inbox-sync/internal/queue"
	"github.com/nova-labs/inbox-sync/internal/store"
	"github.com/nova-labs/inbox-sync/internal/threadsync"
	"github.com/nova-labs/inbox-sync/internal/webhook"
	"github.com/nova-labs/inbox-sync/internal/workerloop"
)

const serviceName = "webhook-consumer"

func main() {
	logger := logging.Init(serviceName)
	logger.Info().Msg("starting webhook consumer")

	ko := appconfig.Load(logger, "config.toml")
	logging.UpdateLevel(ko, logger)

	cfg := appconfig.LoadWebhook(ko)
	if cfg.TestingMode {
		logger.Warn().Msg("testing mode enabled: processed notifications will not be deleted")
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

	provCfg := appconfig.LoadProvider(ko)
	breaker := workerloop.NewBreaker("provider", 30*time.Second, provider.ErrNotFound)
	prov := provider.WithBreaker(httpclient.New(provCfg.BaseURL, provCfg.Timeout), breaker)

	syncer := threadsync.New(st, prov, threadsync.Config{}, *logger)
	consumer := webhook.New(st, syncer, webhook.Config{TestingMode: cfg.TestingMode}, *logger)

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
			return workerloop.Poll(ctx, *logger, cfg.PollInterval, func(ctx context.Context) error {
				return drainNotifications(ctx, substrate, consumer, cfg, *logger)
			})
		})
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("consumer loop error")
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

// drainNotifications runs one poll iteration over webhook_notifications.
func drainNotifications(ctx context.Context, substrate *queue.Substrate, consumer *webhook.Consumer, cfg appconfig.Webhook, logger zerolog.Logger) error {
	msgs, err := substrate.Read(ctx, queue.WebhookNotifications, time.Duration(cfg.VisibilitySeconds)*time.Second, cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		var n model.WebhookNotification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			logger.Error().Err(err).Str("msg_id", msg.MsgID).Msg("malformed notification, deleting")
			if err := msg.Delete(); err != nil {
				logger.Error().Err(err).Msg("failed to delete malformed notification")
			}
			continue
		}

		if msg.ReadCt > cfg.MaxRetries {
			if err := consumer.ProcessExhausted(ctx, n, errors.New("max deliveries reached")); err != nil {
				logger.Error().Err(err).Str("notification_id", n.NotificationID.String()).
					Msg("failed to record exhausted notification")
				continue
			}
			if err := msg.Delete(); err != nil {
				logger.Error().Err(err).Msg("failed to delete exhausted notification")
			}
			continue
		}

		if err := consumer.Process(ctx, n); err != nil {
			logger.Error().Err(err).Str("notification_id", n.NotificationID.String()).
				Msg("notification failed, leaving for redelivery")
			continue
		}

		if cfg.TestingMode {
			continue
		}
		if err := msg.Delete(); err != nil {
			logger.Error().Err(err).Str("notification_id", n.NotificationID.String()).
				Msg("failed to delete processed notification")
		}
	}
	return nil
}
