// Package completion implements the completion monitor: a polling service
// that recomputes per-configuration sync counters from the work-row table,
// closes configurations whose work has fully terminated, and reverts
// configurations that were marked completed while work rows were still
// pending.
package completion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/model"
)

var (
	configsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_sync_completion_configs_completed_total",
		Help: "Total configurations closed by the completion monitor.",
	})
	prematureRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_sync_completion_premature_recoveries_total",
		Help: "Total configurations reverted from completed back to thread_sync.",
	})
)

// Store is the persistence surface the monitor depends on.
type Store interface {
	ListByStatus(ctx context.Context, statuses ...model.ConfigStatus) ([]uuid.UUID, error)
	RecomputeFromWorkRows(ctx context.Context, configID uuid.UUID) (*model.SyncStats, int, error)
	StampSyncCompleted(ctx context.Context, configID uuid.UUID) error
	MarkConfigCompleted(ctx context.Context, configID uuid.UUID) error
	ListPrematurelyCompleted(ctx context.Context) ([]uuid.UUID, error)
	CountByStatus(ctx context.Context, configID uuid.UUID, status model.WorkStatus) (int, error)
	RevertPrematureCompletion(ctx context.Context, configID uuid.UUID) error
}

// Config holds the monitor's tunables.
type Config struct {
	RecomputeInterval time.Duration
	RecoveryInterval  time.Duration
	AutoRecovery      bool
}

func (c Config) withDefaults() Config {
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = 5 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 60 * time.Second
	}
	return c
}

// Monitor derives progress for active configurations and closes or recovers
// them. Stats are always computed server-side by grouping the work-row
// table; the monitor never iterates rows client-side, so a configuration
// with millions of threads costs the same one query as a small one.
type Monitor struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

// New builds a Monitor.
func New(store Store, cfg Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "completion").Logger(),
	}
}

// RecomputeOnce refreshes stats for every configuration in backfill or
// thread_sync and closes those whose work rows have all terminated.
func (m *Monitor) RecomputeOnce(ctx context.Context) error {
	ids, err := m.store.ListByStatus(ctx, model.ConfigBackfill, model.ConfigThreadSync)
	if err != nil {
		return err
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		st, queuedNow, err := m.store.RecomputeFromWorkRows(ctx, id)
		if err != nil {
			m.logger.Error().Err(err).Str("config_id", id.String()).Msg("failed to recompute stats")
			continue
		}

		if !st.Done(queuedNow, st.ThreadsProcessing) {
			continue
		}

		if err := m.store.StampSyncCompleted(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("config_id", id.String()).Msg("failed to stamp sync completion")
			continue
		}
		if err := m.store.MarkConfigCompleted(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("config_id", id.String()).Msg("failed to close configuration")
			continue
		}

		configsCompletedTotal.Inc()
		m.logger.Info().Str("config_id", id.String()).
			Int("threads_completed", st.ThreadsCompleted).
			Int("threads_failed", st.ThreadsFailed).
			Int("messages_synced", st.MessagesSynced).
			Msg("configuration completed")
	}
	return nil
}

// RecoverOnce reverts configurations stuck in completed while work rows are
// still queued or processing. Such a state can arise from a trigger race or
// manual status edits; reverting puts the configuration back under the
// recompute loop above, which will close it again once the rows drain.
func (m *Monitor) RecoverOnce(ctx context.Context) error {
	if !m.cfg.AutoRecovery {
		return nil
	}

	ids, err := m.store.ListPrematurelyCompleted(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		queued, err := m.store.CountByStatus(ctx, id, model.WorkQueued)
		if err != nil {
			m.logger.Error().Err(err).Str("config_id", id.String()).Msg("failed to count queued rows")
			continue
		}
		processing, err := m.store.CountByStatus(ctx, id, model.WorkProcessing)
		if err != nil {
			m.logger.Error().Err(err).Str("config_id", id.String()).Msg("failed to count processing rows")
			continue
		}
		if queued == 0 && processing == 0 {
			continue
		}

		if err := m.store.RevertPrematureCompletion(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("config_id", id.String()).Msg("failed to revert premature completion")
			continue
		}

		prematureRecoveriesTotal.Inc()
		m.logger.Warn().Str("config_id", id.String()).
			Int("queued", queued).Int("processing", processing).
			Msg("reverted prematurely completed configuration to thread_sync")
	}
	return nil
}

// Run drives both loops until ctx is canceled. Errors from an iteration are
// logged and the next tick proceeds; the monitor only stops on cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	recompute := time.NewTicker(m.cfg.RecomputeInterval)
	defer recompute.Stop()
	recovery := time.NewTicker(m.cfg.RecoveryInterval)
	defer recovery.Stop()

	m.logger.Info().
		Dur("recompute_interval", m.cfg.RecomputeInterval).
		Dur("recovery_interval", m.cfg.RecoveryInterval).
		Bool("auto_recovery", m.cfg.AutoRecovery).
		Msg("completion monitor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-recompute.C:
			if err := m.RecomputeOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("recompute pass failed")
			}
		case <-recovery.C:
			if err := m.RecoverOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("recovery pass failed")
			}
		}
	}
}
