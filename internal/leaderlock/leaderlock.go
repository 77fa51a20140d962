// Package leaderlock provides the Redis-backed advisory lease that
// singleton roles (webhook consumer, backfill orchestrator, extraction
// enqueuer, completion monitor) acquire before running their poll loop.
// Running two instances of any of those would mean duplicate pagination,
// duplicate enqueueing, or duplicate status transitions.
package leaderlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Lease holds a renewable lock on key, identified by a random holder token
// so a stale or expired lease can never be released by a different holder.
type Lease struct {
	client *redis.Client
	logger zerolog.Logger
	key    string
	token  string
	ttl    time.Duration
}

// New builds a Lease against the given Redis client. key identifies the
// role-level lock (e.g. "inbox-sync:lock:backfill-orchestrator"); ttl is
// the lease duration, renewed at ttl/3 by Hold.
func New(client *redis.Client, key string, ttl time.Duration, logger zerolog.Logger) *Lease {
	return &Lease{
		client: client,
		logger: logger.With().Str("component", "leaderlock").Str("key", key).Logger(),
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire attempts to take the lease, returning false if another holder
// currently owns it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// Renew extends the lease's TTL if and only if this Lease still holds it.
// It reports false (never an error) if ownership was lost.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Release drops the lease if this Lease still holds it.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// Hold acquires the lease, blocking with periodic retries until ctx is
// cancelled, then runs fn while renewing the lease at ttl/3 in the
// background. If renewal ever fails to confirm ownership, Hold cancels fn's
// context so the caller's poll loop stops and the process can be restarted
// elsewhere.
func (l *Lease) Hold(ctx context.Context, fn func(context.Context) error) error {
	acquireTicker := time.NewTicker(l.ttl / 3)
	defer acquireTicker.Stop()

	for {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			break
		}

		l.logger.Debug().Msg("lease held elsewhere, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-acquireTicker.C:
		}
	}

	l.logger.Info().Msg("lease acquired")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer l.releaseBestEffort()

	renewTicker := time.NewTicker(l.ttl / 3)
	defer renewTicker.Stop()

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-renewTicker.C:
				held, err := l.Renew(runCtx)
				if err != nil {
					l.logger.Warn().Err(err).Msg("lease renewal failed")
					continue
				}
				if !held {
					l.logger.Warn().Msg("lost lease ownership, stopping")
					cancel()
					return
				}
			}
		}
	}()

	return fn(runCtx)
}

func (l *Lease) releaseBestEffort() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Release(releaseCtx); err != nil {
		l.logger.Warn().Err(err).Msg("failed to release lease on shutdown")
	}
}
