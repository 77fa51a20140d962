// Package workerloop holds the polling-loop, bounded-worker-pool, and
// circuit-breaker helpers shared by every role.
package workerloop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Poll runs fn on every tick of interval until ctx is canceled. fn's error
// is logged, never fatal: a single bad iteration does not stop the role.
func Poll(ctx context.Context, logger zerolog.Logger, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error().Err(err).Msg("poll iteration failed")
			}
		}
	}
}

// Run splits n items of work across workers goroutines, invoking fn(i) for
// each index in [0, n). It blocks until every worker finishes and returns
// the first error encountered, if any. workers <= 1 runs inline.
func Run(workers, n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	perWorker := n / workers
	if perWorker == 0 {
		perWorker = 1
	}

	var wg sync.WaitGroup
	errCh := make(chan error, workers)

	for w := 0; w < workers; w++ {
		from := w * perWorker
		to := from + perWorker
		if w == workers-1 {
			to = n
		}
		if from >= n {
			break
		}
		if to > n {
			to = n
		}

		wg.Add(1)
		go func(from, to int) {
			defer wg.Done()
			for i := from; i < to; i++ {
				if err := fn(i); err != nil {
					errCh <- err
					return
				}
			}
		}(from, to)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
