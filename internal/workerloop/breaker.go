package workerloop

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// NewBreaker builds a gobreaker.CircuitBreaker tuned for external provider/
// LLM calls: it trips after 5 consecutive failures and stays open for
// timeout before allowing a single probe request through. Errors listed in
// ignore (e.g. a not-found sentinel) pass through to the caller without
// counting as failures.
func NewBreaker(name string, timeout time.Duration, ignore ...error) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			for _, ig := range ignore {
				if errors.Is(err, ig) {
					return true
				}
			}
			return false
		},
	})
}
