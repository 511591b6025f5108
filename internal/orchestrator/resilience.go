package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/errors"
	"github.com/aristath/conductor/internal/logging"
)

// breakerTripThreshold is how many consecutive execution failures bench a
// role.
const breakerTripThreshold = 5

// CircuitBreakerRegistry manages per-role circuit breakers. A role whose
// executions keep failing gets benched: the dispatcher skips it while its
// breaker is open and probes it with a single task once the breaker goes
// half-open. Tasks are never auto-retried; the breaker only stops fresh
// work from being fed to a sick role.
type CircuitBreakerRegistry struct {
	log      *logging.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry returns an empty registry. Breakers are created
// lazily, on the first Get for a role.
func NewCircuitBreakerRegistry(log *logging.Logger) *CircuitBreakerRegistry {
	if log == nil {
		log = logging.NopLogger()
	}
	return &CircuitBreakerRegistry{
		log:      log.WithComponent("breakers"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the role's breaker, creating it on first use.
func (r *CircuitBreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	log := r.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: 1,                // one probe task while half-open
		Interval:    0,                // don't clear counts automatically
		Timeout:     30 * time.Second, // stay open for 30s before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"role", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Shutdown cancellation says nothing about role health. A
			// deadline does: a worker that hangs counts as a failure.
			return errors.Is(err, context.Canceled)
		},
	})

	r.breakers[role] = cb
	return cb
}
