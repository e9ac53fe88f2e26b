// Package resilience guards calls to flaky dependencies with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"corpmsg-backend/pkg/logger"
	"corpmsg-backend/pkg/metrics"
)

// ErrCircuitOpen is returned without calling the dependency while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

func (s CircuitBreakerState) gauge() int {
	switch s {
	case CircuitBreakerHalfOpen:
		return 1
	case CircuitBreakerOpen:
		return 2
	}
	return 0
}

// Config tunes a CircuitBreaker
type Config struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before a trial request
	OpenTimeout time.Duration
	// HalfOpenSuccesses trial successes close the circuit again
	HalfOpenSuccesses int
	// CallTimeout bounds a single call; zero leaves the caller's deadline alone
	CallTimeout time.Duration
}

// DefaultConfig opens after 3 failures and probes again after 10 seconds
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		OpenTimeout:       10 * time.Second,
		HalfOpenSuccesses: 3,
		CallTimeout:       5 * time.Second,
	}
}

// CircuitBreaker stops calling a dependency after repeated failures and
// probes it again once OpenTimeout has passed
type CircuitBreaker struct {
	name    string
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    bool
	openedAt            time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, cfg Config, m *metrics.Metrics) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	cb := &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		state:   CircuitBreakerClosed,
	}
	m.SetBreakerState(name, 0)
	return cb
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.metrics.RecordBreakerRequest(cb.name, "rejected")
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	if cb.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// allow admits a request. While half-open only one trial runs at a time.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			return false
		}
		cb.setStateLocked(CircuitBreakerHalfOpen)
		cb.halfOpenSuccesses = 0
		fallthrough
	case CircuitBreakerHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == CircuitBreakerHalfOpen
	if wasTrial {
		cb.halfOpenInFlight = false
	}

	if err == nil {
		cb.metrics.RecordBreakerRequest(cb.name, "success")
		cb.consecutiveFailures = 0
		if wasTrial {
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.HalfOpenSuccesses {
				cb.setStateLocked(CircuitBreakerClosed)
				logger.Info("Circuit breaker closed", zap.String("name", cb.name))
			}
		}
		return
	}

	cb.metrics.RecordBreakerRequest(cb.name, "failure")
	cb.consecutiveFailures++
	if wasTrial || cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		if cb.state != CircuitBreakerOpen {
			logger.Warn("Circuit breaker opened",
				zap.String("name", cb.name),
				zap.Int("consecutive_failures", cb.consecutiveFailures),
				zap.Error(err))
		}
		cb.setStateLocked(CircuitBreakerOpen)
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) setStateLocked(state CircuitBreakerState) {
	cb.state = state
	cb.metrics.SetBreakerState(cb.name, state.gauge())
}
