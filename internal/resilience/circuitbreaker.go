// Package resilience guards calls to remote dependencies such as the
// ClickHouse trade sink.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // Normal operation
	CircuitOpen     CircuitState = "OPEN"      // Failing, rejecting calls
	CircuitHalfOpen CircuitState = "HALF_OPEN" // Probing whether the dependency recovered
)

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns the sink defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	}
}

// StateChangeFunc is notified after every transition.
type StateChangeFunc func(name string, from, to CircuitState)

// CircuitBreaker stops calling a failing dependency for a while so that the
// caller's hot path does not wait on timeouts trade after trade.
type CircuitBreaker struct {
	name     string
	config   CircuitBreakerConfig
	now      func() time.Time
	onChange StateChangeFunc

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	openedAt    time.Time
	lastErr     error
	calls       int64
	rejected    int64
	totalFailed int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// OnStateChange registers a transition hook. Must be set before use.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

// Execute runs fn unless the circuit is open. fn is expected to honour ctx.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.calls++
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.transitionLocked(CircuitHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.totalFailed++
		cb.lastErr = err
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.transitionLocked(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.transitionLocked(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionLocked(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}
	if cb.onChange != nil && from != to {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		Name:     cb.name,
		State:    cb.state,
		Calls:    cb.calls,
		Rejected: cb.rejected,
		Failures: cb.totalFailed,
		OpenedAt: cb.openedAt,
	}
	if cb.lastErr != nil {
		stats.LastError = cb.lastErr.Error()
	}
	return stats
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name      string       `json:"name"`
	State     CircuitState `json:"state"`
	Calls     int64        `json:"calls"`
	Rejected  int64        `json:"rejected"`
	Failures  int64        `json:"failures"`
	OpenedAt  time.Time    `json:"opened_at"`
	LastError string       `json:"last_error,omitempty"`
}
