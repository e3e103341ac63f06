// Package circuitbreaker guards calls to the ledger node so a dead RPC
// endpoint fails fast instead of stacking up request timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is used up
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// ConsecutiveFailures opens the circuit once reached.
	ConsecutiveFailures int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls successful probes close the circuit again.
	HalfOpenMaxCalls int
	// IsFailure decides which errors count against the endpoint.
	// Defaults to apperrors.IsRetryable so contract reverts never trip it.
	IsFailure func(error) bool
	// OnStateChange is invoked outside the lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		ConsecutiveFailures: 5,
		OpenTimeout:         15 * time.Second,
		HalfOpenMaxCalls:    2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenInFlight int
	halfOpenOK       int
	openedAt         time.Time
	lastFailure      error
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig("default")
	}
	cfg := *config
	if cfg.IsFailure == nil {
		cfg.IsFailure = apperrors.IsRetryable
	}
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 1
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	var from, to State

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from, to = cb.state, StateHalfOpen
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = 1
		cb.halfOpenOK = 0
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			cb.mu.Unlock()
			return ErrTooManyRequests
		}
		cb.halfOpenInFlight++
	}
	cb.mu.Unlock()

	cb.notify(from, to)
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	var from, to State
	failed := err != nil && cb.cfg.IsFailure(err)

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.consecutiveFails = 0
			break
		}
		cb.consecutiveFails++
		cb.lastFailure = err
		if cb.consecutiveFails >= cb.cfg.ConsecutiveFailures {
			from, to = StateClosed, StateOpen
			cb.trip()
		}
	case StateHalfOpen:
		cb.halfOpenInFlight--
		if failed {
			cb.lastFailure = err
			from, to = StateHalfOpen, StateOpen
			cb.trip()
			break
		}
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.cfg.HalfOpenMaxCalls {
			from, to = StateHalfOpen, StateClosed
			cb.state = StateClosed
			cb.consecutiveFails = 0
		}
	}
	lastErr := cb.lastFailure
	cb.mu.Unlock()

	if to != "" {
		entry := logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.cfg.Name,
			"from":           from,
			"to":             to,
		})
		if to == StateOpen {
			entry.WithError(lastErr).Warn("Circuit breaker opened")
		} else {
			entry.Info("Circuit breaker closed after successful recovery")
		}
	}
	cb.notify(from, to)
}

// trip must be called with mu held
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.halfOpenInFlight = 0
	cb.halfOpenOK = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if to == "" || cb.cfg.OnStateChange == nil {
		return
	}
	cb.cfg.OnStateChange(cb.cfg.Name, from, to)
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	OpenedAt         time.Time `json:"openedAt,omitempty"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		OpenedAt:         cb.openedAt,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()

	logging.WithField("circuitBreaker", cb.cfg.Name).Info("Circuit breaker manually reset")
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
