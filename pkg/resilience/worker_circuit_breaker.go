// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitState mirrors gobreaker's three states under the names this
// codebase already used before it was wired to a real breaker library.
type CircuitState int32

const (
	StateClosed   CircuitState = iota // Normal operation, requests pass through
	StateOpen                         // Circuit open, requests fail immediately
	StateHalfOpen                     // Testing if service recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreakerState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Errors returned by the circuit breaker.
var (
	ErrCircuitOpen    = gobreaker.ErrOpenState
	ErrTooManyRequest = gobreaker.ErrTooManyRequests
)

// CircuitBreakerConfig holds configuration for a circuit breaker. The
// field names predate this package wrapping gobreaker; they're kept so
// every caller (the LLM adapter) needed no changes.
type CircuitBreakerConfig struct {
	Name               string        // Name for logging/metrics
	FailureThreshold   int           // Number of failures before opening (default: 5)
	SuccessThreshold   int           // Not read: gobreaker closes a half-open breaker after MaxHalfOpenRequest consecutive successes (default: 2)
	Timeout            time.Duration // Time to wait before half-open (default: 30s)
	MaxHalfOpenRequest int           // Max concurrent requests in half-open (default: 1)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:               name,
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		MaxHalfOpenRequest: 1,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker behind the shape this
// codebase's callers already expect (Execute(func() error) error, plus
// Stats()/State()).
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker

	mu            sync.RWMutex
	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig("default")
	}

	c := &CircuitBreaker{name: cfg.Name}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.MaxHalfOpenRequest),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.mu.RLock()
			cb := c.onStateChange
			c.mu.RUnlock()
			if cb != nil {
				cb(name, fromGobreakerState(from), fromGobreakerState(to))
			}
		},
	}
	c.cb = gobreaker.NewCircuitBreaker(settings)
	return c
}

// OnStateChange sets a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return fromGobreakerState(cb.cb.State())
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs the given function with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequest
	}
	return err
}

// CircuitBreakerStats mirrors gobreaker.Counts under this package's
// naming.
type CircuitBreakerStats struct {
	Name      string
	State     string
	Failures  int
	Successes int
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	counts := cb.cb.Counts()
	return CircuitBreakerStats{
		Name:      cb.name,
		State:     cb.State().String(),
		Failures:  int(counts.TotalFailures),
		Successes: int(counts.TotalSuccesses),
	}
}
