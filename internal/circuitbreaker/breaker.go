package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state
type State int32

const (
	// StateClosed - normal operation, calls flow through
	StateClosed State = iota
	// StateOpen - calls fail fast
	StateOpen
	// StateHalfOpen - one trial call is allowed to test recovery
	StateHalfOpen
)

func (s State) String() string {
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

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// Timeout is how long to stay open before admitting a half-open trial call
	Timeout time.Duration
	// OnStateChange is called (under the breaker lock) after every transition.
	OnStateChange func(State)
}

// DefaultConfig returns sensible defaults for a circuit breaker
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards a single remote dependency.
type CircuitBreaker struct {
	name   string
	config Config

	mu       sync.Mutex
	state    State
	failures int
	probing  bool
	openedAt time.Time
	nowFunc  func() time.Time
}

// New creates a closed circuit breaker.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:    name,
		config:  config,
		state:   StateClosed,
		nowFunc: time.Now,
	}
}

// Allow reports whether a call may proceed. A nil error in the half-open
// state admits exactly one trial call; its outcome must be reported with
// Success or Failure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := cb.nowFunc().Sub(cb.openedAt)
		if elapsed < cb.config.Timeout {
			return fmt.Errorf("%w for %s (retry in %v)", ErrOpen, cb.name, (cb.config.Timeout - elapsed).Round(time.Second))
		}
		cb.transitionTo(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return fmt.Errorf("%w for %s: trial call in flight", ErrOpen, cb.name)
		}
		cb.probing = true
		return nil
	default:
		return fmt.Errorf("circuit breaker in unknown state")
	}
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.probing = false
		cb.transitionTo(StateClosed)
		log.Info().Str("breaker", cb.name).Msg("circuit breaker recovered")
	}
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.nowFunc()
			cb.transitionTo(StateOpen)
			log.Error().
				Str("breaker", cb.name).
				Int("failures", cb.failures).
				Msg("circuit breaker opened")
		}
	case StateHalfOpen:
		cb.probing = false
		cb.openedAt = cb.nowFunc()
		cb.transitionTo(StateOpen)
		log.Warn().Str("breaker", cb.name).Msg("circuit breaker reopened after half-open failure")
	}
}

// transitionTo changes the state (caller must hold mu)
func (cb *CircuitBreaker) transitionTo(newState State) {
	old := cb.state
	cb.state = newState
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(newState)
	}
	log.Debug().
		Str("breaker", cb.name).
		Str("old_state", old.String()).
		Str("new_state", newState.String()).
		Msg("circuit breaker state transition")
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the breaker to closed (for admin/testing).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.transitionTo(StateClosed)
}
