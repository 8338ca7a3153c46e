package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Requests flow to the remote API
	StateOpen                  // Remote API considered down, requests rejected
	StateHalfOpen              // Letting trial requests through to test recovery
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

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open trial budget is spent
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// Name for logging
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Timeout is how long the circuit stays open before letting trial requests through
	Timeout time.Duration

	// HalfOpenMaxRequests is both the trial budget and the number of
	// successes needed to close the circuit again
	HalfOpenMaxRequests int

	// OnStateChange is called with the lock held; it must not call back into the breaker
	OnStateChange func(name string, from, to State)

	// Now overrides the clock in tests
	Now func() time.Time
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Snapshot is a point-in-time view of the breaker for health endpoints
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MaxFailures         int       `json:"max_failures"`
	TimeoutSeconds      float64   `json:"timeout_seconds"`
	Rejected            int64     `json:"rejected"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker guards calls to a remote dependency
type CircuitBreaker struct {
	config *Config
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inFlight  int // half-open trials currently admitted
	openedAt  time.Time
	rejected  int64
}

// New creates a new circuit breaker
func New(cfg *Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		config: cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
		state:  StateClosed,
	}
}

// Execute runs fn unless the circuit is open. A non-nil error from fn
// counts as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		cb.logger.Warn().
			Err(err).
			Msg("Request rejected by circuit breaker")
		return err
	}

	err = fn()
	cb.record(trial, err)
	return err
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.config.Now().Sub(cb.openedAt) < cb.config.Timeout {
			cb.rejected++
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.inFlight >= cb.config.HalfOpenMaxRequests {
			cb.rejected++
			return false, ErrTooManyRequests
		}
		cb.inFlight++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.logger.Debug().
			Err(err).
			Int("failures", cb.failures).
			Int("max_failures", cb.config.MaxFailures).
			Msg("Recorded failure")

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMaxRequests {
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	if newState == StateOpen {
		cb.openedAt = cb.config.Now()
	}

	cb.logger.Info().
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("Circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current counters
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		Name:                cb.config.Name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		MaxFailures:         cb.config.MaxFailures,
		TimeoutSeconds:      cb.config.Timeout.Seconds(),
		Rejected:            cb.rejected,
		OpenedAt:            cb.openedAt,
	}
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.logger.Info().Msg("Circuit breaker reset")
}
