package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned without calling fn while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after maxFailures consecutive failures and lets one trial
// call through after resetTimeout.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	onChange     func(State)
	isFailure    func(error) bool

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	trialActive bool
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(cb *CircuitBreaker) { cb.now = now } }

// WithStateChange registers a callback invoked on every transition.
func WithStateChange(fn func(State)) Option { return func(cb *CircuitBreaker) { cb.onChange = fn } }

// WithFailurePredicate decides which errors count against the breaker. Client
// errors such as validation rejects usually should not.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

// New builds a closed breaker.
func New(maxFailures int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		isFailure:    func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the breaker is open. Context cancellation by the caller
// is not counted as a provider failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	failed := err != nil && cb.isFailure(err) && !errors.Is(err, context.Canceled)
	cb.record(failed)
	return err
}

// State returns the current position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.trialActive = true
		return nil
	case StateHalfOpen:
		if cb.trialActive {
			return ErrCircuitOpen
		}
		cb.trialActive = true
	}
	return nil
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialActive = false
	if !failed {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.transition(StateClosed)
		}
		return
	}
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(to)
	}
}
