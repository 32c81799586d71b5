package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

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

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Options tunes a CircuitBreaker. Zero values fall back to defaults.
type Options struct {
	MaxFailures  int
	ResetTimeout time.Duration
	// Trips decides whether an error counts towards opening the circuit.
	// Errors it rejects are returned to the caller but reset the failure count.
	Trips func(error) bool
	// OnStateChange is called with the lock held; it must not call back into the breaker.
	OnStateChange func(from, to State)
	Now           func() time.Time
}

type CircuitBreaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	trips           func(error) bool
	onStateChange   func(from, to State)
	now             func() time.Time
	failureCount    int
	lastFailureTime time.Time
	state           State
	mu              sync.Mutex
}

func New(opts Options) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:   opts.MaxFailures,
		resetTimeout:  opts.ResetTimeout,
		trips:         opts.Trips,
		onStateChange: opts.OnStateChange,
		now:           opts.Now,
		state:         StateClosed,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.trips == nil {
		cb.trips = func(err error) bool { return err != nil }
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

// Execute runs fn unless the circuit is open. The lock is not held while fn runs,
// so concurrent calls proceed in parallel.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailureTime) <= cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.failureCount = 0
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.trips(err) {
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		if cb.state == StateHalfOpen || cb.failureCount >= cb.maxFailures {
			cb.setState(StateOpen)
		}
		return
	}

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(prev, next)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
