// Package resilience guards calls to the external embedder behind a
// circuit breaker, so a degraded or unreachable embedding provider fails
// fast instead of letting every search accumulate a full embedder
// timeout. The query planner wraps its query-embedding calls with this:
// while the circuit is open they fail at once with ErrCircuitOpen instead
// of reaching the embedder. The coordinator's put-time embedding does not
// go through the breaker.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute when the breaker has tripped and
// the reset timeout hasn't elapsed yet.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is one of closed (requests flow), open (requests fail fast), or
// half-open (one probe request is allowed through to test recovery).
type State int

const (
	StateClosed State = iota
	StateOpen
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

// Breaker implements the circuit breaker pattern around a single external
// dependency (here, always an hre.Embedder).
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.RWMutex
	state       State
	failures    int
	lastFailure time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithMaxFailures sets the consecutive-failure count that trips the
// breaker open.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) { b.maxFailures = n }
}

// WithResetTimeout sets how long the breaker stays open before allowing a
// half-open probe.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// New builds a Breaker. Default: 5 consecutive failures trips it, with a
// 30s reset timeout before the next probe.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:         name,
		maxFailures:  5,
		resetTimeout: 30 * time.Second,
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentState()
}

// currentState must be called with at least a read lock held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.lastFailure) > b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = StateClosed
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.maxFailures {
		b.state = StateOpen
	}
}

// Execute runs fn through the breaker, returning ErrCircuitOpen instead of
// calling fn while the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	state := b.currentState()
	if state == StateOpen {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	if state == StateHalfOpen {
		b.state = StateHalfOpen
	}
	b.mu.Unlock()

	if err := fn(); err != nil {
		if state == StateHalfOpen {
			b.mu.Lock()
			b.state = StateOpen
			b.lastFailure = time.Now()
			b.mu.Unlock()
		} else {
			b.recordFailure()
		}
		return err
	}
	b.recordSuccess()
	return nil
}

// ExecuteWithResult runs fn through the breaker and returns its value, or
// calls fallback when the breaker is open or the probe fails.
func ExecuteWithResult[T any](b *Breaker, fn func() (T, error), fallback func() (T, error)) (T, error) {
	b.mu.Lock()
	state := b.currentState()
	if state == StateOpen {
		b.mu.Unlock()
		return fallback()
	}
	if state == StateHalfOpen {
		b.state = StateHalfOpen
	}
	b.mu.Unlock()

	result, err := fn()
	if err != nil {
		if state == StateHalfOpen {
			b.mu.Lock()
			b.state = StateOpen
			b.lastFailure = time.Now()
			b.mu.Unlock()
			return fallback()
		}
		b.recordFailure()
		return result, err
	}
	b.recordSuccess()
	return result, nil
}
