package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
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

// Breaker trips after consecutive provider failures so a dead or hard-
// throttling endpoint fails the run fast instead of burning the full
// retry budget on every remaining exit event.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	failLimit     int
	successLimit  int
	openTimeout   time.Duration
	lastFailureAt time.Time
	nowFn         func() time.Time
}

type Config struct {
	// FailLimit is the consecutive-failure count that opens the breaker.
	FailLimit int
	// SuccessLimit is the half-open success count that closes it again.
	SuccessLimit int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

func New(cfg Config) *Breaker {
	if cfg.FailLimit <= 0 {
		cfg.FailLimit = 5
	}
	if cfg.SuccessLimit <= 0 {
		cfg.SuccessLimit = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		state:        StateClosed,
		failLimit:    cfg.FailLimit,
		successLimit: cfg.SuccessLimit,
		openTimeout:  cfg.OpenTimeout,
		nowFn:        time.Now,
	}
}

// Allow reports whether a call may proceed, transitioning open to half-open
// after the timeout.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		if b.nowFn().Sub(b.lastFailureAt) > b.openTimeout {
			b.state = StateHalfOpen
			b.successes = 0
			return nil
		}
		return ErrOpen
	}
	return nil
}

// RecordSuccess resets the failure streak and closes a half-open breaker
// once enough probes succeed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.successLimit {
			b.state = StateClosed
		}
	}
}

// RecordFailure counts one failure, reopening a half-open breaker
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.successes = 0
	b.lastFailureAt = b.nowFn()
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.failLimit) {
		b.state = StateOpen
	}
}

// CurrentState returns the state, honoring the open timeout transition.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.nowFn().Sub(b.lastFailureAt) > b.openTimeout {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}
