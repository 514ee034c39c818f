package retry

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker is a per-endpoint (optionally per-method) circuit breaker state
// machine. State transitions and the Allow check all run under mu.
type Breaker struct {
	mu sync.Mutex

	state BreakerState
	failureCount int
	consecutiveSuccess int
	openUntil time.Time
	halfOpenInFlight int

	FailureThreshold int
	RecoveryTimeout time.Duration
	SuccessThreshold int
	HalfOpenBudget int
	maxRecoveryTimeout time.Duration

	onOpen     func()
	onClose    func()
	onHalfOpen func()
}

// NewBreaker builds a Breaker with the given thresholds.
func NewBreaker(failureThreshold, successThreshold, halfOpenBudget int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		state: Closed,
		FailureThreshold: failureThreshold,
		RecoveryTimeout: recoveryTimeout,
		SuccessThreshold: successThreshold,
		HalfOpenBudget: halfOpenBudget,
		maxRecoveryTimeout: recoveryTimeout * 16,
	}
}

// OnTransition registers callbacks fired on the transitions to open, closed
// and half-open, replacing any registered earlier. client.New uses them for
// logging; Manager registers none and emits no circuit_* metrics events.
func (b *Breaker) OnTransition(onOpen, onClose, onHalfOpen func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOpen, b.onClose, b.onHalfOpen = onOpen, onClose, onHalfOpen
}

// Allow reports whether a request may proceed. When the breaker is open and
// the recovery timeout has elapsed, Allow transitions to half-open and
// admits up to HalfOpenBudget concurrent probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Now().Before(b.openUntil) {
			return false
		}
		b.state = HalfOpen
		b.consecutiveSuccess = 0
		b.halfOpenInFlight = 0
		if b.onHalfOpen != nil {
			b.onHalfOpen()
		}
		fallthrough
	case HalfOpen:
		if b.halfOpenInFlight >= b.HalfOpenBudget {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.SuccessThreshold {
			b.toClosed()
		}
	case Closed:
		b.failureCount = 0
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.toOpen(b.RecoveryTimeout * 2)
	case Closed:
		b.failureCount++
		if b.failureCount >= b.FailureThreshold {
			b.toOpen(b.RecoveryTimeout)
		}
	}
}

func (b *Breaker) toOpen(recovery time.Duration) {
	if recovery > b.maxRecoveryTimeout {
		recovery = b.maxRecoveryTimeout
	}
	b.RecoveryTimeout = recovery
	b.state = Open
	b.openUntil = time.Now().Add(recovery)
	b.failureCount = 0
	if b.onOpen != nil {
		b.onOpen()
	}
}

func (b *Breaker) toClosed() {
	b.state = Closed
	b.failureCount = 0
	b.consecutiveSuccess = 0
	if b.onClose != nil {
		b.onClose()
	}
}

// State returns the current state for observability.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
