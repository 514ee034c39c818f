package retry

import (
	"context"
	"time"
)

// Manager wraps any outbound call with the retry/circuit-breaker layer
// every call from cache, query, relation, batch, and txn passes through
// (composition).
type Manager struct {
	policy Policy
	sink MetricsSink
}

// NewManager binds a Policy and optional metrics sink (defaults to a no-op
// sink, matching "pluggable sink" in).
func NewManager(policy Policy, sink MetricsSink) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	return &Manager{policy: policy, sink: sink}
}

// Do executes fn under the bound policy: circuit breaker fast-fail, bounded
// attempts with strategy-driven backoff, and a total-deadline wrapper
// (testable property 6).
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var deadlineCtx context.Context = ctx
	var cancel context.CancelFunc
	if m.policy.TotalDeadline > 0 {
		deadlineCtx, cancel = context.WithTimeout(ctx, m.policy.TotalDeadline)
		defer cancel()
	}

	var attempts []Attempt
	var lastErr error

	for attempt := 1; ; attempt++ {
		if m.policy.AttemptBudget > 0 && attempt > m.policy.AttemptBudget {
			break
		}

		if m.policy.Breaker != nil && !m.policy.Breaker.Allow() {
			return nil, &CircuitBreakerOpenError{}
		}

		select {
		case <-deadlineCtx.Done():
			return nil, &RetryTimeoutError{Last: lastErr}
		default:
		}

		start := time.Now()
		result, err := fn(deadlineCtx)
		latency := time.Since(start)
		m.sink.Emit(EventRetryAttempt, EventContext{Attempt: attempt, Latency: latency})

		if err == nil {
			if m.policy.Breaker != nil {
				m.policy.Breaker.RecordSuccess()
			}
			m.sink.Emit(EventRetrySuccess, EventContext{Attempt: attempt, Latency: latency})
			return result, nil
		}

		if m.policy.Breaker != nil {
			m.policy.Breaker.RecordFailure()
		}
		attempts = append(attempts, Attempt{Number: attempt, Err: err})
		lastErr = err
		m.sink.Emit(EventRetryFailed, EventContext{Attempt: attempt, Err: err, Latency: latency})

		retryable := m.policy.Classify == nil || m.policy.Classify(err)
		if !retryable {
			return nil, err
		}
		if m.policy.Strategy != nil && !m.policy.Strategy.ShouldRetry(attempt) {
			break
		}

		if m.policy.Strategy != nil {
			delay := m.policy.Strategy.DelayFor(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-deadlineCtx.Done():
				timer.Stop()
				return nil, &RetryTimeoutError{Last: lastErr}
			case <-timer.C:
			}
		}
	}

	return nil, &MaxRetriesExceededError{Attempts: attempts}
}
