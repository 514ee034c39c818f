package retry

import "fmt"

// Attempt records one try's outcome for MaxRetriesExceededError.
type Attempt struct {
	Number int
	Err error
}

// MaxRetriesExceededError carries every attempt's error kind.
type MaxRetriesExceededError struct {
	Attempts []Attempt
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("retry: exceeded max attempts (%d tries), last error: %v", len(e.Attempts), e.Attempts[len(e.Attempts)-1].Err)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Attempts[len(e.Attempts)-1].Err
}

// RetryTimeoutError wraps the last underlying error when the total deadline
// expires across attempts and delays.
type RetryTimeoutError struct {
	Last error
}

func (e *RetryTimeoutError) Error() string { return fmt.Sprintf("retry: total deadline exceeded: %v", e.Last) }
func (e *RetryTimeoutError) Unwrap() error { return e.Last }

// CircuitBreakerOpenError is returned when a breaker fast-fails a call
// without issuing any underlying RPC.
type CircuitBreakerOpenError struct{}

func (e *CircuitBreakerOpenError) Error() string { return "retry: circuit breaker is open" }
