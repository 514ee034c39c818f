package retry

import (
	"errors"
	"time"

	"odoorpc.dev/rpcerr"
)

// Classify decides whether err should be retried. The default classifier
// treats ConnectionError, TimeoutError, and server-classified
// serialization/conflict errors as retryable; ValidationError,
// AccessError, AuthenticationError, MethodNotFoundError, NotFoundError,
// and ProtocolError are not. InternalError is retried only when the
// caller opts in via AllowInternal.
type Classify func(err error) bool

// DefaultClassifier returns the classifier described above.
func DefaultClassifier(allowInternal bool) Classify {
	return func(err error) bool {
		if rpcerr.IsRetryable(err) {
			return true
		}
		if !allowInternal {
			return false
		}
		var e *rpcerr.Error
		return errors.As(err, &e) && e.Kind == rpcerr.KindInternal
	}
}

// Policy binds a Strategy plus a Classify (Retry policy).
type Policy struct {
	Strategy Strategy
	Classify Classify
	PerOpTimeout time.Duration
	TotalDeadline time.Duration
	AttemptBudget int
	Breaker *Breaker
}
