package txn

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"odoorpc.dev/rpcerr"
)

type ctxKey int

const scopeKey ctxKey = iota

// Manager opens and tracks transaction scopes bound to a context chain
// rather than a process global.
type Manager struct {
	exec Executor

	// MaxAttempts bounds deadlock-retry of a whole scope (// "configured attempt budget").
	MaxAttempts int
	BaseBackoff time.Duration
}

// NewManager builds a Manager with a default retry budget (3 attempts,
// 200ms base backoff).
func NewManager(exec Executor) *Manager {
	return &Manager{exec: exec, MaxAttempts: 3, BaseBackoff: 200 * time.Millisecond}
}

// Open pushes a new scope and returns a context carrying it. The
// returned context must not be handed to a second goroutine for
// concurrent use: Scope enforces this with a non-reentrant guard, not
// by inspecting goroutine identity, which Go does not expose.
func (m *Manager) Open(ctx context.Context) (context.Context, *Scope) {
	scope := Begin(m.exec)
	return context.WithValue(ctx, scopeKey, scope), scope
}

// FromContext returns the active scope pushed by the nearest Open call.
func FromContext(ctx context.Context) (*Scope, error) {
	scope, ok := ctx.Value(scopeKey).(*Scope)
	if !ok {
		return nil, errors.New("txn: no active scope in context")
	}
	return scope, nil
}

// acquire marks the scope as in use, returning ErrWrongOwner if it is
// already held (by any goroutine, including the caller): child tasks
// sharing a session must not enter the parent's scope concurrently.
// release must be called via defer.
func (s *Scope) acquire() (release func(), err error) {
	s.mu.Lock()
	if s.inUse {
		s.mu.Unlock()
		return nil, ErrWrongOwner
	}
	s.inUse = true
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.inUse = false
		s.mu.Unlock()
	}, nil
}

// isIdempotentSafe reports whether a scope may still be safely retried
// from scratch: true only while it has emitted no non-idempotent side
// effect yet.
func isIdempotentSafe(s *Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal) == 0
}

// Do runs fn inside a fresh scope, committing on success and rolling back
// on error. A DeadlockError is retried up to MaxAttempts times with
// exponential backoff and jitter, but only while the scope remains
// idempotent-safe to re-run from scratch; otherwise the error surfaces
// immediately.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, scope *Scope) error) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= m.MaxAttempts; attempt++ {
		scopeCtx, scope := m.Open(ctx)
		release, err := scope.acquire()
		if err != nil {
			return nil, err
		}

		err = fn(scopeCtx, scope)
		if err == nil {
			release()
			return scope.Commit(scopeCtx)
		}

		safeToRetry := isIdempotentSafe(scope)
		res, rbErr := scope.Rollback(scopeCtx)
		release()
		lastErr = err
		if rbErr != nil {
			return res, rbErr
		}

		if !isDeadlock(err) || !safeToRetry || attempt == m.MaxAttempts {
			return res, err
		}

		backoff := time.Duration(float64(m.BaseBackoff) * math.Pow(2, float64(attempt-1)))
		backoff += time.Duration(rand.Int63n(int64(m.BaseBackoff) + 1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	return nil, lastErr
}

func isDeadlock(err error) bool {
	var e *rpcerr.Error
	return errors.As(err, &e) && e.Kind == rpcerr.KindDeadlock
}
