package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odoorpc.dev/rpcerr"
)

func TestManager_Do_CommitsOnSuccess(t *testing.T) {
	exec := &fakeExec{}
	mgr := NewManager(exec)
	res, err := mgr.Do(context.Background(), func(ctx context.Context, scope *Scope) error {
		scope.RecordCreate("res.partner", 1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
}

func TestManager_Do_RollsBackOnNonRetryableError(t *testing.T) {
	exec := &fakeExec{}
	mgr := NewManager(exec)
	plain := assertPlainErr
	_, err := mgr.Do(context.Background(), func(ctx context.Context, scope *Scope) error {
		scope.RecordCreate("res.partner", 1)
		return plain
	})
	assert.Equal(t, plain, err)
	require.Len(t, exec.calls, 1, "rollback issues the one inverse for the recorded create")
	assert.Equal(t, "unlink", exec.calls[0].method)
}

func TestManager_Do_RetriesDeadlockWhenIdempotentSafe(t *testing.T) {
	exec := &fakeExec{}
	mgr := NewManager(exec)
	mgr.BaseBackoff = time.Millisecond

	attempts := 0
	deadlock := rpcerr.New(rpcerr.KindDeadlock, "locked", rpcerr.Context{})
	res, err := mgr.Do(context.Background(), func(ctx context.Context, scope *Scope) error {
		attempts++
		if attempts < 3 {
			return deadlock
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 3, attempts)
}

func TestManager_Do_DoesNotRetryDeadlockWhenJournalNonEmpty(t *testing.T) {
	exec := &fakeExec{}
	mgr := NewManager(exec)
	mgr.BaseBackoff = time.Millisecond

	attempts := 0
	deadlock := rpcerr.New(rpcerr.KindDeadlock, "locked", rpcerr.Context{})
	_, err := mgr.Do(context.Background(), func(ctx context.Context, scope *Scope) error {
		attempts++
		scope.RecordCreate("res.partner", 1) // non-idempotent side effect before the failure
		return deadlock
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a scope with a non-empty journal must not be retried from scratch")
}

func TestManager_Do_StopsAfterMaxAttempts(t *testing.T) {
	exec := &fakeExec{}
	mgr := NewManager(exec)
	mgr.BaseBackoff = time.Millisecond
	mgr.MaxAttempts = 2

	attempts := 0
	deadlock := rpcerr.New(rpcerr.KindDeadlock, "locked", rpcerr.Context{})
	_, err := mgr.Do(context.Background(), func(ctx context.Context, scope *Scope) error {
		attempts++
		return deadlock
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestScope_AcquireIsNonReentrant(t *testing.T) {
	exec := &fakeExec{}
	scope := Begin(exec)
	release, err := scope.acquire()
	require.NoError(t, err)

	_, err = scope.acquire()
	assert.ErrorIs(t, err, ErrWrongOwner)

	release()
	_, err = scope.acquire()
	assert.NoError(t, err, "after release, a fresh acquire must succeed")
}

var assertPlainErr error = plainError("boom")

type plainError string

func (e plainError) Error() string { return string(e) }
