// Package txn implements compensating-transaction scopes over a session
// that cannot itself span multiple RPCs in one server transaction:
// writes issued through an active scope are journalled with their
// inverse, and an exceptional exit replays inverses in reverse order.
package txn

import (
	"context"
	"fmt"
	"sync"

	"odoorpc.dev/model"
	"odoorpc.dev/rpcerr"
	"odoorpc.dev/transport"
)

// ErrWrongOwner is returned by acquire when the Scope is already in use:
// the guard is a non-reentrant in-use flag and does not inspect goroutine
// identity.
var ErrWrongOwner = fmt.Errorf("txn: scope is already in use")

// Executor is the RPC surface a Scope drives writes through.
type Executor interface {
	ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, opts transport.CallOptions) (any, error)
	Registry() *model.Registry
}

// entryKind tags one journal entry's operation.
type entryKind int

const (entryCreate entryKind = iota
	entryUpdate
	entryDelete)

// journalEntry records one write and the state needed to invert it.
type journalEntry struct {
	kind entryKind
	model string

	// create: ID is the new id, inverse is delete(ID).
	// update: ID is the target, before holds the pre-write field values,
	// inverse is write(ID, before).
	// delete: ID is the deleted id, before holds the whole captured
	// record, inverse is create(before) (best-effort: the server
	// may renumber ids, tracked via Result.Reconciled).
	id int64
	before map[string]any
	cascadeHit bool // passed by RecordDelete's caller to mark this delete irreversible
}

// Result is returned by Scope.Commit/Rollback.
type Result struct {
	Committed bool
	// Reconciled maps, per model, the original id to the id a rollback's
	// best-effort recreate produced.
	Reconciled map[string]map[int64]int64
	// FailedInverses lists journal entries whose inverse could not be
	// applied during rollback; a non-empty list means the scope ended
	// aborted rather than cleanly rolled back.
	FailedInverses []error
}

// Scope is a compensating transaction frame. Concurrent use is refused by
// the non-reentrant acquire guard, not by goroutine identity.
type Scope struct {
	exec Executor
	parent *Scope
	owner uint64 // goroutine tag; nothing in this package sets or reads it

	mu sync.Mutex
	journal []journalEntry
	closed bool
	inUse bool
}

// Begin opens a new top-level scope.
func Begin(exec Executor) *Scope {
	return &Scope{exec: exec}
}

// Nested opens a child scope sharing the parent's journal via linkage:
// entries recorded on the child append to the child's own slice, but
// Commit on the child merges into the parent so a rollback of the outer
// scope still unwinds the inner scope's writes.
func (s *Scope) Nested() *Scope {
	return &Scope{exec: s.exec, parent: s}
}

func (s *Scope) record(e journalEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, e)
}

// RecordCreate appends a create entry after a successful create call.
func (s *Scope) RecordCreate(modelName string, id int64) {
	s.record(journalEntry{kind: entryCreate, model: modelName, id: id})
}

// RecordUpdate appends an update entry; before must hold the pre-write
// values of exactly the fields about to change.
func (s *Scope) RecordUpdate(modelName string, id int64, before map[string]any) {
	s.record(journalEntry{kind: entryUpdate, model: modelName, id: id, before: before})
}

// RecordDelete appends a delete entry; before must hold the whole
// captured record. cascadeHit marks the delete irreversible when the
// field descriptor says server-side cascade makes an inverse unreliable.
func (s *Scope) RecordDelete(modelName string, id int64, before map[string]any, cascadeHit bool) {
	s.record(journalEntry{kind: entryDelete, model: modelName, id: id, before: before, cascadeHit: cascadeHit})
}

// Commit discards the journal on normal exit. On a nested scope, its
// entries are merged into the parent's journal instead of being
// discarded, since the parent may still need to unwind them.
func (s *Scope) Commit(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("txn: scope already closed")
	}
	s.closed = true
	if s.parent != nil {
		s.parent.mu.Lock()
		s.parent.journal = append(s.parent.journal, s.journal...)
		s.parent.mu.Unlock()
	}
	return &Result{Committed: true}, nil
}

// Rollback issues inverse operations for the journal in reverse order.
// It always returns a *Result; callers should additionally check the
// returned error for a fatal abort.
func (s *Scope) Rollback(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	entries := append([]journalEntry(nil), s.journal...)
	s.journal = nil
	s.closed = true
	s.mu.Unlock()

	res := &Result{Committed: false, Reconciled: make(map[string]map[int64]int64)}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := s.invert(ctx, e, res); err != nil {
			res.FailedInverses = append(res.FailedInverses, err)
		}
	}
	if len(res.FailedInverses) > 0 {
		return res, rpcerr.New(rpcerr.KindTransaction,
			fmt.Sprintf("rollback left %d non-recoverable operations", len(res.FailedInverses)),
			rpcerr.Context{})
	}
	return res, nil
}

func (s *Scope) invert(ctx context.Context, e journalEntry, res *Result) error {
	switch e.kind {
	case entryCreate:
		_, err := s.exec.ExecuteKW(ctx, e.model, "unlink", []any{[]int64{e.id}}, nil, transport.CallOptions{})
		return err
	case entryUpdate:
		_, err := s.exec.ExecuteKW(ctx, e.model, "write", []any{[]int64{e.id}, e.before}, nil, transport.CallOptions{})
		return err
	case entryDelete:
		if e.cascadeHit {
			return fmt.Errorf("txn: delete of %s#%d is irreversible (cascading delete)", e.model, e.id)
		}
		result, err := s.exec.ExecuteKW(ctx, e.model, "create", []any{e.before}, nil, transport.CallOptions{})
		if err != nil {
			return err
		}
		newID, err := toInt64(result)
		if err != nil {
			return err
		}
		if res.Reconciled[e.model] == nil {
			res.Reconciled[e.model] = make(map[int64]int64)
		}
		res.Reconciled[e.model][e.id] = newID
		return nil
	default:
		return fmt.Errorf("txn: unknown journal entry kind %d", e.kind)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("txn: expected numeric id, got %T", v)
	}
}
