package relation

import (
	"context"
	"fmt"

	"odoorpc.dev/model"
	"odoorpc.dev/transport"
)

// Typed is an optional interface for per-model wrapper types a caller
// builds over model.Record. ManyToOne/ToMany do not require it: they take
// a build function, and a Typed[T] value's FromRecord method value fits
// that parameter. Go generics stand in here for a dynamic per-model
// descriptor lookup.
type Typed[T any] interface {
	FromRecord(*model.Record) T
}

// ManyToOne is a typed view over a many2one relation slot. build is a
// lightweight constructor (e.g. a per-model `func(*model.Record) Partner`)
// rather than a Typed[T] implementation, since most callers will not want
// to define a named type just to satisfy an interface for a field wrapper.
type ManyToOne[T any] struct {
	exec Executor
	rec *model.Record
	field string
	build func(*model.Record) T
}

// NewManyToOne builds a typed many2one accessor bound to one record/field.
func NewManyToOne[T any](exec Executor, rec *model.Record, field string, build func(*model.Record) T) ManyToOne[T] {
	return ManyToOne[T]{exec: exec, rec: rec, field: field, build: build}
}

// Get resolves the relation, triggering an RPC on first access, and
// builds the typed result. The zero value of T is returned alongside
// ok=false when the relation is null.
func (m ManyToOne[T]) Get(ctx context.Context) (T, bool, error) {
	var zero T
	rec, err := One(ctx, m.exec, m.rec, m.field)
	if err != nil {
		return zero, false, err
	}
	if rec == nil {
		return zero, false, nil
	}
	return m.build(rec), true, nil
}

// Loaded reports whether the slot is already Resolved, without issuing
// an RPC.
func (m ManyToOne[T]) Loaded() bool {
	return m.rec.Slot(m.field).State == model.Resolved
}

// ToMany is a typed view over a one2many/many2many relation slot.
type ToMany[T any] struct {
	exec Executor
	rec *model.Record
	field string
	build func(*model.Record) T
}

// NewToMany builds a typed to-many accessor bound to one record/field.
func NewToMany[T any](exec Executor, rec *model.Record, field string, build func(*model.Record) T) ToMany[T] {
	return ToMany[T]{exec: exec, rec: rec, field: field, build: build}
}

// All resolves the relation and builds every related record.
func (t ToMany[T]) All(ctx context.Context) ([]T, error) {
	recs, err := Many(ctx, t.exec, t.rec, t.field)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		out = append(out, t.build(r))
	}
	return out, nil
}

// Loaded reports whether the slot is already Resolved, without issuing
// an RPC.
func (t ToMany[T]) Loaded() bool {
	return t.rec.Slot(t.field).State == model.Resolved
}

// Set replaces this to-many field's server-side linkage with exactly the
// given ids and applies the write immediately, then invalidates the
// local slot so the next All re-fetches.
func (t ToMany[T]) Set(ctx context.Context, ids []int64) error {
	if t.rec.ID == nil {
		return fmt.Errorf("relation: cannot mutate %s on an unsaved record", t.field)
	}
	_, err := t.exec.ExecuteKW(ctx, t.rec.Model, "write", []any{[]int64{*t.rec.ID}, Set(t.field, ids)}, nil, transport.CallOptions{})
	if err != nil {
		return err
	}
	t.rec.Slot(t.field).Invalidate()
	return nil
}

// Add links additional ids without disturbing existing linkage.
func (t ToMany[T]) Add(ctx context.Context, ids []int64) error {
	if t.rec.ID == nil {
		return fmt.Errorf("relation: cannot mutate %s on an unsaved record", t.field)
	}
	_, err := t.exec.ExecuteKW(ctx, t.rec.Model, "write", []any{[]int64{*t.rec.ID}, Add(t.field, ids)}, nil, transport.CallOptions{})
	if err != nil {
		return err
	}
	t.rec.Slot(t.field).Invalidate()
	return nil
}

// Remove unlinks ids from the relation.
func (t ToMany[T]) Remove(ctx context.Context, ids []int64) error {
	if t.rec.ID == nil {
		return fmt.Errorf("relation: cannot mutate %s on an unsaved record", t.field)
	}
	_, err := t.exec.ExecuteKW(ctx, t.rec.Model, "write", []any{[]int64{*t.rec.ID}, Remove(t.field, ids)}, nil, transport.CallOptions{})
	if err != nil {
		return err
	}
	t.rec.Slot(t.field).Invalidate()
	return nil
}

// Clear unlinks every currently-linked record.
func (t ToMany[T]) Clear(ctx context.Context) error {
	if t.rec.ID == nil {
		return fmt.Errorf("relation: cannot mutate %s on an unsaved record", t.field)
	}
	_, err := t.exec.ExecuteKW(ctx, t.rec.Model, "write", []any{[]int64{*t.rec.ID}, Clear(t.field)}, nil, transport.CallOptions{})
	if err != nil {
		return err
	}
	t.rec.Slot(t.field).Invalidate()
	return nil
}
