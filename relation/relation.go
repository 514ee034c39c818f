// Package relation resolves the lazy many2one/one2many/many2many slots
// that model.Record carries: a typed slot state machine with batched
// resolution, resolved on first use rather than eagerly.
package relation

import (
	"context"
	"fmt"

	"odoorpc.dev/model"
	"odoorpc.dev/transport"
)

// Executor is the RPC surface the resolver needs; client.Client satisfies
// it (mirrors query.Executor so both packages depend on the same shape
// without importing each other).
type Executor interface {
	ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, opts transport.CallOptions) (any, error)
	Registry() *model.Registry
}

// One resolves rec's many2one field and returns the related record, or nil
// if the field is null. A Resolved slot short-circuits to
// its cached value; use Invalidate first to force a re-fetch.
func One(ctx context.Context, exec Executor, rec *model.Record, field string) (*model.Record, error) {
	f, ok := fieldOf(exec, rec, field)
	if !ok {
		return nil, fmt.Errorf("relation: %s has no field %q", rec.Model, field)
	}
	if f.Kind != model.KindMany2One {
		return nil, fmt.Errorf("relation: %s.%s is not a many2one", rec.Model, field)
	}

	slot := rec.Slot(field)
	switch slot.State {
	case model.Resolved:
		return slot.ResolvedOne, nil
	case model.Failed:
		return nil, slot.Err
	}

	if slot.UnresolvedID == nil {
		slot.State = model.Resolved
		slot.ResolvedOne = nil
		return nil, nil
	}

	recs, err := fetchByIDs(ctx, exec, f.Target, []int64{*slot.UnresolvedID})
	if err != nil {
		slot.State = model.Failed
		slot.Err = err
		return nil, err
	}
	slot.State = model.Resolved
	if len(recs) > 0 {
		slot.ResolvedOne = recs[0]
	}
	return slot.ResolvedOne, nil
}

// Many resolves rec's one2many/many2many field.
func Many(ctx context.Context, exec Executor, rec *model.Record, field string) ([]*model.Record, error) {
	f, ok := fieldOf(exec, rec, field)
	if !ok {
		return nil, fmt.Errorf("relation: %s has no field %q", rec.Model, field)
	}
	if !f.IsToMany() {
		return nil, fmt.Errorf("relation: %s.%s is not a to-many relation", rec.Model, field)
	}

	slot := rec.Slot(field)
	switch slot.State {
	case model.Resolved:
		return slot.ResolvedMany, nil
	case model.Failed:
		return nil, slot.Err
	}

	if len(slot.UnresolvedIDs) == 0 {
		slot.State = model.Resolved
		slot.ResolvedMany = nil
		return nil, nil
	}

	recs, err := fetchByIDs(ctx, exec, f.Target, slot.UnresolvedIDs)
	if err != nil {
		slot.State = model.Failed
		slot.Err = err
		return nil, err
	}
	slot.State = model.Resolved
	slot.ResolvedMany = recs
	return recs, nil
}

func fieldOf(exec Executor, rec *model.Record, field string) (model.Field, bool) {
	d, ok := exec.Registry().Get(rec.Model)
	if !ok {
		return model.Field{}, false
	}
	return d.Field(field)
}

func fetchByIDs(ctx context.Context, exec Executor, targetModel string, ids []int64) ([]*model.Record, error) {
	d, ok := exec.Registry().Get(targetModel)
	if !ok {
		return nil, fmt.Errorf("relation: target model %q is not registered", targetModel)
	}
	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}
	result, err := exec.ExecuteKW(ctx, targetModel, "read", []any{anyIDs}, nil, transport.CallOptions{})
	if err != nil {
		return nil, err
	}
	list, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("relation: read on %s returned %T", targetModel, result)
	}
	out := make([]*model.Record, 0, len(list))
	byID := make(map[int64]*model.Record, len(list))
	for _, v := range list {
		row, ok := v.(map[string]any)
		if !ok {
			continue
		}
		rec, err := model.Materialize(d, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if rec.ID != nil {
			byID[*rec.ID] = rec
		}
	}
	// read does not guarantee input order; re-sort to match ids so
	// one2many/many2many field order is preserved.
	ordered := make([]*model.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			ordered = append(ordered, rec)
		}
	}
	return ordered, nil
}

// Set replaces a to-many field's linkage with exactly ids, compiled as the
// tuple-command wire form [(6, 0, ids)] (B mutation
// shortcuts: set).
func Set(field string, ids []int64) map[string]any {
	return map[string]any{field: [][3]any{{6, 0, toAny(ids)}}}
}

// Add links additional ids onto a to-many field without disturbing the
// existing linkage, compiled as one (4, id, 0) tuple per id (B:
// add).
func Add(field string, ids []int64) map[string]any {
	cmds := make([]any, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, [3]any{4, id, 0})
	}
	return map[string]any{field: cmds}
}

// Remove unlinks ids from a to-many field, compiled as one (3, id, 0)
// tuple per id (B: remove — unlink, not delete).
func Remove(field string, ids []int64) map[string]any {
	cmds := make([]any, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, [3]any{3, id, 0})
	}
	return map[string]any{field: cmds}
}

// Clear unlinks every record currently on a to-many field, compiled as the
// (5, 0, 0) tuple (B: clear).
func Clear(field string) map[string]any {
	return map[string]any{field: [][3]any{{5, 0, 0}}}
}

func toAny(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
