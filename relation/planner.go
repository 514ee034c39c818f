package relation

import (
	"context"
	"fmt"
	"strings"

	"odoorpc.dev/model"
)

// DefaultMaxDepth bounds dotted prefetch-path depth so a pathological or
// cyclic descriptor graph cannot drive the planner into unbounded
// recursion.
const DefaultMaxDepth = 4

// Planner batches the resolution of one or more dotted relation paths
// across a whole record set into a bounded number of RPCs: one read per
// distinct (target model, depth level) pair rather than one per record
// per field.
type Planner struct {
	exec Executor
	maxDepth int
}

// NewPlanner builds a Planner with the given depth bound; maxDepth <= 0
// uses DefaultMaxDepth.
func NewPlanner(exec Executor, maxDepth int) *Planner {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Planner{exec: exec, maxDepth: maxDepth}
}

// Prefetch resolves every dotted path in paths across all of recs,
// mutating each record's relation slots in place. A path like
// "partner_id.country_id" resolves partner_id on every record in one
// batch read, then country_id on every distinct partner result in a
// second batch read — never one RPC per record.
func (p *Planner) Prefetch(ctx context.Context, recs []*model.Record, paths []string) error {
	for _, path := range paths {
		segs := strings.Split(path, ".")
		if len(segs) > p.maxDepth {
			return fmt.Errorf("relation: prefetch path %q exceeds max depth %d", path, p.maxDepth)
		}
		if err := p.walk(ctx, recs, segs, newVisited()); err != nil {
			return err
		}
	}
	return nil
}

// visited guards against a cyclic descriptor graph (e.g. partner_id.parent_id
// looping back) by tracking (model, id) pairs already expanded in this
// call's traversal (C cycle guard).
type visited struct {
	seen map[string]bool
}

func newVisited() *visited { return &visited{seen: make(map[string]bool)} }

func (v *visited) mark(modelName string, id int64) bool {
	key := fmt.Sprintf("%s#%d", modelName, id)
	if v.seen[key] {
		return false
	}
	v.seen[key] = true
	return true
}

func (p *Planner) walk(ctx context.Context, recs []*model.Record, segs []string, v *visited) error {
	if len(segs) == 0 || len(recs) == 0 {
		return nil
	}
	field := segs[0]

	toOne := make([]*model.Record, 0, len(recs))
	toMany := make([]*model.Record, 0, len(recs))
	for _, r := range recs {
		f, ok := fieldOf(p.exec, r, field)
		if !ok {
			continue
		}
		if f.IsToMany() {
			toMany = append(toMany, r)
		} else if f.Kind == model.KindMany2One {
			toOne = append(toOne, r)
		}
	}

	next, err := p.batchOne(ctx, toOne, field, v)
	if err != nil {
		return err
	}
	manyNext, err := p.batchMany(ctx, toMany, field, v)
	if err != nil {
		return err
	}
	next = append(next, manyNext...)

	return p.walk(ctx, next, segs[1:], v)
}

// batchOne resolves field (a many2one) on every record in recs with a
// single read call over the union of distinct target ids, then fans the
// results back out into each record's slot.
func (p *Planner) batchOne(ctx context.Context, recs []*model.Record, field string, v *visited) ([]*model.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	var targetModel string
	idSet := make(map[int64]bool)
	for _, r := range recs {
		f, _ := fieldOf(p.exec, r, field)
		targetModel = f.Target
		slot := r.Slot(field)
		if slot.State == model.Unresolved && slot.UnresolvedID != nil && v.mark(targetModel, *slot.UnresolvedID) {
			idSet[*slot.UnresolvedID] = true
		}
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	var fetched []*model.Record
	if len(ids) > 0 {
		var err error
		fetched, err = fetchByIDs(ctx, p.exec, targetModel, ids)
		if err != nil {
			return nil, err
		}
	}
	byID := make(map[int64]*model.Record, len(fetched))
	for _, rec := range fetched {
		if rec.ID != nil {
			byID[*rec.ID] = rec
		}
	}

	for _, r := range recs {
		slot := r.Slot(field)
		if slot.State != model.Unresolved {
			continue
		}
		slot.State = model.Resolved
		if slot.UnresolvedID != nil {
			slot.ResolvedOne = byID[*slot.UnresolvedID]
		}
	}
	return fetched, nil
}

// batchMany resolves field (a one2many/many2many) on every record in recs
// with a single read call over the union of distinct target ids.
func (p *Planner) batchMany(ctx context.Context, recs []*model.Record, field string, v *visited) ([]*model.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	var targetModel string
	idSet := make(map[int64]bool)
	for _, r := range recs {
		f, _ := fieldOf(p.exec, r, field)
		targetModel = f.Target
		slot := r.Slot(field)
		if slot.State != model.Unresolved {
			continue
		}
		for _, id := range slot.UnresolvedIDs {
			if v.mark(targetModel, id) {
				idSet[id] = true
			}
		}
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	var fetched []*model.Record
	if len(ids) > 0 {
		var err error
		fetched, err = fetchByIDs(ctx, p.exec, targetModel, ids)
		if err != nil {
			return nil, err
		}
	}
	byID := make(map[int64]*model.Record, len(fetched))
	for _, rec := range fetched {
		if rec.ID != nil {
			byID[*rec.ID] = rec
		}
	}

	for _, r := range recs {
		slot := r.Slot(field)
		if slot.State != model.Unresolved {
			continue
		}
		slot.State = model.Resolved
		resolved := make([]*model.Record, 0, len(slot.UnresolvedIDs))
		for _, id := range slot.UnresolvedIDs {
			if rec, ok := byID[id]; ok {
				resolved = append(resolved, rec)
			}
		}
		slot.ResolvedMany = resolved
	}
	return fetched, nil
}
