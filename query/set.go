package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"odoorpc.dev/model"
	"odoorpc.dev/rpcerr"
	"odoorpc.dev/transport"
)

// defaultCacheName is the cache tag write paths invalidate by default,
// matching the "default" tag client.New registers its backends under.
const defaultCacheName = "default"

// Executor is the minimal surface a Set needs to reach the server: the
// authenticated RPC call plus a handle back to the model registry for
// materialization. client.Client satisfies this.
type Executor interface {
	ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, opts transport.CallOptions) (any, error)
	Registry() *model.Registry
}

// CacheHook lets a Set route its terminal reads through a cache.Manager
// without this package importing cache directly, keeping the dependency
// edge query -> cache optional: any Executor that also implements this
// (cache.Manager's own method set matches it structurally) gets read-
// through caching on Cache-enabled sets.
type CacheHook interface {
	GetOrCompute(ctx context.Context, name, key string, ttl time.Duration, dest any, producer func(ctx context.Context) (any, error)) error
}

// Invalidator lets a write path route cache invalidation back through a
// cache.Manager without this package importing cache directly, mirroring
// CacheHook's duck-typed wiring for reads.
type Invalidator interface {
	Invalidate(ctx context.Context, name, pattern string) error
}

// Order is one order_by clause.
type Order struct {
	Field string
	Desc bool
}

// Set is the persistent, copy-on-write query-set builder. Every
// chaining method returns a new Set; the receiver is never mutated, so
// a Set value can be shared and reused as a template:
// base.Filter(a) and base.Filter(b) do not interfere with each other.
type Set struct {
	exec Executor

	modelName string
	filters []Expr // ANDed together at compile time
	orders []Order
	limit *int // nil = unset; an explicit 0 is meaningful (matches nothing)
	offset int
	fields []string // projection; empty = all descriptor fields
	prefetch []string // relation paths to eagerly plan

	cacheName string // "" disables caching for this set
	cacheTTL int64 // seconds

	ctxOverride map[string]any
}

// New starts a fresh Set over modelName.
func New(exec Executor, modelName string) Set {
	return Set{exec: exec, modelName: modelName}
}

func (s Set) clone() Set {
	cp := s
	cp.filters = append([]Expr(nil), s.filters...)
	cp.orders = append([]Order(nil), s.orders...)
	cp.fields = append([]string(nil), s.fields...)
	cp.prefetch = append([]string(nil), s.prefetch...)
	return cp
}

// Filter ANDs an additional leaf/connective expression into the set.
func (s Set) Filter(e Expr) Set {
	cp := s.clone()
	cp.filters = append(cp.filters, e)
	return cp
}

// Exclude ANDs the negation of e.
func (s Set) Exclude(e Expr) Set {
	return s.Filter(Not(e))
}

// OrderBy replaces the ordering clause list.
func (s Set) OrderBy(orders...Order) Set {
	cp := s.clone()
	cp.orders = append([]Order(nil), orders...)
	return cp
}

// Limit sets the maximum row count. Limit(0) is a valid, explicit bound
// distinct from never calling Limit: it matches nothing and All/First/
// Delete/Update resolve it without issuing a read.
func (s Set) Limit(n int) Set {
	cp := s.clone()
	cp.limit = &n
	return cp
}

// Offset sets the row skip count.
func (s Set) Offset(n int) Set {
	cp := s.clone()
	cp.offset = n
	return cp
}

// Only restricts the read projection to the given fields.
func (s Set) Only(fields...string) Set {
	cp := s.clone()
	cp.fields = append([]string(nil), fields...)
	return cp
}

// Prefetch marks relation paths for eager resolution by relation.Planner
// once results materialize.
func (s Set) Prefetch(paths...string) Set {
	cp := s.clone()
	cp.prefetch = append(cp.prefetch, paths...)
	return cp
}

// Cache enables read-through caching of this set's terminal reads under
// name with the given ttl in seconds.
func (s Set) Cache(name string, ttlSeconds int64) Set {
	cp := s.clone()
	cp.cacheName = name
	cp.cacheTTL = ttlSeconds
	return cp
}

// WithContext overrides the Odoo context dict for this set's calls.
func (s Set) WithContext(ctx map[string]any) Set {
	cp := s.clone()
	cp.ctxOverride = ctx
	return cp
}

func (s Set) domain() Expr {
	if len(s.filters) == 0 {
		return Expr{Kind: ExprAnd}
	}
	if len(s.filters) == 1 {
		return s.filters[0]
	}
	return And(s.filters...)
}

func (s Set) searchReadKwargs() map[string]any {
	kw := map[string]any{
		"domain": Compile(s.domain()),
	}
	if len(s.fields) > 0 {
		kw["fields"] = s.fields
	}
	if s.limit != nil && *s.limit > 0 {
		kw["limit"] = *s.limit
	}
	if s.offset > 0 {
		kw["offset"] = s.offset
	}
	if len(s.orders) > 0 {
		kw["order"] = orderClause(s.orders)
	}
	if s.ctxOverride != nil {
		kw["context"] = s.ctxOverride
	}
	return kw
}

func orderClause(orders []Order) string {
	out := ""
	for i, o := range orders {
		if i > 0 {
			out += ", "
		}
		out += o.Field
		if o.Desc {
			out += " desc"
		} else {
			out += " asc"
		}
	}
	return out
}

// cacheKey derives this set's cache key from its compiled wire payload so
// that two differently-constructed but semantically identical sets share
// a cache entry.
func (s Set) cacheKey() (string, error) {
	payload, err := json.Marshal(s.searchReadKwargs())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%x", s.modelName, fnvSum(payload)), nil
}

func fnvSum(data []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

func (s Set) descriptor() (*model.Descriptor, error) {
	d, ok := s.exec.Registry().Get(s.modelName)
	if !ok {
		return nil, fmt.Errorf("query: model %q is not registered", s.modelName)
	}
	return d, nil
}

func (s Set) materializeRows(rows []map[string]any) ([]*model.Record, error) {
	d, err := s.descriptor()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := model.Materialize(d, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// All executes a search_read and returns every matching record. When
// Cache was called on this set and the executor implements CacheHook,
// the search_read result rows route through read-through caching with
// request coalescing before materialization.
func (s Set) All(ctx context.Context) ([]*model.Record, error) {
	if s.limit != nil && *s.limit == 0 {
		return nil, nil
	}
	if s.domain().isAlwaysFalse() {
		return nil, nil
	}

	fetch := func(ctx context.Context) (any, error) {
		return s.exec.ExecuteKW(ctx, s.modelName, "search_read", nil, s.searchReadKwargs(), transport.CallOptions{})
	}

	var rows []map[string]any
	if hook, ok := s.exec.(CacheHook); ok && s.cacheName != "" {
		key, err := s.cacheKey()
		if err != nil {
			return nil, err
		}
		var cached []map[string]any
		err = hook.GetOrCompute(ctx, s.cacheName, key, time.Duration(s.cacheTTL)*time.Second, &cached, func(ctx context.Context) (any, error) {
			result, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return decodeRows(result)
		})
		if err != nil {
			return nil, err
		}
		rows = cached
	} else {
		result, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		rows, err = decodeRows(result)
		if err != nil {
			return nil, err
		}
	}

	return s.materializeRows(rows)
}

// First executes the set bounded to one row and returns nil if empty.
func (s Set) First(ctx context.Context) (*model.Record, error) {
	if s.limit != nil && *s.limit == 0 {
		return nil, nil
	}
	recs, err := s.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// Get executes the set and requires exactly one match, erroring on 0 or
// more than 1 matches.
func (s Set) Get(ctx context.Context) (*model.Record, error) {
	recs, err := s.Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 0:
		return nil, s.notFoundErr()
	case 1:
		return recs[0], nil
	default:
		return nil, fmt.Errorf("query: get on %s matched more than one record", s.modelName)
	}
}

// notFoundErr builds the error Get returns on zero matches. When the set
// filters on a top-level id__exact leaf it reports rpcerr.NotFound with
// that id; otherwise the lookup has no single id to report and a plain
// KindNotFound error carries the model/method context instead.
func (s Set) notFoundErr() error {
	for _, f := range s.filters {
		if f.Kind != ExprLeaf || f.Field != "id" || f.Operator != OpExact {
			continue
		}
		switch id := f.Value.(type) {
		case int64:
			return rpcerr.NotFound(s.modelName, id)
		case int:
			return rpcerr.NotFound(s.modelName, int64(id))
		}
	}
	return rpcerr.New(rpcerr.KindNotFound, fmt.Sprintf("get on %s matched no records", s.modelName), rpcerr.Context{Model: s.modelName, Method: "search_read"})
}

// invalidateModel clears every cached entry keyed under this model after a
// successful write, on the default cache tag and, if this set reads
// through a differently named cache, that one too. Best-effort: an
// executor that doesn't implement Invalidator (no cache wired) is a no-op.
func (s Set) invalidateModel(ctx context.Context) {
	inv, ok := s.exec.(Invalidator)
	if !ok {
		return
	}
	pattern := s.modelName + ":*"
	_ = inv.Invalidate(ctx, defaultCacheName, pattern)
	if s.cacheName != "" && s.cacheName != defaultCacheName {
		_ = inv.Invalidate(ctx, s.cacheName, pattern)
	}
}

// Exists reports whether the set matches at least one row, via Count's
// search_count call; Count sends no limit, so the server counts every match.
func (s Set) Exists(ctx context.Context) (bool, error) {
	n, err := s.Limit(1).Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count executes search_count, ignoring projection/order.
func (s Set) Count(ctx context.Context) (int, error) {
	if s.domain().isAlwaysFalse() {
		return 0, nil
	}
	kw := map[string]any{"domain": Compile(s.domain())}
	if s.ctxOverride != nil {
		kw["context"] = s.ctxOverride
	}
	result, err := s.exec.ExecuteKW(ctx, s.modelName, "search_count", nil, kw, transport.CallOptions{})
	if err != nil {
		return 0, err
	}
	n, err := toInt(result)
	if err != nil {
		return 0, fmt.Errorf("query: search_count on %s: %w", s.modelName, err)
	}
	return n, nil
}

// Delete executes unlink against every id the set currently matches.
// It first resolves ids with a scoped search to avoid relying on the
// server accepting a domain directly to unlink.
func (s Set) Delete(ctx context.Context) (int, error) {
	ids, err := s.ids(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = s.exec.ExecuteKW(ctx, s.modelName, "unlink", []any{ids}, nil, transport.CallOptions{})
	if err != nil {
		return 0, err
	}
	s.invalidateModel(ctx)
	return len(ids), nil
}

// Update executes write(values) against every id the set currently
// matches.
func (s Set) Update(ctx context.Context, values map[string]any) (int, error) {
	ids, err := s.ids(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = s.exec.ExecuteKW(ctx, s.modelName, "write", []any{ids, values}, nil, transport.CallOptions{})
	if err != nil {
		return 0, err
	}
	s.invalidateModel(ctx)
	return len(ids), nil
}

// GetOrCreate executes Get and, on a no-match error, creates a record
// from defaults merged over the set's filter leaves. It only attempts
// the merge-from-filters shortcut for top-level exact leaves; anything
// else must be supplied via defaults.
func (s Set) GetOrCreate(ctx context.Context, defaults map[string]any) (*model.Record, bool, error) {
	rec, err := s.Get(ctx)
	if err == nil {
		return rec, false, nil
	}
	var rerr *rpcerr.Error
	if !errors.As(err, &rerr) || rerr.Kind != rpcerr.KindNotFound {
		return nil, false, err
	}

	values := make(map[string]any, len(defaults))
	for _, f := range s.filters {
		if f.Kind == ExprLeaf && f.Operator == OpExact {
			values[f.Field] = f.Value
		}
	}
	for k, v := range defaults {
		values[k] = v
	}

	result, err := s.exec.ExecuteKW(ctx, s.modelName, "create", []any{values}, nil, transport.CallOptions{})
	if err != nil {
		return nil, false, err
	}
	id, err := toInt(result)
	if err != nil {
		return nil, false, fmt.Errorf("query: create on %s: %w", s.modelName, err)
	}
	s.invalidateModel(ctx)
	created, err := New(s.exec, s.modelName).Filter(Leaf("id", OpExact, id)).Get(ctx)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s Set) ids(ctx context.Context) ([]int64, error) {
	if s.limit != nil && *s.limit == 0 {
		return nil, nil
	}
	if s.domain().isAlwaysFalse() {
		return nil, nil
	}
	kw := map[string]any{"domain": Compile(s.domain())}
	if s.limit != nil && *s.limit > 0 {
		kw["limit"] = *s.limit
	}
	if s.offset > 0 {
		kw["offset"] = s.offset
	}
	result, err := s.exec.ExecuteKW(ctx, s.modelName, "search", nil, kw, transport.CallOptions{})
	if err != nil {
		return nil, err
	}
	list, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("query: search on %s returned %T", s.modelName, result)
	}
	out := make([]int64, 0, len(list))
	for _, v := range list {
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		out = append(out, int64(n))
	}
	return out, nil
}

// Iter streams All's results over a channel, closing it once delivered or
// on the first error (D streaming variant). The channel is
// unbuffered; the caller must drain it to avoid leaking the goroutine.
func (s Set) Iter(ctx context.Context) (<-chan *model.Record, <-chan error) {
	out := make(chan *model.Record)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		recs, err := s.All(ctx)
		if err != nil {
			errc <- err
			return
		}
		for _, r := range recs {
			select {
			case out <- r:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return out, errc
}

// Aggregate calls the server's read_group directly and returns its raw
// rows, left untyped rather than folded into the typed record model
// since its shape varies with the grouping and aggregate functions
// requested.
func (s Set) Aggregate(ctx context.Context, groupBy []string, fields []string) ([]map[string]any, error) {
	if s.domain().isAlwaysFalse() {
		return nil, nil
	}
	kw := map[string]any{
		"domain": Compile(s.domain()),
		"groupby": groupBy,
		"fields": fields,
	}
	if s.ctxOverride != nil {
		kw["context"] = s.ctxOverride
	}
	result, err := s.exec.ExecuteKW(ctx, s.modelName, "read_group", nil, kw, transport.CallOptions{})
	if err != nil {
		return nil, err
	}
	return decodeRows(result)
}

func decodeRows(result any) ([]map[string]any, error) {
	list, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("query: search_read returned %T, want []any", result)
	}
	out := make([]map[string]any, 0, len(list))
	for _, v := range list {
		row, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("query: search_read row is %T, want map[string]any", v)
		}
		out = append(out, row)
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("query: expected numeric value, got %T", v)
	}
}
