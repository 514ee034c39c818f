// Package batch implements chunked, bounded-concurrency bulk mutations
// using a buffered-channel semaphore dispatch pattern: bounded fan-out
// over data chunks with ordered result collection.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"odoorpc.dev/transport"
)

const (
	DefaultChunkSize      = 100
	MaxChunkSize          = 1000
	DefaultMaxConcurrency = 4
)

// FailureMode selects partial-failure handling across chunks.
type FailureMode int

const (
	StopOnError FailureMode = iota
	ContinueOnError
)

// OpKind names the bulk operation a progress sink observes.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// ProgressFunc is invoked after each chunk completes with
// (processed, total, op-kind). Ordering across concurrent chunks is
// unspecified; processed is monotonic.
type ProgressFunc func(processed, total int, op OpKind)

// Executor is the RPC surface batch needs.
type Executor interface {
	ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, opts transport.CallOptions) (any, error)
}

// Invalidator lets a bulk write route cache invalidation back through a
// cache.Manager without this package importing cache directly, mirroring
// query.Invalidator's duck-typed wiring.
type Invalidator interface {
	Invalidate(ctx context.Context, name, pattern string) error
}

// defaultCacheName is the cache tag bulk writes invalidate, matching the
// "default" tag client.New registers its backends under.
const defaultCacheName = "default"

// invalidateModel clears cached entries for model after a bulk write that
// produced at least one success. Best-effort: an exec that doesn't
// implement Invalidator (no cache wired) is a no-op.
func invalidateModel(ctx context.Context, exec Executor, model string, res Result) {
	if len(res.Successful) == 0 {
		return
	}
	inv, ok := exec.(Invalidator)
	if !ok {
		return
	}
	_ = inv.Invalidate(ctx, defaultCacheName, model+":*")
}

// Options configures one bulk call.
type Options struct {
	ChunkSize      int
	MaxConcurrency int
	Mode           FailureMode
	Progress       ProgressFunc
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize > MaxChunkSize {
		o.ChunkSize = MaxChunkSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	return o
}

// ChunkError records one failed chunk, preserving its input index range so
// the caller can correlate results back to input order.
type ChunkError struct {
	ChunkIndex int
	Start, End int // half-open input range [Start, End)
	Err        error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("batch: chunk %d (records %d-%d): %v", e.ChunkIndex, e.Start, e.End, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Result aggregates the outcome of a bulk call.
type Result struct {
	Successful []int64 // ids of succeeded records, in chunk order; within an update chunk, grouped by change set
	Failed     []ChunkError

	// RollbackRequested is set under StopOnError when a chunk failed and at
	// least one other chunk succeeded; a caller running inside a txn.Scope
	// should roll the scope back on seeing this.
	RollbackRequested bool
}

type chunkJob struct {
	index int
	start, end int
	run func(ctx context.Context) ([]int64, error)

	// retryOne issues a single-record RPC for the absolute input index idx.
	// Set only by ops that can usefully fall back to per-record issue; used
	// in ContinueOnError mode when the whole-chunk run fails.
	retryOne func(ctx context.Context, idx int) (int64, error)
}

// recordError is one failed record discovered during a chunk's per-record
// fallback.
type recordError struct {
	index int
	err error
}

type chunkOutcome struct {
	index int
	start, end int
	ids []int64
	err error

	// recordErrs is non-nil once a per-record fallback was attempted for
	// this chunk, even if it found no failures, distinguishing "fell back
	// and partially succeeded" from "never attempted a fallback".
	recordErrs []recordError
}

// fallbackPerRecord retries every record in job's range individually,
// collecting each success and each failure separately instead of letting
// one bad record sink the whole chunk.
func fallbackPerRecord(ctx context.Context, job chunkJob) ([]int64, []recordError) {
	var ids []int64
	errs := make([]recordError, 0)
	for i := job.start; i < job.end; i++ {
		id, err := job.retryOne(ctx, i)
		if err != nil {
			errs = append(errs, recordError{index: i, err: err})
			continue
		}
		ids = append(ids, id)
	}
	return ids, errs
}

// run executes jobs with bounded concurrency via a buffered-channel
// semaphore, honoring FailureMode for cancellation of not-yet-started
// chunks.
func run(ctx context.Context, jobs []chunkJob, opts Options, total int, op OpKind) Result {
	sem := make(chan struct{}, opts.MaxConcurrency)
	outcomes := make([]chunkOutcome, len(jobs))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var processed int64Counter
	var stopped boolFlag

	for _, job := range jobs {
		if opts.Mode == StopOnError && stopped.get() {
			outcomes[job.index] = chunkOutcome{index: job.index, start: job.start, end: job.end, err: context.Canceled}
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			outcomes[job.index] = chunkOutcome{index: job.index, start: job.start, end: job.end, err: runCtx.Err()}
			continue
		}
		wg.Add(1)
		go func(job chunkJob) {
			defer wg.Done()
			defer func() { <-sem }()

			ids, err := job.run(runCtx)
			if err != nil && opts.Mode == ContinueOnError && job.retryOne != nil {
				fallbackIDs, recordErrs := fallbackPerRecord(runCtx, job)
				outcomes[job.index] = chunkOutcome{index: job.index, start: job.start, end: job.end, ids: fallbackIDs, recordErrs: recordErrs}
			} else {
				outcomes[job.index] = chunkOutcome{index: job.index, start: job.start, end: job.end, ids: ids, err: err}
			}

			n := processed.add(job.end - job.start)
			if opts.Progress != nil {
				opts.Progress(n, total, op)
			}
			if err != nil && opts.Mode == StopOnError {
				stopped.set()
				cancel()
			}
		}(job)
	}
	wg.Wait()

	var res Result
	startedAnyBeforeFailure := false
	for _, o := range outcomes {
		if o.err != nil && o.recordErrs == nil {
			res.Failed = append(res.Failed, ChunkError{ChunkIndex: o.index, Start: o.start, End: o.end, Err: o.err})
			continue
		}
		if len(o.ids) > 0 {
			startedAnyBeforeFailure = true
		}
		res.Successful = append(res.Successful, o.ids...)
		for _, re := range o.recordErrs {
			res.Failed = append(res.Failed, ChunkError{ChunkIndex: o.index, Start: re.index, End: re.index + 1, Err: re.err})
		}
	}
	if opts.Mode == StopOnError && len(res.Failed) > 0 && startedAnyBeforeFailure {
		res.RollbackRequested = true
	}
	return res
}

// int64Counter and boolFlag are tiny mutex-guarded counters; sync/atomic
// is avoided here since the values are read back under the same
// goroutine's closure rather than polled hot.
type int64Counter struct {
	mu sync.Mutex
	n int
}

func (c *int64Counter) add(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += delta
	return c.n
}

type boolFlag struct {
	mu sync.Mutex
	v bool
}

func (f *boolFlag) set() {
	f.mu.Lock()
	f.v = true
	f.mu.Unlock()
}

func (f *boolFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

func chunkRanges(n, size int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// BulkCreate creates records in chunks of at most ChunkSize, one create
// RPC per chunk.
func BulkCreate(ctx context.Context, exec Executor, model string, records []map[string]any, opts Options) Result {
	opts = opts.normalized()
	ranges := chunkRanges(len(records), opts.ChunkSize)
	jobs := make([]chunkJob, len(ranges))
	for i, r := range ranges {
		start, end := r[0], r[1]
		chunk := records[start:end]
		jobs[i] = chunkJob{
			index: i, start: start, end: end,
			run: func(ctx context.Context) ([]int64, error) {
				values := make([]any, len(chunk))
				for j, rec := range chunk {
					values[j] = rec
				}
				result, err := exec.ExecuteKW(ctx, model, "create", []any{values}, nil, transport.CallOptions{})
				if err != nil {
					return nil, err
				}
				return decodeIDs(result)
			},
			retryOne: func(ctx context.Context, idx int) (int64, error) {
				result, err := exec.ExecuteKW(ctx, model, "create", []any{[]any{records[idx]}}, nil, transport.CallOptions{})
				if err != nil {
					return 0, err
				}
				ids, err := decodeIDs(result)
				if err != nil {
					return 0, err
				}
				if len(ids) == 0 {
					return 0, fmt.Errorf("batch: create on %s returned no id", model)
				}
				return ids[0], nil
			},
		}
	}
	res := run(ctx, jobs, opts, len(records), OpCreate)
	invalidateModel(ctx, exec, model, res)
	return res
}

// Update is one id paired with the field changes to apply to it.
type Update struct {
	ID      int64
	Changes map[string]any
}

// BulkUpdate writes updates in chunks, grouping ids with byte-identical
// Changes into a single write call per chunk where possible.
func BulkUpdate(ctx context.Context, exec Executor, model string, updates []Update, opts Options) Result {
	opts = opts.normalized()
	ranges := chunkRanges(len(updates), opts.ChunkSize)
	jobs := make([]chunkJob, len(ranges))
	for i, r := range ranges {
		start, end := r[0], r[1]
		chunk := updates[start:end]
		jobs[i] = chunkJob{
			index: i, start: start, end: end,
			run: func(ctx context.Context) ([]int64, error) {
				groups := groupByChanges(chunk)
				ids := make([]int64, 0, len(chunk))
				for _, g := range groups {
					_, err := exec.ExecuteKW(ctx, model, "write", []any{g.ids, g.changes}, nil, transport.CallOptions{})
					if err != nil {
						return ids, err
					}
					ids = append(ids, g.ids...)
				}
				return ids, nil
			},
			retryOne: func(ctx context.Context, idx int) (int64, error) {
				u := updates[idx]
				_, err := exec.ExecuteKW(ctx, model, "write", []any{[]int64{u.ID}, u.Changes}, nil, transport.CallOptions{})
				if err != nil {
					return 0, err
				}
				return u.ID, nil
			},
		}
	}
	res := run(ctx, jobs, opts, len(updates), OpUpdate)
	invalidateModel(ctx, exec, model, res)
	return res
}

type updateGroup struct {
	changes map[string]any
	ids     []int64
}

// groupByChanges clusters updates whose Changes maps are deeply equal via
// their JSON-stable digest, preserving input order within and across
// groups so the first write call issued matches the first distinct
// change set encountered.
func groupByChanges(updates []Update) []updateGroup {
	order := make([]string, 0)
	byDigest := make(map[string]*updateGroup)
	for _, u := range updates {
		d := changeDigest(u.Changes)
		g, ok := byDigest[d]
		if !ok {
			g = &updateGroup{changes: u.Changes}
			byDigest[d] = g
			order = append(order, d)
		}
		g.ids = append(g.ids, u.ID)
	}
	out := make([]updateGroup, 0, len(order))
	for _, d := range order {
		out = append(out, *byDigest[d])
	}
	return out
}

// BulkDelete unlinks ids in chunks.
func BulkDelete(ctx context.Context, exec Executor, model string, ids []int64, opts Options) Result {
	opts = opts.normalized()
	ranges := chunkRanges(len(ids), opts.ChunkSize)
	jobs := make([]chunkJob, len(ranges))
	for i, r := range ranges {
		start, end := r[0], r[1]
		chunk := ids[start:end]
		jobs[i] = chunkJob{
			index: i, start: start, end: end,
			run: func(ctx context.Context) ([]int64, error) {
				_, err := exec.ExecuteKW(ctx, model, "unlink", []any{chunk}, nil, transport.CallOptions{})
				if err != nil {
					return nil, err
				}
				return chunk, nil
			},
			retryOne: func(ctx context.Context, idx int) (int64, error) {
				id := ids[idx]
				_, err := exec.ExecuteKW(ctx, model, "unlink", []any{[]int64{id}}, nil, transport.CallOptions{})
				if err != nil {
					return 0, err
				}
				return id, nil
			},
		}
	}
	res := run(ctx, jobs, opts, len(ids), OpDelete)
	invalidateModel(ctx, exec, model, res)
	return res
}

// changeDigest produces a stable digest of a changes map regardless of Go
// map iteration order, by sorting keys before marshaling.
func changeDigest(changes map[string]any) string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, changes[k])
	}
	raw, _ := json.Marshal(ordered)
	return string(raw)
}

func decodeIDs(result any) ([]int64, error) {
	switch v := result.(type) {
	case []any:
		out := make([]int64, 0, len(v))
		for _, item := range v {
			n, err := toInt64(item)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return []int64{n}, nil
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
		return 0, fmt.Errorf("batch: expected numeric id, got %T", v)
	}
}
