package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odoorpc.dev/transport"
)

type fakeExec struct {
	mu        sync.Mutex
	calls     []fakeCall
	failOn    map[int]error // call index (0-based, in call order) -> error
	failOnCreateName map[string]bool // fails every create call carrying a record with this name, regardless of retry
	nextID    int64
	maxInFlight int
	inFlight  int

	invalidations []string
}

type fakeCall struct {
	method string
	args   []any
}

func (f *fakeExec) Invalidate(ctx context.Context, name, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations = append(f.invalidations, name+":"+pattern)
	return nil
}

func (f *fakeExec) createBatchHasFailingName(values []any) bool {
	if len(f.failOnCreateName) == 0 {
		return false
	}
	for _, v := range values {
		rec, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := rec["name"].(string); ok && f.failOnCreateName[name] {
			return true
		}
	}
	return false
}

func (f *fakeExec) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, opts transport.CallOptions) (any, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	idx := len(f.calls)
	f.calls = append(f.calls, fakeCall{method: method, args: args})
	err := f.failOn[idx]
	if err == nil && method == "create" {
		if values, ok := args[0].([]any); ok && f.createBatchHasFailingName(values) {
			err = assertErr
		}
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if err != nil {
		return nil, err
	}

	switch method {
	case "create":
		values := args[0].([]any)
		out := make([]any, len(values))
		for i := range values {
			f.mu.Lock()
			f.nextID++
			out[i] = float64(f.nextID)
			f.mu.Unlock()
		}
		if len(out) == 1 {
			return out[0], nil
		}
		return out, nil
	case "write":
		return true, nil
	case "unlink":
		return true, nil
	default:
		return nil, nil
	}
}

func TestBulkCreate_ChunksAndCollectsIDsInOrder(t *testing.T) {
	exec := &fakeExec{}
	records := make([]map[string]any, 5)
	for i := range records {
		records[i] = map[string]any{"name": fmt.Sprintf("rec-%d", i)}
	}
	res := BulkCreate(context.Background(), exec, "res.partner", records, Options{ChunkSize: 2, MaxConcurrency: 1})
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Successful, 5)
}

func TestBulkCreate_RespectsMaxConcurrency(t *testing.T) {
	exec := &fakeExec{}
	records := make([]map[string]any, 20)
	for i := range records {
		records[i] = map[string]any{"name": fmt.Sprintf("rec-%d", i)}
	}
	BulkCreate(context.Background(), exec, "res.partner", records, Options{ChunkSize: 1, MaxConcurrency: 3})
	assert.LessOrEqual(t, exec.maxInFlight, 3)
}

func TestBulkCreate_StopOnErrorHaltsRemainingChunks(t *testing.T) {
	exec := &fakeExec{failOn: map[int]error{0: assertErr}}
	records := make([]map[string]any, 10)
	for i := range records {
		records[i] = map[string]any{"name": fmt.Sprintf("rec-%d", i)}
	}
	res := BulkCreate(context.Background(), exec, "res.partner", records, Options{ChunkSize: 1, MaxConcurrency: 1, Mode: StopOnError})
	require.NotEmpty(t, res.Failed)
	assert.Less(t, len(exec.calls), 10, "StopOnError must cancel unstarted chunks")
}

func TestBulkCreate_ContinueOnErrorRunsAllChunks(t *testing.T) {
	exec := &fakeExec{failOnCreateName: map[string]bool{"rec-2": true}}
	records := make([]map[string]any, 5)
	for i := range records {
		records[i] = map[string]any{"name": fmt.Sprintf("rec-%d", i)}
	}
	res := BulkCreate(context.Background(), exec, "res.partner", records, Options{ChunkSize: 1, MaxConcurrency: 1, Mode: ContinueOnError})
	assert.Len(t, res.Failed, 1)
	assert.Len(t, res.Successful, 4)
}

// TestBulkCreate_ContinueOnError_PartialChunkFailureFallsBackPerRecord covers
// the case where a single bad record shares a chunk with good ones: the
// chunk-level create fails as a whole, but falling back to one create per
// record still yields successes for the records that were fine.
func TestBulkCreate_ContinueOnError_PartialChunkFailureFallsBackPerRecord(t *testing.T) {
	exec := &fakeExec{failOnCreateName: map[string]bool{"rec-1": true}}
	records := []map[string]any{
		{"name": "rec-0"},
		{"name": "rec-1"},
		{"name": "rec-2"},
	}
	res := BulkCreate(context.Background(), exec, "res.partner", records, Options{ChunkSize: 3, MaxConcurrency: 1, Mode: ContinueOnError})
	assert.Len(t, res.Successful, 2, "records 0 and 2 must still succeed despite sharing a chunk with record 1")
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Start)
	assert.Equal(t, 2, res.Failed[0].End)
}

func TestBulkCreate_InvalidatesCacheOnSuccess(t *testing.T) {
	exec := &fakeExec{}
	records := []map[string]any{{"name": "rec-0"}}
	res := BulkCreate(context.Background(), exec, "res.partner", records, Options{})
	require.Empty(t, res.Failed)
	assert.Contains(t, exec.invalidations, "default:res.partner:*")
}

func TestBulkCreate_NoInvalidationWhenEverythingFails(t *testing.T) {
	exec := &fakeExec{failOn: map[int]error{0: assertErr}}
	records := []map[string]any{{"name": "rec-0"}}
	BulkCreate(context.Background(), exec, "res.partner", records, Options{})
	assert.Empty(t, exec.invalidations)
}

func TestBulkUpdate_GroupsIdenticalChangesIntoOneCall(t *testing.T) {
	exec := &fakeExec{}
	updates := []Update{
		{ID: 1, Changes: map[string]any{"active": false}},
		{ID: 2, Changes: map[string]any{"active": false}},
		{ID: 3, Changes: map[string]any{"active": true}},
	}
	res := BulkUpdate(context.Background(), exec, "res.partner", updates, Options{ChunkSize: 10, MaxConcurrency: 1})
	assert.Empty(t, res.Failed)
	assert.ElementsMatch(t, []int64{1, 2, 3}, res.Successful)

	writeCalls := 0
	for _, c := range exec.calls {
		if c.method == "write" {
			writeCalls++
		}
	}
	assert.Equal(t, 2, writeCalls, "two distinct change sets must yield exactly two write() calls")
}

func TestGroupByChanges_OrderIndependentDigest(t *testing.T) {
	updates := []Update{
		{ID: 1, Changes: map[string]any{"a": 1, "b": 2}},
		{ID: 2, Changes: map[string]any{"b": 2, "a": 1}}, // same content, different map insertion order
	}
	groups := groupByChanges(updates)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []int64{1, 2}, groups[0].ids)
}

func TestBulkDelete_ChunksIDs(t *testing.T) {
	exec := &fakeExec{}
	ids := []int64{1, 2, 3, 4, 5}
	res := BulkDelete(context.Background(), exec, "res.partner", ids, Options{ChunkSize: 2, MaxConcurrency: 2})
	assert.Empty(t, res.Failed)
	assert.ElementsMatch(t, ids, res.Successful)
}

func TestOptions_NormalizedAppliesDefaultsAndCaps(t *testing.T) {
	o := Options{}.normalized()
	assert.Equal(t, DefaultChunkSize, o.ChunkSize)
	assert.Equal(t, DefaultMaxConcurrency, o.MaxConcurrency)

	capped := Options{ChunkSize: MaxChunkSize + 500}.normalized()
	assert.Equal(t, MaxChunkSize, capped.ChunkSize)
}

func TestChunkRanges_CoversWholeInputWithoutOverlap(t *testing.T) {
	ranges := chunkRanges(10, 3)
	assert.Equal(t, [][2]int{{0, 3}, {3, 6}, {6, 9}, {9, 10}}, ranges)
}

var assertErr = fmt.Errorf("synthetic failure")
