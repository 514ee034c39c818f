package batch

import (
	"context"
	"sync"

	"odoorpc.dev/transport"
)

// ChunkResult is one yielded chunk outcome from a streaming bulk call.
type ChunkResult struct {
	Index int
	IDs   []int64
	Err   error
}

// StreamCreate pulls records lazily from in, batches them into chunks of
// at most ChunkSize, and yields one ChunkResult per chunk as soon as it
// completes. Total count is unknown up front since the input is pulled
// lazily. The output channel closes once in is drained or ctx is
// cancelled, after every in-flight chunk has reported.
func StreamCreate(ctx context.Context, exec Executor, model string, in <-chan map[string]any, opts Options) <-chan ChunkResult {
	opts = opts.normalized()
	out := make(chan ChunkResult)

	go func() {
		defer close(out)
		sem := make(chan struct{}, opts.MaxConcurrency)
		var wg sync.WaitGroup

		index := 0
		buf := make([]map[string]any, 0, opts.ChunkSize)
		flush := func() {
			if len(buf) == 0 {
				return
			}
			chunk := buf
			buf = make([]map[string]any, 0, opts.ChunkSize)
			i := index
			index++

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out <- ChunkResult{Index: i, Err: ctx.Err()}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				values := make([]any, len(chunk))
				for j, rec := range chunk {
					values[j] = rec
				}
				result, err := exec.ExecuteKW(ctx, model, "create", []any{values}, nil, transport.CallOptions{})
				if err != nil {
					out <- ChunkResult{Index: i, Err: err}
					return
				}
				ids, err := decodeIDs(result)
				out <- ChunkResult{Index: i, IDs: ids, Err: err}
			}()
		}

	loop:
		for {
			select {
			case rec, ok := <-in:
				if !ok {
					break loop
				}
				buf = append(buf, rec)
				if len(buf) >= opts.ChunkSize {
					flush()
				}
			case <-ctx.Done():
				break loop
			}
		}
		flush()
		wg.Wait()
	}()

	return out
}
