package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"odoorpc.dev/rpcerr"
)

// CallOptions are the per-call overrides: request timeout and additional
// headers. The context is Call's own ctx argument.
type CallOptions struct {
	Timeout time.Duration
	Headers map[string]string
}

// Transport marshals typed RPC calls to wire frames over a pooled HTTP
// connection and demarshals responses into a typed rpcerr on failure.
// It is a single-attempt core with no retry loop of its own — retrying
// is the retry manager's job, not the transport's.
type Transport struct {
	endpoint string
	pool *Pool
	nextID int64
}

// New builds a Transport against endpoint using pool for connection reuse.
func New(endpoint string, pool *Pool) *Transport {
	return &Transport{endpoint: strings.TrimRight(endpoint, "/"), pool: pool}
}

// Call issues one JSON-RPC request and returns the decoded result, or a
// *rpcerr.Error classified per the closed kind table.
func (t *Transport) Call(ctx context.Context, params Params, opts CallOptions) (any, error) {
	id := atomic.AddInt64(&t.nextID, 1)
	req := Request{JSONRPC: "2.0", ID: id, Method: "call", Params: params}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, err, rpcerr.Context{Method: params.Method})
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, err, rpcerr.Context{Method: params.Method})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.pool.Client().Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(err, params)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindConnection, err, rpcerr.Context{Method: params.Method})
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, err, rpcerr.Context{Method: params.Method})
	}
	if resp.ID != id {
		return nil, rpcerr.New(rpcerr.KindProtocol, fmt.Sprintf("response id %d does not match request id %d", resp.ID, id), rpcerr.Context{Method: params.Method})
	}
	if resp.Error != nil {
		return nil, decodeServerError(resp.Error, params)
	}
	return resp.Result, nil
}

func classifyTransportErr(err error, params Params) *rpcerr.Error {
	ctx := rpcerr.Context{Method: params.Method}
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcerr.Wrap(rpcerr.KindTimeout, err, ctx)
	}
	return rpcerr.Wrap(rpcerr.KindConnection, err, ctx)
}

// accessErrorNames/validationErrorNames are necessarily non-exhaustive: the
// source never enumerates the full server error-name taxonomy, so
// unmatched names fall through to InternalError.
var accessErrorNames = map[string]bool{
	"odoo.exceptions.AccessError": true,
	"odoo.exceptions.AccessDenied": true,
}

var validationErrorNames = map[string]bool{
	"odoo.exceptions.ValidationError": true,
	"odoo.exceptions.UserError": true,
	"odoo.exceptions.MissingError": true,
	"psycopg2.IntegrityError": true,
}

var methodNotFoundNames = map[string]bool{
	"builtins.AttributeError": true,
	"builtins.KeyError": true,
}

// serializationErrorNames covers the database-level conflict exceptions
// Odoo lets bubble up through execute_kw when two transactions touch the
// same rows: psycopg2's serialization failure and the wrapped "could not
// serialize access" message it raises from concurrent updates, plus a
// plain deadlock detection. All three mean the same thing to a caller:
// retry the whole scope.
var serializationErrorNames = map[string]bool{
	"psycopg2.errors.SerializationFailure": true,
	"psycopg2.extensions.TransactionRollbackError": true,
	"psycopg2.errors.DeadlockDetected": true,
}

func decodeServerError(e *ResponseError, params Params) *rpcerr.Error {
	ctx := rpcerr.Context{Model: methodModel(params), Method: params.Method}
	kind := rpcerr.KindInternal
	switch {
	case accessErrorNames[e.Data.Name]:
		kind = rpcerr.KindAccess
	case validationErrorNames[e.Data.Name]:
		kind = rpcerr.KindValidation
	case methodNotFoundNames[e.Data.Name]:
		kind = rpcerr.KindMethodNotFound
	case serializationErrorNames[e.Data.Name]:
		kind = rpcerr.KindDeadlock
	}
	out := rpcerr.New(kind, e.Message, ctx)
	out.Traceback = e.Data.Debug
	return out
}

// methodModel recovers the target model name from execute_kw's positional
// args for error context (structured context).
func methodModel(p Params) string {
	if p.Method != "execute_kw" || len(p.Args) < 4 {
		return ""
	}
	if m, ok := p.Args[3].(string); ok {
		return m
	}
	return ""
}
