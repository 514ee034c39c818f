package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odoorpc.dev/rpcerr"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Transport, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	pool := NewPool(DefaultPoolOptions())
	tr := New(srv.URL, pool)
	return tr, srv.Close
}

func TestTransport_CallDecodesSuccessResult(t *testing.T) {
	tr, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: []any{map[string]any{"id": float64(1)}}})
	})
	defer closeFn()

	result, err := tr.Call(context.Background(), Params{Service: "object", Method: "execute_kw"}, CallOptions{})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestTransport_CallRejectsMismatchedResponseID(t *testing.T) {
	tr, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: 99999, Result: "ok"})
	})
	defer closeFn()

	_, err := tr.Call(context.Background(), Params{Method: "execute_kw"}, CallOptions{})
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.KindProtocol, rpcErr.Kind)
}

func TestTransport_CallClassifiesAccessError(t *testing.T) {
	tr, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Error: &ResponseError{
			Code: 200, Message: "access denied",
			Data: ResponseErrorData{Name: "odoo.exceptions.AccessDenied"},
		}})
	})
	defer closeFn()

	_, err := tr.Call(context.Background(), Params{Method: "execute_kw", Args: []any{"db", int64(1), "pw", "res.partner"}}, CallOptions{})
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.KindAccess, rpcErr.Kind)
	assert.Equal(t, "res.partner", rpcErr.Ctx.Model)
}

func TestTransport_CallClassifiesValidationError(t *testing.T) {
	tr, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Error: &ResponseError{
			Message: "missing field", Data: ResponseErrorData{Name: "odoo.exceptions.ValidationError"},
		}})
	})
	defer closeFn()

	_, err := tr.Call(context.Background(), Params{Method: "execute_kw"}, CallOptions{})
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.KindValidation, rpcErr.Kind)
}

func TestTransport_CallClassifiesSerializationFailureAsDeadlock(t *testing.T) {
	tr, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Error: &ResponseError{
			Message: "could not serialize access due to concurrent update",
			Data: ResponseErrorData{Name: "psycopg2.errors.SerializationFailure"},
		}})
	})
	defer closeFn()

	_, err := tr.Call(context.Background(), Params{Method: "execute_kw"}, CallOptions{})
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.KindDeadlock, rpcErr.Kind)
	assert.True(t, rpcErr.Retryable)
}

func TestTransport_CallClassifiesUnknownErrorNameAsInternal(t *testing.T) {
	tr, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Error: &ResponseError{
			Message: "boom", Data: ResponseErrorData{Name: "some.other.Exception"},
		}})
	})
	defer closeFn()

	_, err := tr.Call(context.Background(), Params{Method: "execute_kw"}, CallOptions{})
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.KindInternal, rpcErr.Kind)
}

func TestTransport_CallTimesOutAsKindTimeout(t *testing.T) {
	tr, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: 1, Result: "ok"})
	})
	defer closeFn()

	_, err := tr.Call(context.Background(), Params{Method: "execute_kw"}, CallOptions{Timeout: 5 * time.Millisecond})
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.KindTimeout, rpcErr.Kind)
}

func TestTransport_CallSetsCustomHeaders(t *testing.T) {
	var seen string
	tr, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Custom")
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: "ok"})
	})
	defer closeFn()

	_, err := tr.Call(context.Background(), Params{Method: "execute_kw"}, CallOptions{Headers: map[string]string{"X-Custom": "abc"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", seen)
}

func TestExecuteKW_OmitsEmptyKwargs(t *testing.T) {
	p := ExecuteKW("db", 2, "pw", "res.partner", "search_read", []any{}, nil)
	assert.Len(t, p.Args, 6)
}

func TestExecuteKW_AppendsKwargsWhenPresent(t *testing.T) {
	p := ExecuteKW("db", 2, "pw", "res.partner", "search_read", []any{}, map[string]any{"limit": 10})
	assert.Len(t, p.Args, 7)
}
