package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odoorpc.dev/rpcerr"
	"odoorpc.dev/transport"
)

func newTestSession(t *testing.T, handler http.HandlerFunc) (*Session, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	pool := transport.NewPool(transport.DefaultPoolOptions())
	tr := transport.New(srv.URL, pool)
	return New(tr), srv.Close
}

func echoResult(t *testing.T, result any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transport.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(transport.Response{JSONRPC: "2.0", ID: req.ID, Result: result})
	}
}

func TestSession_AuthenticateStoresIdentityOnSuccess(t *testing.T) {
	sess, closeFn := newTestSession(t, echoResult(t, float64(7)))
	defer closeFn()

	err := sess.Authenticate(context.Background(), "db", "admin", "pw", nil)
	require.NoError(t, err)
	assert.True(t, sess.Authenticated())
}

func TestSession_AuthenticateFalsyUIDFails(t *testing.T) {
	sess, closeFn := newTestSession(t, echoResult(t, false))
	defer closeFn()

	err := sess.Authenticate(context.Background(), "db", "admin", "wrong", nil)
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.KindAuthentication, rpcErr.Kind)
	assert.False(t, sess.Authenticated())
}

func TestSession_ReauthenticateUpdatesStoredIdentity(t *testing.T) {
	calls := 0
	sess, closeFn := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req transport.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		uid := float64(1)
		if calls == 2 {
			uid = float64(2)
		}
		_ = json.NewEncoder(w).Encode(transport.Response{JSONRPC: "2.0", ID: req.ID, Result: uid})
	})
	defer closeFn()

	require.NoError(t, sess.Authenticate(context.Background(), "db", "a", "pw1", nil))
	require.NoError(t, sess.Authenticate(context.Background(), "db", "a", "pw2", nil))
	db, uid, cred, ok := sess.identity()
	assert.True(t, ok)
	assert.Equal(t, "db", db)
	assert.Equal(t, int64(2), uid)
	assert.Equal(t, "pw2", cred)
}

func TestSession_LogoutClearsIdentity(t *testing.T) {
	sess, closeFn := newTestSession(t, echoResult(t, float64(5)))
	defer closeFn()
	require.NoError(t, sess.Authenticate(context.Background(), "db", "a", "pw", nil))
	require.True(t, sess.Authenticated())

	sess.Logout()
	assert.False(t, sess.Authenticated())
}

func TestSession_ExecuteKWFailsWhenUnauthenticated(t *testing.T) {
	sess, closeFn := newTestSession(t, echoResult(t, "should not be called"))
	defer closeFn()

	_, err := sess.ExecuteKW(context.Background(), "res.partner", "search_read", nil, nil, transport.CallOptions{})
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.KindAuthentication, rpcErr.Kind)
}

func TestSession_ExecuteKWUsesStoredIdentity(t *testing.T) {
	var seenArgs []any
	sess, closeFn := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		var req transport.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "call" && req.Params.Method == "authenticate" {
			_ = json.NewEncoder(w).Encode(transport.Response{JSONRPC: "2.0", ID: req.ID, Result: float64(9)})
			return
		}
		seenArgs = req.Params.Args
		_ = json.NewEncoder(w).Encode(transport.Response{JSONRPC: "2.0", ID: req.ID, Result: []any{}})
	})
	defer closeFn()

	require.NoError(t, sess.Authenticate(context.Background(), "mydb", "admin", "secret", nil))
	_, err := sess.ExecuteKW(context.Background(), "res.partner", "search_read", []any{}, nil, transport.CallOptions{})
	require.NoError(t, err)
	require.Len(t, seenArgs, 6)
	assert.Equal(t, "mydb", seenArgs[0])
	assert.Equal(t, float64(9), seenArgs[1])
	assert.Equal(t, "secret", seenArgs[2])
	assert.Equal(t, "res.partner", seenArgs[3])
}

func TestSession_HealthcheckNeverRequiresAuthentication(t *testing.T) {
	sess, closeFn := newTestSession(t, echoResult(t, map[string]any{"server_version": "17.0"}))
	defer closeFn()

	info, err := sess.Healthcheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "17.0", info["server_version"])
}

func TestSession_ListDatabasesReturnsStrings(t *testing.T) {
	sess, closeFn := newTestSession(t, echoResult(t, []any{"db1", "db2"}))
	defer closeFn()

	dbs, err := sess.ListDatabases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "db2"}, dbs)
}

func TestSession_DefaultContextReturnsIndependentCopy(t *testing.T) {
	sess, closeFn := newTestSession(t, echoResult(t, float64(1)))
	defer closeFn()
	require.NoError(t, sess.Authenticate(context.Background(), "db", "a", "pw", map[string]any{"lang": "en_US"}))

	ctx1 := sess.DefaultContext()
	ctx1["lang"] = "fr_FR"
	ctx2 := sess.DefaultContext()
	assert.Equal(t, "en_US", ctx2["lang"], "mutating a returned copy must not affect the session's stored context")
}

func TestSession_CloseLogsOut(t *testing.T) {
	sess, closeFn := newTestSession(t, echoResult(t, float64(1)))
	defer closeFn()
	require.NoError(t, sess.Authenticate(context.Background(), "db", "a", "pw", nil))
	require.NoError(t, sess.Close())
	assert.False(t, sess.Authenticated())
}
