// Package session owns the auth lifecycle and server identity calls that
// sit directly on top of transport: remote-session credential tracking
// rather than local token issuance.
package session

import (
	"context"
	"fmt"
	"sync"

	"odoorpc.dev/rpcerr"
	"odoorpc.dev/transport"
)

// Session holds server-endpoint identity and the authenticated state.
// UID is zero until Authenticate succeeds.
type Session struct {
	mu sync.RWMutex

	transport *transport.Transport

	database   string
	uid        int64
	credential string
	context    map[string]any
}

// New constructs a Session with endpoint/transport wiring only — no server
// I/O happens here.
func New(t *transport.Transport) *Session {
	return &Session{transport: t, context: make(map[string]any)}
}

// Authenticate performs login and, on success, stores (db, uid, credential,
// default-context). Re-authenticating updates the stored state; this
// call is idempotent.
func (s *Session) Authenticate(ctx context.Context, db, login, credential string, defaultContext map[string]any) error {
	params := transport.Params{
		Service: "common",
		Method:  "authenticate",
		Args:    []any{db, login, credential, defaultContext},
	}
	result, err := s.transport.Call(ctx, params, transport.CallOptions{})
	if err != nil {
		return err
	}

	uid, ok := asUID(result)
	if !ok {
		return rpcerr.New(rpcerr.KindAuthentication, "authentication returned a falsy uid", rpcerr.Context{Method: "authenticate"})
	}

	s.mu.Lock()
	s.database = db
	s.uid = uid
	s.credential = credential
	if defaultContext != nil {
		s.context = defaultContext
	}
	s.mu.Unlock()
	return nil
}

// asUID decodes the authenticate result: an integer uid, or any falsy
// JSON value (false, null, 0) signals an authentication failure.
func asUID(result any) (int64, bool) {
	switch v := result.(type) {
	case bool:
		return 0, false
	case nil:
		return 0, false
	case float64:
		if v == 0 {
			return 0, false
		}
		return int64(v), true
	case int64:
		if v == 0 {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
}

// Logout clears authenticated state. Outstanding calls already in flight
// carry their own copy of the uid/credential, so they complete under the
// old identity and then fail on their next retry once the manager
// re-reads session state.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = 0
	s.credential = ""
	s.database = ""
}

// Authenticated reports whether the session currently holds a uid.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid != 0
}

// identity snapshots (db, uid, credential) under the read lock for a
// single outbound call, so every concurrent RPC sees a consistent
// identity even while Authenticate or Logout runs concurrently.
func (s *Session) identity() (db string, uid int64, credential string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.database, s.uid, s.credential, s.uid != 0
}

// DefaultContext returns a copy of the session's default context map.
func (s *Session) DefaultContext() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.context))
	for k, v := range s.context {
		out[k] = v
	}
	return out
}

// ExecuteKW issues the primary execute_kw RPC using the session's current
// identity.
func (s *Session) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, opts transport.CallOptions) (any, error) {
	db, uid, credential, ok := s.identity()
	if !ok {
		return nil, rpcerr.New(rpcerr.KindAuthentication, "session is not authenticated", rpcerr.Context{Model: model, Method: method})
	}
	params := transport.ExecuteKW(db, uid, credential, model, method, args, kwargs)
	return s.transport.Call(ctx, params, opts)
}

// Healthcheck calls the server's version endpoint; it never requires
// authentication.
func (s *Session) Healthcheck(ctx context.Context) (map[string]any, error) {
	result, err := s.transport.Call(ctx, transport.Params{Service: "common", Method: "version"}, transport.CallOptions{})
	if err != nil {
		return nil, err
	}
	m, ok := result.(map[string]any)
	if !ok {
		return nil, rpcerr.New(rpcerr.KindProtocol, fmt.Sprintf("unexpected version payload %T", result), rpcerr.Context{Method: "version"})
	}
	return m, nil
}

// ListDatabases enumerates available databases; it never requires
// authentication.
func (s *Session) ListDatabases(ctx context.Context) ([]string, error) {
	result, err := s.transport.Call(ctx, transport.Params{Service: "db", Method: "list"}, transport.CallOptions{})
	if err != nil {
		return nil, err
	}
	list, ok := result.([]any)
	if !ok {
		return nil, rpcerr.New(rpcerr.KindProtocol, fmt.Sprintf("unexpected db list payload %T", result), rpcerr.Context{Method: "list"})
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Close is a no-op beyond clearing state: connection cleanup lives in the
// transport's Pool, which outlives individual sessions. Close exists so
// scoped use (defer session.Close()) always has an exit hook.
func (s *Session) Close() error {
	s.Logout()
	return nil
}
