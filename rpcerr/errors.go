// Package rpcerr classifies every fault the client can observe — transport,
// server, and protocol — into a closed set of kinds so callers can branch on
// them with errors.As instead of string matching.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of fault categories the transport and
// session layer can produce.
type Kind string

const (
	KindConnection     Kind = "connection"
	KindTimeout        Kind = "timeout"
	KindAuthentication Kind = "authentication"
	KindAccess         Kind = "access"
	KindValidation     Kind = "validation"
	KindMethodNotFound Kind = "method_not_found"
	KindInternal       Kind = "internal"
	KindProtocol       Kind = "protocol"
	KindNotFound       Kind = "not_found"
	KindTransaction    Kind = "transaction"
	KindDeadlock       Kind = "deadlock"
)

// retryableByDefault records which kinds are classified as retryable
// absent a more specific policy override.
var retryableByDefault = map[Kind]bool{
	KindConnection: true,
	KindTimeout:    true,
	KindInternal:   false, // InternalError is "conditionally" retryable; policies opt in explicitly.
	KindDeadlock:   true,
}

// Context carries the structured model/method/args summary every error
// surfaces.
type Context struct {
	Model string
	Method string
	Args   string
}

// Error is the concrete type behind every fault the client surfaces to
// callers. It implements error and Unwrap so callers can use errors.As to
// recover Kind-specific detail.
type Error struct {
	Kind      Kind
	Message   string
	Traceback string
	Ctx       Context
	Attempt   int
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Ctx.Model != "" || e.Ctx.Method != "" {
		return fmt.Sprintf("%s: %s (model=%s method=%s attempt=%d)", e.Kind, e.Message, e.Ctx.Model, e.Ctx.Method, e.Attempt)
	}
	return fmt.Sprintf("%s: %s (attempt=%d)", e.Kind, e.Message, e.Attempt)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the default retryability for its kind. Callers
// that know better (e.g. the server-side classification of an InternalError)
// should set Retryable directly afterwards.
func New(kind Kind, message string, ctx Context) *Error {
	return &Error{Kind: kind, Message: message, Ctx: ctx, Retryable: retryableByDefault[kind]}
}

// Wrap attaches a Kind and Context to an underlying error without losing it.
func Wrap(kind Kind, cause error, ctx Context) *Error {
	e := New(kind, cause.Error(), ctx)
	e.Cause = cause
	return e
}

// NotFound builds the NotFoundError required by query.Set.Get when the
// lookup returns no rows.
func NotFound(model string, id int64) *Error {
	return New(KindNotFound, fmt.Sprintf("no record with id %d", id), Context{Model: model, Method: "search_read"})
}

// IsRetryable reports whether err (or anything it wraps) is a rpcerr.Error
// marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
