// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures that cross component boundaries.
type ErrorKind int

const (
	KindTransportFailure ErrorKind = iota + 1
	KindNotAuthorized
	KindInvalidSchema
	KindOperationNotPermitted
	KindDatabaseFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportFailure:
		return "transport_failure"
	case KindNotAuthorized:
		return "not_authorized"
	case KindInvalidSchema:
		return "invalid_schema"
	case KindOperationNotPermitted:
		return "operation_not_permitted"
	case KindDatabaseFailure:
		return "database_failure"
	default:
		return "unknown"
	}
}

// Error carries an ErrorKind, the operation that failed and the underlying cause.
// Use errors.Is against the Err* sentinels to match a kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrTransport             = &Error{Kind: KindTransportFailure}
	ErrNotAuthorized         = &Error{Kind: KindNotAuthorized}
	ErrInvalidSchema         = &Error{Kind: KindInvalidSchema}
	ErrOperationNotPermitted = &Error{Kind: KindOperationNotPermitted}
	ErrDatabase              = &Error{Kind: KindDatabaseFailure}
)

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// TransportError wraps err as a transport failure.
func TransportError(op string, err error) error { return newError(KindTransportFailure, op, err) }

// NotAuthorizedError wraps err as an authorization failure (HTTP 401/403).
func NotAuthorizedError(op string, err error) error { return newError(KindNotAuthorized, op, err) }

// InvalidSchemaError wraps err as a malformed remote schema.
func InvalidSchemaError(op string, err error) error { return newError(KindInvalidSchema, op, err) }

// NotPermittedError reports a rejected local mutation.
func NotPermittedError(op string, err error) error {
	return newError(KindOperationNotPermitted, op, err)
}

// DatabaseError wraps a local storage failure.
func DatabaseError(op string, err error) error { return newError(KindDatabaseFailure, op, err) }

// KindOf returns the ErrorKind carried by err, or 0 when err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// asDatabaseError classifies an unclassified store error as a database failure.
func asDatabaseError(op string, err error) error {
	if err == nil || KindOf(err) != 0 {
		return err
	}
	return DatabaseError(op, err)
}
