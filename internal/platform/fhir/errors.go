package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies engine failures so the API edge can pick a status code
// and issue type without string matching.
type ErrorKind int

const (
	// KindInternal covers store failures and invariant violations
	// (e.g. a row with an empty document body).
	KindInternal ErrorKind = iota
	// KindNotFound is a read/update/delete that matched no row.
	KindNotFound
	// KindConflict is an update/delete whose target id exists in the request
	// but not in storage.
	KindConflict
	// KindUnprocessable is a failed validation or document-assembly
	// precondition.
	KindUnprocessable
	// KindInvalidParam is a search parameter value that cannot be interpreted
	// per its declared kind.
	KindInvalidParam
)

// Error is the typed error carried from the engine to the API edge.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

func Conflictf(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}

func Unprocessablef(format string, args ...interface{}) *Error {
	return newError(KindUnprocessable, format, args...)
}

func InvalidParamf(format string, args ...interface{}) *Error {
	return newError(KindInvalidParam, format, args...)
}

// Internalf wraps an underlying failure as an internal error. cause may be nil.
func Internalf(cause error, format string, args ...interface{}) *Error {
	e := newError(KindInternal, format, args...)
	e.Err = cause
	return e
}

// KindOf extracts the ErrorKind from err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindInvalidParam:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Outcome maps an error to an OperationOutcome payload.
func Outcome(err error) *OperationOutcome {
	code := "exception"
	switch KindOf(err) {
	case KindNotFound:
		code = "not-found"
	case KindConflict:
		code = "conflict"
	case KindUnprocessable:
		code = "business-rule"
	case KindInvalidParam:
		code = "invalid"
	}
	return NewOperationOutcome("error", code, err.Error())
}
