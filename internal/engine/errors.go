package engine

import (
	"errors"
	"fmt"
)

// Error is a failure reported by the engine.
//
// Each Error carries a Code naming the IndexedDB error class it corresponds
// to, so callers can branch on the class without parsing messages:
//
//	if errors.Is(err, engine.ErrConstraint) { ... }
type Error struct {
	// Code identifies the error class.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Store names the affected object store, if any.
	Store string

	// Index names the affected index, if any.
	Index string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeConstraint indicates a name or key collision.
	ErrCodeConstraint ErrorCode = "ConstraintError"

	// ErrCodeData indicates a missing or invalid key, or a value that cannot
	// be stored.
	ErrCodeData ErrorCode = "DataError"

	// ErrCodeNotFound indicates an unknown store or index.
	ErrCodeNotFound ErrorCode = "NotFoundError"

	// ErrCodeReadOnly indicates a write in a read-only transaction.
	ErrCodeReadOnly ErrorCode = "ReadOnlyError"

	// ErrCodeVersion indicates a requested version below the stored one.
	ErrCodeVersion ErrorCode = "VersionError"

	// ErrCodeInvalidState indicates a schema operation outside an upgrade
	// or a use of a closed database.
	ErrCodeInvalidState ErrorCode = "InvalidStateError"

	// ErrCodeInvalidAccess indicates a transaction with an empty scope.
	ErrCodeInvalidAccess ErrorCode = "InvalidAccessError"

	// ErrCodeTransactionInactive indicates a request against a finished
	// transaction.
	ErrCodeTransactionInactive ErrorCode = "TransactionInactiveError"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrConstraint          = &Error{Code: ErrCodeConstraint}
	ErrData                = &Error{Code: ErrCodeData}
	ErrNotFound            = &Error{Code: ErrCodeNotFound}
	ErrReadOnly            = &Error{Code: ErrCodeReadOnly}
	ErrVersion             = &Error{Code: ErrCodeVersion}
	ErrInvalidState        = &Error{Code: ErrCodeInvalidState}
	ErrInvalidAccess       = &Error{Code: ErrCodeInvalidAccess}
	ErrTransactionInactive = &Error{Code: ErrCodeTransactionInactive}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	switch {
	case e.Store != "" && e.Index != "":
		msg += fmt.Sprintf(" (store=%s, index=%s)", e.Store, e.Index)
	case e.Store != "":
		msg += fmt.Sprintf(" (store=%s)", e.Store)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "" if
// there is none. Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConstraintError returns true if err is a ConstraintError.
func IsConstraintError(err error) bool {
	return errors.Is(err, ErrConstraint)
}

// IsNotFoundError returns true if err is a NotFoundError.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func newError(code ErrorCode, store, format string, args ...any) *Error {
	return &Error{Code: code, Store: store, Message: fmt.Sprintf(format, args...)}
}

func storeNotFound(name string) *Error {
	return &Error{Code: ErrCodeNotFound, Store: name, Message: "no such object store"}
}

func indexNotFound(store, name string) *Error {
	return &Error{Code: ErrCodeNotFound, Store: store, Index: name, Message: "no such index"}
}

func dataError(store string, err error, format string, args ...any) *Error {
	return &Error{Code: ErrCodeData, Store: store, Message: fmt.Sprintf(format, args...), Err: err}
}
