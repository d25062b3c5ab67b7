package domain

import (
	"errors"
	"fmt"
)

// Code categorizes engine failures.
type Code string

const (
	// CodeNotFound: the player is unknown, inactive or soft-deleted.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidArgument: malformed input or an out-of-domain numeric value.
	// Raised by rating math for caller bugs; never retried.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeConflict: a concurrent settlement changed a player's row between read
	// and write, or the ledger already holds the record. The caller may retry.
	CodeConflict Code = "CONFLICT_OR_RETRYABLE"

	// CodePersistence: the record store failed. The transaction was rolled back.
	CodePersistence Code = "PERSISTENCE_FAILURE"
)

// ErrDuplicate is wrapped by Conflict errors raised because the ledger already
// holds a record for the same (match, player). Retrying cannot succeed.
var ErrDuplicate = errors.New("duplicate record")

// Error carries a Code plus an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewNotFoundError(what string) *Error {
	return &Error{Code: CodeNotFound, Message: what + " not found"}
}

func NewInvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(message string, err error) *Error {
	return &Error{Code: CodeConflict, Message: message, Err: err}
}

func NewPersistenceError(op string, err error) *Error {
	return &Error{Code: CodePersistence, Message: op, Err: err}
}

// CodeOf returns the Code of the first *Error in err's chain. Errors that
// carry no code are reported as persistence failures.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodePersistence
}

func IsNotFound(err error) bool        { return hasCode(err, CodeNotFound) }
func IsInvalidArgument(err error) bool { return hasCode(err, CodeInvalidArgument) }
func IsConflict(err error) bool        { return hasCode(err, CodeConflict) }
func IsPersistence(err error) bool     { return hasCode(err, CodePersistence) }

func hasCode(err error, c Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == c
	}
	return false
}
