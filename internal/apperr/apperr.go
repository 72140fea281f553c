// Package apperr defines the error taxonomy shared by the rating services.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that need to map it onto a transport status.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindAuthRequired Kind = "auth_required"
	KindNotFound     Kind = "not_found"
	KindStorage      Kind = "storage"
)

var (
	// ErrValidation matches malformed input rejected before any write.
	ErrValidation = errors.New("apperr: validation failed")
	// ErrAuthRequired matches requests that arrive without a verified caller.
	ErrAuthRequired = errors.New("apperr: authentication required")
	// ErrNotFound matches lookups and deletes of records that do not exist.
	ErrNotFound = errors.New("apperr: not found")
	// ErrStorage matches persistence failures; callers may retry.
	ErrStorage = errors.New("apperr: storage failure")
)

var kindSentinels = map[Kind]error{
	KindValidation:   ErrValidation,
	KindAuthRequired: ErrAuthRequired,
	KindNotFound:     ErrNotFound,
	KindStorage:      ErrStorage,
}

// Error carries an "<operation>.<reason>" code, a kind and the underlying cause.
type Error struct {
	code string
	kind Kind
	err  error
}

// New builds an Error for the operation and reason.
func New(kind Kind, operation, reason string, cause error) *Error {
	return &Error{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports a match against the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.kind]
	return ok && sentinel == target
}

// Code returns the stable machine readable code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the error classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// KindOf returns the kind of the first Error in the chain, or KindStorage for foreign errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.kind
	}
	return KindStorage
}

// CodeOf returns the code of the first Error in the chain, or fallback.
func CodeOf(err error, fallback string) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.code
	}
	return fallback
}
