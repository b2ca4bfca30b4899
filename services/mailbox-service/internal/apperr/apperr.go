// Package apperr defines the error taxonomy shared by the mailbox components.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindStateToken
	KindAuth
	KindValidation
	KindProvider
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindStateToken:
		return "state_token"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindProvider:
		return "provider"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed, Msg is safe to show callers.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Configuration(op, msg string, err error) *Error {
	return newError(KindConfiguration, op, msg, err)
}

func StateToken(op, msg string, err error) *Error {
	return newError(KindStateToken, op, msg, err)
}

func Auth(op, msg string, err error) *Error {
	return newError(KindAuth, op, msg, err)
}

func Validation(op, msg string) *Error {
	return newError(KindValidation, op, msg, nil)
}

func Provider(op, msg string, err error) *Error {
	return newError(KindProvider, op, msg, err)
}

func NotFound(op, msg string, err error) *Error {
	return newError(KindNotFound, op, msg, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the caller-safe message of the first *Error in err's chain.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "internal error"
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

func IsAuth(err error) bool       { return Is(err, KindAuth) }
func IsNotFound(err error) bool   { return Is(err, KindNotFound) }
func IsValidation(err error) bool { return Is(err, KindValidation) }
func IsProvider(err error) bool   { return Is(err, KindProvider) }

// HTTPStatus maps a kind onto the status code returned by the API layer.
// Mailbox auth failures are a conflict with the connection state, not a caller auth failure.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindStateToken:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
