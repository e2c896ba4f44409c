package domain

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the pipeline can surface to a caller.
type Kind string

const (
	KindInvalidFormat        Kind = "invalid_format"
	KindInvalidSignature     Kind = "invalid_signature"
	KindExpired              Kind = "expired"
	KindCameraAccessDenied   Kind = "camera_access_denied"
	KindDecodeNeverSucceeded Kind = "decode_never_succeeded"
	KindNotFound             Kind = "not_found"
	KindServerError          Kind = "server_error"
	KindNetworkError         Kind = "network_error"
)

// Error is the typed pipeline error. HTTPStatus is set for failures that
// came back from the status endpoint.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (http %d)", e.HTTPStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidFormat        = &Error{Kind: KindInvalidFormat}
	ErrInvalidSignature     = &Error{Kind: KindInvalidSignature}
	ErrExpired              = &Error{Kind: KindExpired}
	ErrCameraAccessDenied   = &Error{Kind: KindCameraAccessDenied}
	ErrDecodeNeverSucceeded = &Error{Kind: KindDecodeNeverSucceeded}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrServerError          = &Error{Kind: KindServerError}
	ErrNetworkError         = &Error{Kind: KindNetworkError}
)

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first typed error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatusOf returns the backend HTTP status carried by err, or 0.
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus
	}
	return 0
}

// Retryable reports whether a caller-initiated retry can change the outcome.
// Format, signature and freshness failures never can.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkError, KindServerError:
		return true
	}
	return false
}
