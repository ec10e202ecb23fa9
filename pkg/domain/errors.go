package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error surfaced above the adapter layer.
type ErrorKind int

const (
	KindBackendUnavailable ErrorKind = iota + 1
	KindBackendProtocol
	KindUnsupported
	KindTimeout
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindBackendProtocol:
		return "backend_protocol_error"
	case KindUnsupported:
		return "unsupported"
	case KindTimeout:
		return "timeout"
	case KindValidation:
		return "validation_failed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrBackendProtocol    = &Error{Kind: KindBackendProtocol}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrValidation         = &Error{Kind: KindValidation}
)

// Error is the canonical error type.
type Error struct {
	Kind    ErrorKind
	Backend string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Backend != "" {
		msg = e.Backend + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Unavailable(err error, format string, args ...any) *Error {
	return newError(KindBackendUnavailable, err, format, args...)
}

func Protocol(err error, format string, args ...any) *Error {
	return newError(KindBackendProtocol, err, format, args...)
}

func Unsupported(format string, args ...any) *Error {
	return newError(KindUnsupported, nil, format, args...)
}

func Timeout(err error, format string, args ...any) *Error {
	return newError(KindTimeout, err, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// KindOf returns the kind of err, or zero when err is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// WithOp annotates err with the backend and operation that produced it.
// Non-domain errors are classified as protocol errors.
func WithOp(err error, backend, op string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if !errors.As(err, &de) {
		return &Error{Kind: KindBackendProtocol, Backend: backend, Op: op, Err: err}
	}
	out := *de
	if out.Backend == "" {
		out.Backend = backend
	}
	if out.Op == "" {
		out.Op = op
	}
	return &out
}
