// Package protoerr defines the protocol-visible error taxonomy returned to
// peers across any role port, mirroring the adapter.ProtocolError shape:
// a numeric code, a human message, and an Unwrap back to the underlying
// domain error so callers can still errors.Is/errors.As through it.
package protoerr

import (
	"errors"
	"fmt"
)

// Code is a protocol-visible error code.
type Code uint32

const (
	_ Code = iota
	ProtocolViolation
	Unsupported
	BadRole
	BadConversationStatus
	Unauthorized
	InvalidSignature
	InvalidValue
	NotFound
	AlreadyExists
	QuotaExceeded
	Busy
	Rejected
	NotAvailable
	Uninitialized
	Internal
)

func (c Code) String() string {
	switch c {
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case Unsupported:
		return "UNSUPPORTED"
	case BadRole:
		return "BAD_ROLE"
	case BadConversationStatus:
		return "BAD_CONVERSATION_STATUS"
	case Unauthorized:
		return "UNAUTHORIZED"
	case InvalidSignature:
		return "INVALID_SIGNATURE"
	case InvalidValue:
		return "INVALID_VALUE"
	case NotFound:
		return "NOT_FOUND"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case QuotaExceeded:
		return "QUOTA_EXCEEDED"
	case Busy:
		return "BUSY"
	case Rejected:
		return "REJECTED"
	case NotAvailable:
		return "NOT_AVAILABLE"
	case Uninitialized:
		return "UNINITIALIZED"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is a protocol-visible error. Path is set only for InvalidValue and
// names the dotted field that failed validation (e.g. "profile.name").
type Error struct {
	code Code
	msg  string
	path string
	err  error
}

// New builds an Error with no wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries an underlying cause, reachable via
// errors.Is/errors.As through Unwrap.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{code: code, msg: msg, err: cause}
}

// WithPath sets the dotted field path for an InvalidValue error.
func (e *Error) WithPath(path string) *Error {
	e.path = path
	return e
}

// Code returns the numeric protocol error code.
func (e *Error) Code() Code { return e.code }

// Path returns the dotted field path, or "" if not an InvalidValue error.
func (e *Error) Path() string { return e.path }

// Message returns the human-readable description.
func (e *Error) Message() string { return e.msg }

// Error implements the error interface.
func (e *Error) Error() string {
	if e.path != "" {
		return fmt.Sprintf("%s: %s (path=%s)", e.code, e.msg, e.path)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.err }

// Convenience constructors for the common cases.

func NotFoundf(format string, args ...any) *Error {
	return Newf(NotFound, format, args...)
}

func AlreadyExistsf(format string, args ...any) *Error {
	return Newf(AlreadyExists, format, args...)
}

func InvalidValuef(path, format string, args ...any) *Error {
	return Newf(InvalidValue, format, args...).WithPath(path)
}

func Internalf(cause error, format string, args ...any) *Error {
	return Wrap(Internal, fmt.Sprintf(format, args...), cause)
}

// As extracts a *Error from err, if present.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
