package broker

import (
	"context"
	"errors"
	"fmt"
)

// Op identifies the bus operation an error came from
type Op string

const (
	OpConnect   Op = "connect"
	OpSession   Op = "session"
	OpDeclare   Op = "declare"
	OpPublish   Op = "publish"
	OpSubscribe Op = "subscribe"
	OpHandle    Op = "handle"
	OpCancel    Op = "cancel"
)

// Error kinds. Match them with errors.Is.
var (
	ErrUnreachable      = errors.New("broker unreachable")
	ErrAuthRejected     = errors.New("credentials rejected")
	ErrVHostInvalid     = errors.New("virtual host invalid")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSessionClosed    = errors.New("session closed")
	ErrKindMismatch     = errors.New("exchange kind mismatch")
	ErrTimeout          = errors.New("operation timed out")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrApplyFailed      = errors.New("apply failed")
	ErrQueueInUse       = errors.New("queue already has a consumer")
	ErrQueueNotFound    = errors.New("queue not found")
	ErrExchangeNotFound = errors.New("exchange not found")
	ErrNotConsuming     = errors.New("subscriber is not consuming")
	ErrUnknownTransport = errors.New("unknown transport")
)

// Error is the typed error returned at every bus component boundary
type Error struct {
	Op   Op
	Kind error
	Err  error
}

// NewError builds a typed bus error
func NewError(op Op, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsOp reports whether err is a bus error raised by op
func IsOp(err error, op Op) bool {
	var be *Error
	return errors.As(err, &be) && be.Op == op
}

// ConnectContextError converts an expired connect context into an Unreachable
// error. A deadline expiry also matches ErrTimeout.
func ConnectContextError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return NewError(OpConnect, ErrUnreachable, err)
}

// TimeoutKind maps a context expiry to the timeout kind, keeping any other
// error kind as given
func TimeoutKind(err, fallback error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fallback
}
