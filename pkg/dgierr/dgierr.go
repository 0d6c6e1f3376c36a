// Package dgierr defines the error taxonomy the broker substrate uses:
// a small set of Kinds with a captured call stack, in the manner of
// crux's Err type.
package dgierr

import (
	"fmt"

	"github.com/go-stack/stack"
)

// Kind classifies an error for the purposes of the propagation policy:
// which errors are fatal, which reset a connection, which are merely
// logged.
type Kind int

// Recognised kinds.
const (
	// KindUnknown is the zero value; treat like an unclassified internal error.
	KindUnknown Kind = iota
	// KindConfigError is a malformed or missing configuration value. Fatal at startup.
	KindConfigError
	// KindTransportFault is a socket send/recv failure. Non-fatal, resets a connection.
	KindTransportFault
	// KindProtocolViolation is an out-of-range sequence or undecodable payload. Dropped and logged.
	KindProtocolViolation
	// KindUnhandledMessage means the dispatcher found no handler. Logged at info, not an error.
	KindUnhandledMessage
	// KindBadRequest is an adapter-boundary error reported back to the caller.
	KindBadRequest
	// KindDuplicateSession is an adapter-boundary error reported back to the caller.
	KindDuplicateSession
	// KindTimeout marks a timer callback whose deadline elapsed without completion.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfigError:
		return "ConfigError"
	case KindTransportFault:
		return "TransportFault"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindUnhandledMessage:
		return "UnhandledMessage"
	case KindBadRequest:
		return "BadRequest"
	case KindDuplicateSession:
		return "DuplicateSession"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Err is the concrete error type used throughout this repository.
type Err struct {
	Kind  Kind
	Msg   string
	Cause error
	Stack string
}

func (e *Err) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap lets errors.Is/errors.As see through to the cause.
func (e *Err) Unwrap() error { return e.Cause }

func callStack() string {
	return fmt.Sprintf("%+v", stack.Trace().TrimRuntime())
}

// New builds a Kind-tagged error from a message.
func New(kind Kind, msg string) *Err {
	return &Err{Kind: kind, Msg: msg, Stack: callStack()}
}

// Newf builds a Kind-tagged error from a format string.
func Newf(kind Kind, format string, args ...interface{}) *Err {
	return &Err{Kind: kind, Msg: fmt.Sprintf(format, args...), Stack: callStack()}
}

// Wrap attaches a Kind and message to an existing error, capturing a fresh stack.
func Wrap(kind Kind, cause error, msg string) *Err {
	return &Err{Kind: kind, Msg: msg, Cause: cause, Stack: callStack()}
}

// Is reports whether err is a *Err of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Err)
	return ok && e.Kind == kind
}

// ConfigErrorf is a convenience constructor for a config failure that
// names the offending key or field in its message.
func ConfigErrorf(format string, args ...interface{}) *Err {
	return Newf(KindConfigError, format, args...)
}
