// Package esperr defines the typed error taxonomy used across the flasher
// core, so callers can switch on failure kind instead of matching strings.
package esperr

import "fmt"

// Kind identifies a class of failure from the bootloader transport, the
// ROM/stub protocols, or the orchestration state machine.
type Kind int

const (
	_ Kind = iota
	PortOpen
	NotSynced
	ReadError
	UnexpectedData
	ExpectedStatusCode
	ExpectedDigest
	DigestMismatch
	WrongArguments
	WriteFailure
	StubNotReady
	StubParamMismatch
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case PortOpen:
		return "PortOpen"
	case NotSynced:
		return "NotSynced"
	case ReadError:
		return "ReadError"
	case UnexpectedData:
		return "UnexpectedData"
	case ExpectedStatusCode:
		return "ExpectedStatusCode"
	case ExpectedDigest:
		return "ExpectedDigest"
	case DigestMismatch:
		return "DigestMismatch"
	case WrongArguments:
		return "WrongArguments"
	case WriteFailure:
		return "WriteFailure"
	case StubNotReady:
		return "StubNotReady"
	case StubParamMismatch:
		return "StubParamMismatch"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error value carried under juju/errors annotation.
// Callers that need to distinguish failure classes should use errors.Cause
// (github.com/juju/errors) to unwrap to this type and inspect Kind.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err (or something it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	type causer interface{ Cause() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == k
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}
