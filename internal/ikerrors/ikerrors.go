// Package ikerrors defines the closed error taxonomy shared by every core
// component. Components return a *Error carrying one of the fixed Kinds
// rather than ad-hoc sentinel values, so callers can branch on Kind(err)
// instead of string-matching messages.
package ikerrors

import (
	"errors"
	"fmt"
)

// Kind is a closed tag identifying the category of failure.
type Kind int

const (
	// InvalidArg means the caller supplied a malformed or disallowed argument.
	InvalidArg Kind = iota
	// NotFound means the referenced row/agent/mark does not exist.
	NotFound
	// OutOfRange means an index, id, or offset fell outside valid bounds.
	OutOfRange
	// IO means a recoverable input/output failure (connection loss, query failure).
	IO
	// DbConnect means the database connection could not be established or was lost.
	DbConnect
	// Parse means structured data (JSON, event data blob) failed to parse.
	Parse
	// InvalidKind means an event kind outside the closed event-kind enumeration.
	InvalidKind
	// OutOfMemory is fatal; Fatal panics rather than returning this Kind.
	OutOfMemory
	// MissingCredentials means a provider call lacked a required API key.
	MissingCredentials
	// NotImplemented means the operation is recognized but not supported.
	NotImplemented
	// Ambiguous means a UUID prefix lookup matched more than one agent.
	// Not one of the ten kinds in the closed taxonomy; added because
	// AgentRegistry.Find needs to distinguish "no match" (NotFound) from
	// "more than one match" (this) and neither collapses into the other
	// without losing information a caller needs to render "Ambiguous
	// UUID prefix" instead of "Agent not found".
	Ambiguous
)

func (k Kind) String() string {
	switch k {
	case InvalidArg:
		return "InvalidArg"
	case NotFound:
		return "NotFound"
	case OutOfRange:
		return "OutOfRange"
	case IO:
		return "IO"
	case DbConnect:
		return "DbConnect"
	case Parse:
		return "Parse"
	case InvalidKind:
		return "InvalidKind"
	case OutOfMemory:
		return "OutOfMemory"
	case MissingCredentials:
		return "MissingCredentials"
	case NotImplemented:
		return "NotImplemented"
	case Ambiguous:
		return "Ambiguous"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by core components. It wraps
// an optional underlying cause and classifies the failure with a Kind.
type Error struct {
	K       Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.K, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.K, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(k Kind, message string) *Error {
	return &Error{K: k, Message: message}
}

// Wrap constructs an *Error classifying an existing error under k.
func Wrap(k Kind, message string, cause error) *Error {
	return &Error{K: k, Message: message, Cause: cause}
}

// Kindof returns the Kind of err if it is (or wraps) an *Error, and ok=true.
// Otherwise ok is false.
func Kindof(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.K, true
	}
	return 0, false
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, k Kind) bool {
	got, ok := Kindof(err)
	return ok && got == k
}

// Fatal panics with an OutOfMemory error: allocation-failure paths
// abort the process rather than risk inconsistent in-memory state.
func Fatal(message string) {
	panic(New(OutOfMemory, message))
}
