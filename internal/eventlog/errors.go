package eventlog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/busprobe/internal/ir"
)

// Failure is a fatal harness failure.
//
// Failures include:
//   - Timeout: a pattern never matched within its budget
//   - ForbiddenEventObserved: an appended event matched a forbidden pattern
//   - DoubleReply: a handled method call was answered a second time
//   - UnknownPeerIdentity: an operation targeted an unregistered peer
//
// None of them is recoverable: each is either a conformance violation by the
// service under test or a programming error in the scenario.
type Failure struct {
	// Code identifies the failure category.
	Code FailureCode

	// Message is a human-readable description.
	Message string

	// Event is the offending event (forbidden, double reply).
	Event *ir.Event

	// Patterns holds the unmet patterns (timeout) or the matched forbidden
	// pattern.
	Patterns []string

	// Details contains additional context.
	Details map[string]string
}

// FailureCode categorizes harness failures.
type FailureCode string

const (
	// CodeTimeout indicates no event matched within the timeout.
	CodeTimeout FailureCode = "TIMEOUT"

	// CodeForbiddenEvent indicates a forbidden pattern matched an event.
	CodeForbiddenEvent FailureCode = "FORBIDDEN_EVENT"

	// CodeDoubleReply indicates a second reply to the same method call.
	CodeDoubleReply FailureCode = "DOUBLE_REPLY"

	// CodeUnknownPeer indicates an operation on a peer without an identity.
	CodeUnknownPeer FailureCode = "UNKNOWN_PEER_IDENTITY"
)

// Codes lists every failure code.
var Codes = []FailureCode{CodeTimeout, CodeForbiddenEvent, CodeDoubleReply, CodeUnknownPeer}

// Error implements the error interface.
func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", f.Code, f.Message)
	for _, p := range f.Patterns {
		fmt.Fprintf(&b, "\n  pattern: %s", p)
	}
	if f.Event != nil {
		fmt.Fprintf(&b, "\n  event: %s", f.Event)
	}
	return b.String()
}

// CodeOf returns the failure code carried by err, or "" when err is not a
// Failure.
func CodeOf(err error) FailureCode {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsTimeout returns true if the error is a timeout failure.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}

// IsForbidden returns true if the error is a forbidden-event failure.
func IsForbidden(err error) bool {
	return CodeOf(err) == CodeForbiddenEvent
}

// IsDoubleReply returns true if the error is a double-reply failure.
func IsDoubleReply(err error) bool {
	return CodeOf(err) == CodeDoubleReply
}

// IsUnknownPeer returns true if the error is an unknown-peer failure.
func IsUnknownPeer(err error) bool {
	return CodeOf(err) == CodeUnknownPeer
}

// NewTimeoutFailure creates a Failure for patterns that never matched.
func NewTimeoutFailure(patterns []string, waited string, pending int) *Failure {
	return &Failure{
		Code:     CodeTimeout,
		Message:  fmt.Sprintf("no matching event within %s (%d unconsumed events)", waited, pending),
		Patterns: patterns,
		Details: map[string]string{
			"timeout": waited,
			"pending": fmt.Sprintf("%d", pending),
		},
	}
}

// NewForbiddenFailure creates a Failure for an event matching a forbidden
// pattern.
func NewForbiddenFailure(ev *ir.Event, pattern string) *Failure {
	return &Failure{
		Code:     CodeForbiddenEvent,
		Message:  "forbidden event observed",
		Event:    ev,
		Patterns: []string{pattern},
	}
}

// NewDoubleReplyFailure creates a Failure for a second reply to a call.
func NewDoubleReplyFailure(ev *ir.Event, attempted string) *Failure {
	return &Failure{
		Code:    CodeDoubleReply,
		Message: fmt.Sprintf("method call already handled, refusing %s", attempted),
		Event:   ev,
	}
}

// NewUnknownPeerFailure creates a Failure for an operation on a peer that
// holds no bus identity.
func NewUnknownPeerFailure(name, op, state string) *Failure {
	return &Failure{
		Code:    CodeUnknownPeer,
		Message: fmt.Sprintf("%s on peer %s in state %s", op, name, state),
		Details: map[string]string{
			"peer":  name,
			"op":    op,
			"state": state,
		},
	}
}
