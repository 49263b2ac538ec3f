package ir

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Kind distinguishes between event kinds.
type Kind int

const (
	// KindAny is the zero Kind. Patterns use it to match every kind; events
	// never carry it.
	KindAny Kind = iota
	// KindMethodCall is a method call received on the bus.
	KindMethodCall
	// KindMethodReturn is a successful reply to a method call.
	KindMethodReturn
	// KindMethodError is an error reply to a method call.
	KindMethodError
	// KindSignal is a broadcast or unicast signal.
	KindSignal
	// KindNameOwnerChanged is the bus daemon's ownership change signal.
	KindNameOwnerChanged
	// KindSynthetic is an event appended by test code, not seen on the bus.
	KindSynthetic
)

var kindNames = map[Kind]string{
	KindAny:              "any",
	KindMethodCall:       "method_call",
	KindMethodReturn:     "method_return",
	KindMethodError:      "method_error",
	KindSignal:           "signal",
	KindNameOwnerChanged: "name_owner_changed",
	KindSynthetic:        "synthetic",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a kind name (as produced by Kind.String) back to a Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindAny, fmt.Errorf("unknown event kind %q", name)
}

// Event is one observed or synthesized occurrence of bus traffic.
//
// Every field except the handled flag is set before the event is appended to
// a log and never modified afterwards. Events are always passed by pointer.
type Event struct {
	// Seq is assigned by the log on append; strictly increasing per log.
	Seq int64

	Kind        Kind
	Interface   string
	Member      string
	Path        string
	Sender      string
	Destination string

	// Serial is the transport serial of the message that produced the event.
	Serial uint32

	// ReplySerial is set on returns and errors: the serial of the call they
	// answer. It is the request identifier used to correlate CallAsync.
	ReplySerial uint32

	// ErrorName is set on MethodError events.
	ErrorName string

	Args []any

	// Raw is the transport message handle, needed to reply later.
	Raw any

	handled atomic.Bool
}

// Handled reports whether a reply has already been sent for this event.
func (e *Event) Handled() bool {
	return e.handled.Load()
}

// MarkHandled flips the handled flag. It returns false if the event was
// already handled, in which case nothing changes.
func (e *Event) MarkHandled() bool {
	return e.handled.CompareAndSwap(false, true)
}

// Field returns the value of a named event field, as addressed by patterns.
func (e *Event) Field(name string) (any, bool) {
	switch name {
	case "kind":
		return e.Kind.String(), true
	case "interface":
		return e.Interface, true
	case "member":
		return e.Member, true
	case "path":
		return e.Path, true
	case "sender":
		return e.Sender, true
	case "destination":
		return e.Destination, true
	case "serial":
		return e.Serial, true
	case "reply_serial":
		return e.ReplySerial, true
	case "error_name":
		return e.ErrorName, true
	case "args":
		return e.Args, true
	case "handled":
		return e.Handled(), true
	default:
		return nil, false
	}
}

// FieldNames lists the fields addressable through Field.
var FieldNames = []string{
	"kind", "interface", "member", "path", "sender", "destination",
	"serial", "reply_serial", "error_name", "args", "handled",
}

// String renders every field of the event for diagnostics.
func (e *Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", e.Seq, e.Kind)
	if e.Interface != "" || e.Member != "" {
		fmt.Fprintf(&b, " %s.%s", e.Interface, e.Member)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	if e.Sender != "" {
		fmt.Fprintf(&b, " sender=%s", e.Sender)
	}
	if e.Destination != "" {
		fmt.Fprintf(&b, " dest=%s", e.Destination)
	}
	if e.Serial != 0 {
		fmt.Fprintf(&b, " serial=%d", e.Serial)
	}
	if e.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", e.ReplySerial)
	}
	if e.ErrorName != "" {
		fmt.Fprintf(&b, " error=%s", e.ErrorName)
	}
	fmt.Fprintf(&b, " args=%s", RenderArgs(e.Args))
	if e.Kind == KindMethodCall {
		fmt.Fprintf(&b, " handled=%t", e.Handled())
	}
	return b.String()
}

// RenderArgs renders bus arguments as canonical JSON, falling back to %v for
// values that have no canonical form.
func RenderArgs(args []any) string {
	v, err := FromGo(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	data, err := MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
