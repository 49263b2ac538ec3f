package pattern

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/busprobe/internal/ir"
)

// Fields holds field equality constraints, keyed by ir.Event field name.
type Fields map[string]any

// Pattern matches events by kind, field equality and an optional predicate.
// The zero Pattern matches every event.
type Pattern struct {
	Kind   ir.Kind
	Fields Fields
	Pred   Predicate
}

// New creates a pattern for the given kind with a copy of fields.
func New(kind ir.Kind, fields Fields) Pattern {
	p := Pattern{Kind: kind}
	if len(fields) > 0 {
		p.Fields = make(Fields, len(fields))
		for k, v := range fields {
			p.Fields[k] = v
		}
	}
	return p
}

// Any matches every event.
func Any() Pattern {
	return Pattern{}
}

// MethodCall matches a method call with the given member name.
func MethodCall(member string) Pattern {
	return New(ir.KindMethodCall, Fields{"member": member})
}

// MethodReturn matches a successful reply to a call with the given member.
// The member is only known for calls issued through the bus adapter.
func MethodReturn(member string) Pattern {
	return New(ir.KindMethodReturn, Fields{"member": member})
}

// MethodError matches an error reply carrying the given D-Bus error name.
func MethodError(errorName string) Pattern {
	return New(ir.KindMethodError, Fields{"error_name": errorName})
}

// Signal matches a signal by interface and member.
func Signal(iface, member string) Pattern {
	return New(ir.KindSignal, Fields{"interface": iface, "member": member})
}

// NameOwnerChanged matches an ownership change for a bus name. The first
// argument of the bus daemon signal is the name.
func NameOwnerChanged(name string) Pattern {
	return New(ir.KindNameOwnerChanged, nil).Where(ArgEquals(0, name))
}

// ReplyTo matches the return or error answering the call with the given
// serial.
func ReplyTo(serial uint32) Pattern {
	return New(ir.KindAny, Fields{"reply_serial": serial})
}

// Synthetic matches a synthetic event with the given member.
func Synthetic(member string) Pattern {
	return New(ir.KindSynthetic, Fields{"member": member})
}

// With returns a copy of p with an additional field constraint.
func (p Pattern) With(field string, value any) Pattern {
	out := New(p.Kind, p.Fields)
	out.Pred = p.Pred
	if out.Fields == nil {
		out.Fields = make(Fields, 1)
	}
	out.Fields[field] = value
	return out
}

// Where returns a copy of p whose predicate is the conjunction of the
// existing predicate and pred.
func (p Pattern) Where(pred Predicate) Pattern {
	out := New(p.Kind, p.Fields)
	if p.Pred == nil {
		out.Pred = pred
	} else {
		out.Pred = And(p.Pred, pred)
	}
	return out
}

// Matches reports whether ev satisfies every constraint of p.
func (p Pattern) Matches(ev *ir.Event) bool {
	if ev == nil {
		return false
	}
	if p.Kind != ir.KindAny && ev.Kind != p.Kind {
		return false
	}
	for name, want := range p.Fields {
		got, ok := ev.Field(name)
		if !ok || !ir.Equal(got, want) {
			return false
		}
	}
	if p.Pred != nil && !p.Pred.Call(ev) {
		return false
	}
	return true
}

// Validate checks that every field constraint names a known event field.
func (p Pattern) Validate() error {
	for name := range p.Fields {
		if _, ok := (&ir.Event{}).Field(name); !ok {
			return fmt.Errorf("unknown event field %q (known: %s)", name, strings.Join(ir.FieldNames, ", "))
		}
	}
	return nil
}

// String renders the pattern deterministically. The rendering is the
// pattern identity.
func (p Pattern) String() string {
	parts := make([]string, 0, len(p.Fields)+2)
	parts = append(parts, "kind == "+p.Kind.String())

	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s == %s", name, renderValue(p.Fields[name])))
	}

	if p.Pred != nil {
		parts = append(parts, p.Pred.String())
	}
	return strings.Join(parts, " && ")
}

// Key returns the identity of the pattern.
func (p Pattern) Key() string {
	return p.String()
}

func renderValue(v any) string {
	if irv, err := ir.FromGo(v); err == nil {
		if data, err := ir.MarshalCanonical(irv); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%v", v)
}
