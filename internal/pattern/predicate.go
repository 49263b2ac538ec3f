package pattern

import (
	"fmt"
	"strings"

	"github.com/roach88/busprobe/internal/ir"
)

// Predicate is a side constraint that field equality cannot express.
type Predicate interface {
	// Call executes the predicate against a candidate event
	Call(*ir.Event) bool

	// String describes the predicate; it is part of the pattern identity
	String() string
}

// funcP adapts a named function to a Predicate.
type funcP struct {
	name string
	fn   func(*ir.Event) bool
}

func (p funcP) Call(ev *ir.Event) bool { return p.fn(ev) }

func (p funcP) String() string { return p.name }

// Func wraps an arbitrary function as a predicate. The name must describe
// the function: it identifies the predicate in diagnostics and in the
// forbidden-event registry.
func Func(name string, fn func(*ir.Event) bool) Predicate {
	return funcP{name: name, fn: fn}
}

// andP is the conjunction of a group of predicates.
type andP struct {
	preds []Predicate
}

func (p andP) Call(ev *ir.Event) bool {
	for _, pred := range p.preds {
		if !pred.Call(ev) {
			return false
		}
	}
	return true
}

func (p andP) String() string {
	return joinPreds(p.preds, " && ")
}

// And joins predicates with &&.
func And(preds ...Predicate) Predicate {
	return andP{preds: preds}
}

// orP is the disjunction of a group of predicates.
type orP struct {
	preds []Predicate
}

func (p orP) Call(ev *ir.Event) bool {
	for _, pred := range p.preds {
		if pred.Call(ev) {
			return true
		}
	}
	return false
}

func (p orP) String() string {
	return "(" + joinPreds(p.preds, " || ") + ")"
}

// Or joins predicates with ||.
func Or(preds ...Predicate) Predicate {
	return orP{preds: preds}
}

type notP struct {
	pred Predicate
}

func (p notP) Call(ev *ir.Event) bool { return !p.pred.Call(ev) }

func (p notP) String() string { return "!(" + p.pred.String() + ")" }

// Not negates a predicate.
func Not(pred Predicate) Predicate {
	return notP{pred: pred}
}

func joinPreds(preds []Predicate, sep string) string {
	acc := make([]string, 0, len(preds))
	for _, pred := range preds {
		acc = append(acc, pred.String())
	}
	return strings.Join(acc, sep)
}

// ArgEquals asserts the argument at index i equals v.
func ArgEquals(i int, v any) Predicate {
	return Func(fmt.Sprintf("args[%d] == %s", i, renderValue(v)), func(ev *ir.Event) bool {
		return i < len(ev.Args) && ir.Equal(ev.Args[i], v)
	})
}

// ArgsPrefix asserts the leading arguments equal vals, in order.
func ArgsPrefix(vals ...any) Predicate {
	return Func(fmt.Sprintf("args[:%d] == %s", len(vals), renderValue(vals)), func(ev *ir.Event) bool {
		if len(ev.Args) < len(vals) {
			return false
		}
		for i, v := range vals {
			if !ir.Equal(ev.Args[i], v) {
				return false
			}
		}
		return true
	})
}

// ArgsPrefixAnyOrder asserts the first len(vals) arguments equal vals as a
// multiset: same elements, any order.
func ArgsPrefixAnyOrder(vals ...any) Predicate {
	return Func(fmt.Sprintf("args[:%d] ~= %s", len(vals), renderValue(vals)), func(ev *ir.Event) bool {
		if len(ev.Args) < len(vals) {
			return false
		}
		used := make([]bool, len(vals))
		for _, got := range ev.Args[:len(vals)] {
			found := false
			for j, want := range vals {
				if !used[j] && ir.Equal(got, want) {
					used[j] = true
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	})
}

// ArgCount asserts the event carries exactly n arguments.
func ArgCount(n int) Predicate {
	return Func(fmt.Sprintf("len(args) == %d", n), func(ev *ir.Event) bool {
		return len(ev.Args) == n
	})
}

// Unhandled asserts a method call has not been answered yet.
func Unhandled() Predicate {
	return Func("!handled", func(ev *ir.Event) bool {
		return !ev.Handled()
	})
}
