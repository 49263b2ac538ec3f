// Package pattern implements declarative matchers over bus events.
//
// A Pattern combines a kind filter, field equality constraints and an
// optional side predicate. It matches an event iff every field constraint
// holds and the predicate, when present, returns true.
//
// Field values are compared after canonical conversion (ir.Equal), so a
// pattern written with plain ints matches uint32 serials and int32 bus
// arguments alike.
//
// Predicates are strategy objects: anything with Call(*ir.Event) bool and a
// String() description. The description is part of the pattern identity
// used by the forbidden-event registry, so two predicates with the same
// description are treated as the same constraint.
package pattern
