// Package eventlog records every interaction with the service under test
// and lets scenario code block until expected interactions happen.
//
// The log is an arena of events. Each entry carries a consumed tombstone, so
// an event matched by one expectation is invisible to every other one, and
// events that match nothing stay available for later callers. A head index
// skips the consumed prefix; each waiter keeps its own cursor and rescans
// only entries appended after its last scan.
//
// Forbidden patterns are checked when an event is appended, before it is
// made available. A forbidden match fails the log: the event is kept in the
// history, never offered to waiters, and every current and future
// expectation returns the failure.
//
// Waiters sleep on a broadcast channel that is closed and replaced on every
// append, so any number of concurrent expectations wake on each event.
package eventlog
