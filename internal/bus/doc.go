// Package bus connects the harness to a message bus.
//
// A Transport opens Conns; a Conn sends Messages and delivers inbound ones on
// a channel. Two transports are provided: MemoryBus, an in-process bus that
// follows D-Bus routing rules and is deterministic enough for golden traces,
// and DBusTransport, which talks to a real D-Bus daemon.
//
// The Adapter sits on one Conn. Every inbound message becomes an ir.Event in
// the event log; outbound operations (Reply, RaiseError, EmitSignal,
// CallAsync) go through it so that the handled-once rule and reply
// correlation hold no matter which transport is in use.
package bus
