// Package peer impersonates remote participants of the protocol under test.
//
// A Peer owns a bus identity (a well-known name and an object path) and
// moves through a small lifecycle:
//
//	unregistered -> registered -> active -> withdrawn
//	                    ^                       |
//	                    +------ reacquire ------+
//
// Identities are claimed through a Registry, which guarantees that no two
// peers of the same process hold the same name at once. A claim is an owned
// resource: the name is only given up by releasing the claim, either through
// Withdraw or when the registry closes.
//
// Answers to calls are scenario decisions made through the bus adapter. The
// peer only owns its identity, its handle table and, optionally, property
// maps served automatically while it is active.
package peer
