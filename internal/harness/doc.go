// Package harness drives conformance scenarios against a service under test.
//
// A Driver connects to a bus, builds the event log, the bus adapter and the
// peer registry, starts the service, runs a scenario and tears everything
// down. Scenarios are Go functions (ScenarioFunc) or YAML documents.
//
// # Scenario Format
//
//	name: disconnect_forbidden
//	description: "The service never disconnects a healthy peer"
//	timeout: 2s
//	expect_failure: FORBIDDEN_EVENT
//	peers:
//	  - id: alice
//	    name: org.example.Alice
//	    path: /org/example/Alice
//	steps:
//	  - register: alice
//	  - start: alice
//	  - forbid:
//	      - member: Disconnect
//	  - call: { destination: org.example.Echo, path: /org/example/Echo,
//	            interface: org.example.Echo, method: Poke,
//	            args: [org.example.Alice, /org/example/Alice, org.example.Alice, Disconnect] }
//	    as: poke
//	  - expect: { reply_to: $poke }
//
// Every step carries exactly one verb: register, start, withdraw,
// reacquire, call, expect, expect_many, reply, raise, emit, forbid,
// unforbid, handle, ensure_handle or sleep. "as" binds the outcome of a
// step; "$name" and "$name.field" reference bindings in later steps, "$self"
// is the unique name of the harness connection. "error" asserts that the
// step fails with a failure code and lets the scenario continue.
//
// Documents are checked against an embedded CUE schema, then decoded in
// strict mode so that misspelled keys are rejected.
//
// # Deterministic Traces
//
// Before the trace is taken the driver makes a round trip to the bus, so
// every message delivered during the scenario is in the log. On the memory
// bus unique names and serials are assigned in connect and send order, which
// makes traces of a deterministic scenario byte-identical between runs and
// suitable for golden files.
package harness
