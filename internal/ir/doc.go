// Package ir provides the event and value types shared by every busprobe
// package.
//
// This package contains type definitions and their canonical encoding only.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Events are shared by pointer; the handled flag is the only mutable field
//   - Bus arguments stay as delivered by the transport (Args []any) and are
//     converted to IRValue only for comparison and rendering
//   - Canonical JSON forbids floats and null; FromGo renders floats as strings
//   - Logical sequence numbers (seq) only, never wall-clock timestamps
package ir
