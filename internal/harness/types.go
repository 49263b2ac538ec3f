package harness

import (
	"fmt"

	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/ir"
)

// TraceEvent is the canonical rendering of one log record.
type TraceEvent struct {
	Seq         int64  `json:"seq"`
	Kind        string `json:"kind"`
	Interface   string `json:"interface,omitempty"`
	Member      string `json:"member,omitempty"`
	Path        string `json:"path,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Destination string `json:"destination,omitempty"`
	Serial      uint32 `json:"serial,omitempty"`
	ReplySerial uint32 `json:"reply_serial,omitempty"`
	ErrorName   string `json:"error_name,omitempty"`
	Args        any    `json:"args"`
	Consumed    bool   `json:"consumed"`
	Forbidden   bool   `json:"forbidden,omitempty"`
}

// Result is the outcome of a driver run.
type Result struct {
	// RunID identifies the run (UUIDv7 unless the driver is given another
	// generator).
	RunID string `json:"run_id"`

	// Scenario is the scenario name.
	Scenario string `json:"scenario"`

	// Pass is true when the scenario returned without error and the log
	// never failed.
	Pass bool `json:"pass"`

	// Err is the error that failed the run.
	Err error `json:"-"`

	// Failure is the failure code of Err, empty for non-harness errors.
	Failure string `json:"failure,omitempty"`

	// ExpectedFailure is the failure code the scenario had to end with.
	ExpectedFailure string `json:"expected_failure,omitempty"`

	// Errors contains error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Trace contains every appended event in log order.
	Trace []TraceEvent `json:"trace"`

	// Digest is the content hash of the trace snapshot.
	Digest string `json:"digest"`
}

// NewResult creates a new passing result.
func NewResult(runID, scenario string) *Result {
	return &Result{
		RunID:    runID,
		Scenario: scenario,
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
	}
}

// AddError records err and marks the result as failed. The first error
// becomes Err.
func (r *Result) AddError(err error) {
	if err == nil {
		return
	}
	if r.Err == nil {
		r.Err = err
		r.Failure = string(eventlog.CodeOf(err))
	}
	r.Errors = append(r.Errors, err.Error())
	r.Pass = false
}

// judge applies an expected failure code. The run passes when its first
// error carries the code and nothing else went wrong.
func (r *Result) judge(code string) {
	r.ExpectedFailure = code
	switch {
	case r.Err == nil:
		r.AddError(fmt.Errorf("expected failure %s, scenario passed", code))
	case r.Failure == code:
		r.Errors = r.Errors[1:]
		r.Pass = len(r.Errors) == 0
	}
}

// TraceFromHistory renders log records as trace events.
func TraceFromHistory(history []eventlog.Record) ([]TraceEvent, error) {
	trace := make([]TraceEvent, 0, len(history))
	for _, rec := range history {
		ev := rec.Event
		args, err := ir.FromGo(ev.Args)
		if err != nil {
			return nil, fmt.Errorf("trace event %d args: %w", ev.Seq, err)
		}
		trace = append(trace, TraceEvent{
			Seq:         ev.Seq,
			Kind:        ev.Kind.String(),
			Interface:   ev.Interface,
			Member:      ev.Member,
			Path:        ev.Path,
			Sender:      ev.Sender,
			Destination: ev.Destination,
			Serial:      ev.Serial,
			ReplySerial: ev.ReplySerial,
			ErrorName:   ev.ErrorName,
			Args:        ir.ToGo(args),
			Consumed:    rec.Consumed,
			Forbidden:   rec.Forbidden,
		})
	}
	return trace, nil
}
