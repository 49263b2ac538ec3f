package store

import (
	"errors"
	"time"

	"github.com/roach88/busprobe/internal/ir"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Run is the stored outcome of one driver run.
type Run struct {
	ID          string
	Scenario    string
	Pass        bool
	FailureCode string
	Errors      []string
	Digest      string
	StartedAt   time.Time
	Duration    time.Duration
}

// EventRow is one stored event.
type EventRow struct {
	RunID       string
	Seq         int64
	Kind        string
	Interface   string
	Member      string
	Path        string
	Sender      string
	Destination string
	Serial      uint32
	ReplySerial uint32
	ErrorName   string
	Args        ir.IRValue
	Consumed    bool
	Forbidden   bool
	Digest      string
}

// Event rebuilds the event the row was written from. The transport handle
// and the handled flag are not stored.
func (r EventRow) Event() (*ir.Event, error) {
	kind, err := ir.ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}
	var args []any
	if arr, ok := ir.ToGo(r.Args).([]any); ok && len(arr) > 0 {
		args = arr
	}
	return &ir.Event{
		Seq:         r.Seq,
		Kind:        kind,
		Interface:   r.Interface,
		Member:      r.Member,
		Path:        r.Path,
		Sender:      r.Sender,
		Destination: r.Destination,
		Serial:      r.Serial,
		ReplySerial: r.ReplySerial,
		ErrorName:   r.ErrorName,
		Args:        args,
	}, nil
}
