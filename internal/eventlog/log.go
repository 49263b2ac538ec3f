package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
)

// DefaultTimeout bounds Expect and ExpectMany when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Mode selects how ExpectMany matches a list of patterns.
type Mode int

const (
	// Sequential matches the patterns one after another; each match must
	// come later in the log than the previous one.
	Sequential Mode = iota + 1

	// Unordered matches the patterns in any order, one event per pattern.
	Unordered
)

// String returns the name used in scenario documents.
func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Unordered:
		return "unordered"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a mode name. The empty string means Sequential.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "sequential":
		return Sequential, nil
	case "unordered":
		return Unordered, nil
	default:
		return 0, fmt.Errorf("unknown expect_many mode %q", s)
	}
}

// Record is one history entry.
type Record struct {
	Event *ir.Event

	// Consumed is true once an expectation matched the event.
	Consumed bool

	// Forbidden is true when the event matched a forbidden pattern; it was
	// never available to expectations.
	Forbidden bool
}

type entry struct {
	ev        *ir.Event
	consumed  bool
	forbidden bool
}

// Log is the event log shared by the bus adapter (writer) and scenario code
// (readers). All methods are safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []entry
	head    int
	avail   chan struct{}
	failure error
	hooks   []func(error)

	clock     *Clock
	forbidden *Forbidden
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

// Option configures a Log.
type Option func(*Log)

// WithTimeout sets the default expectation timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLogger sets the logger. Appends are logged at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records log activity on m.
func WithMetrics(m *Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		avail:     make(chan struct{}),
		clock:     NewClock(),
		forbidden: NewForbidden(),
		timeout:   DefaultTimeout,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Timeout returns the default expectation timeout.
func (l *Log) Timeout() time.Duration {
	return l.timeout
}

// Forbid adds patterns to the forbidden registry. Events already in the log
// are not re-checked.
func (l *Log) Forbid(patterns ...pattern.Pattern) {
	l.forbidden.Add(patterns...)
}

// Unforbid removes patterns from the forbidden registry.
func (l *Log) Unforbid(patterns ...pattern.Pattern) {
	l.forbidden.Remove(patterns...)
}

// Forbidden returns the registry backing Forbid and Unforbid.
func (l *Log) Forbidden() *Forbidden {
	return l.forbidden
}

// Append stamps ev with the next sequence number and records it.
//
// The forbidden registry is consulted first. A match fails the log and
// returns the ForbiddenEventObserved failure; the event is kept in the
// history but never offered to expectations. Once the log has failed, new
// events are recorded for the trace only.
func (l *Log) Append(ev *ir.Event) error {
	if ev == nil {
		return errors.New("append nil event")
	}

	l.mu.Lock()
	ev.Seq = l.clock.Next()

	if l.failure != nil {
		l.entries = append(l.entries, entry{ev: ev})
		l.mu.Unlock()
		l.logger.Debug("event after failure", "event", ev.String())
		return nil
	}

	if key, hit := l.forbidden.Match(ev); hit {
		l.entries = append(l.entries, entry{ev: ev, forbidden: true})
		failure := NewForbiddenFailure(ev, key)
		hooks := l.failLocked(failure)
		l.mu.Unlock()

		l.metrics.forbidden()
		l.logger.Error("forbidden event observed", "event", ev.String(), "pattern", key)
		runHooks(hooks, failure)
		return failure
	}

	l.entries = append(l.entries, entry{ev: ev})
	l.wakeLocked()
	pending := l.pendingLocked()
	l.mu.Unlock()

	l.metrics.appended(ev.Kind.String(), pending)
	l.logger.Debug("event appended", "event", ev.String())
	return nil
}

// AppendSynthetic appends a harness-generated event, typically a marker
// used to order scenario steps against bus traffic.
func (l *Log) AppendSynthetic(member string, args ...any) (*ir.Event, error) {
	ev := &ir.Event{Kind: ir.KindSynthetic, Member: member, Args: args}
	if err := l.Append(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Expect waits up to the default timeout for an event matching p.
func (l *Log) Expect(ctx context.Context, p pattern.Pattern) (*ir.Event, error) {
	return l.ExpectWithin(ctx, l.timeout, p)
}

// ExpectWithin consumes and returns the earliest unconsumed event matching p.
// If no buffered event matches, it blocks until a new event matches, the
// timeout elapses, the log fails or ctx ends. Events that do not match stay
// available.
func (l *Log) ExpectWithin(ctx context.Context, d time.Duration, p pattern.Pattern) (*ir.Event, error) {
	start := time.Now()
	ev, _, err := l.await(ctx, d, p, 0)
	l.observe(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ExpectMany waits up to the default timeout for every pattern.
func (l *Log) ExpectMany(ctx context.Context, mode Mode, patterns ...pattern.Pattern) ([]*ir.Event, error) {
	return l.ExpectManyWithin(ctx, l.timeout, mode, patterns...)
}

// ExpectManyWithin matches a list of patterns and returns the consumed
// events in the order the patterns were supplied.
//
// Sequential waits for each pattern in turn, each scan starting after the
// previous match; the timeout applies to each pattern. Unordered offers every
// unconsumed event, in log order, to the still-pending patterns in supplied
// order; an event satisfies at most one pattern and the timeout applies to
// the whole set. Events consumed before a failure stay consumed.
func (l *Log) ExpectManyWithin(ctx context.Context, d time.Duration, mode Mode, patterns ...pattern.Pattern) ([]*ir.Event, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	start := time.Now()
	var (
		out []*ir.Event
		err error
	)
	switch mode {
	case Sequential:
		out, err = l.expectSequential(ctx, d, patterns)
	case Unordered:
		out, err = l.expectUnordered(ctx, d, patterns)
	default:
		err = fmt.Errorf("unknown expect_many mode %s", mode)
	}
	l.observe(err, time.Since(start))
	return out, err
}

func (l *Log) expectSequential(ctx context.Context, d time.Duration, patterns []pattern.Pattern) ([]*ir.Event, error) {
	out := make([]*ir.Event, 0, len(patterns))
	from := 0
	for i, p := range patterns {
		ev, idx, err := l.await(ctx, d, p, from)
		if err != nil {
			return nil, withRemaining(err, patterns[i+1:])
		}
		out = append(out, ev)
		from = idx + 1
	}
	return out, nil
}

func (l *Log) expectUnordered(ctx context.Context, d time.Duration, patterns []pattern.Pattern) ([]*ir.Event, error) {
	out := make([]*ir.Event, len(patterns))
	pending := make([]int, len(patterns))
	for i := range patterns {
		pending[i] = i
	}

	cursor := 0
	scan := func() bool {
		if cursor < l.head {
			cursor = l.head
		}
		for ; cursor < len(l.entries) && len(pending) > 0; cursor++ {
			e := &l.entries[cursor]
			if e.consumed || e.forbidden {
				continue
			}
			for j, pi := range pending {
				if patterns[pi].Matches(e.ev) {
					l.consumeLocked(cursor)
					out[pi] = e.ev
					pending = append(pending[:j], pending[j+1:]...)
					break
				}
			}
		}
		return len(pending) == 0
	}
	unmet := func() []string {
		names := make([]string, 0, len(pending))
		for _, pi := range pending {
			names = append(names, patterns[pi].String())
		}
		return names
	}

	if err := l.wait(ctx, d, scan, unmet); err != nil {
		return nil, err
	}
	return out, nil
}

// await blocks until an unconsumed event at index >= from matches p, then
// consumes it and returns it with its arena index.
func (l *Log) await(ctx context.Context, d time.Duration, p pattern.Pattern, from int) (*ir.Event, int, error) {
	var (
		found *ir.Event
		index int
	)
	cursor := from
	scan := func() bool {
		if cursor < l.head {
			cursor = l.head
		}
		for ; cursor < len(l.entries); cursor++ {
			e := &l.entries[cursor]
			if e.consumed || e.forbidden {
				continue
			}
			if p.Matches(e.ev) {
				l.consumeLocked(cursor)
				found, index = e.ev, cursor
				return true
			}
		}
		return false
	}
	unmet := func() []string { return []string{p.String()} }

	if err := l.wait(ctx, d, scan, unmet); err != nil {
		return nil, 0, err
	}
	return found, index, nil
}

// wait runs scan under the log mutex until it reports completion. Between
// scans it sleeps on the broadcast channel.
func (l *Log) wait(ctx context.Context, d time.Duration, scan func() bool, unmet func() []string) error {
	if d <= 0 {
		d = l.timeout
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		l.mu.Lock()
		if l.failure != nil {
			err := l.failure
			l.mu.Unlock()
			return err
		}
		done := scan()
		avail := l.avail
		pending := l.pendingLocked()
		var names []string
		if !done {
			names = unmet()
		}
		l.mu.Unlock()

		if done {
			l.metrics.consumed(pending)
			return nil
		}

		select {
		case <-avail:
		case <-timer.C:
			failure := NewTimeoutFailure(names, d.String(), pending)
			l.logger.Debug("expectation timed out", "patterns", strings.Join(names, "; "), "timeout", d)
			return failure
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", strings.Join(names, "; "), ctx.Err())
		}
	}
}

func (l *Log) consumeLocked(i int) {
	l.entries[i].consumed = true
	for l.head < len(l.entries) && (l.entries[l.head].consumed || l.entries[l.head].forbidden) {
		l.head++
	}
}

func (l *Log) pendingLocked() int {
	n := 0
	for i := l.head; i < len(l.entries); i++ {
		if !l.entries[i].consumed && !l.entries[i].forbidden {
			n++
		}
	}
	return n
}

func (l *Log) wakeLocked() {
	close(l.avail)
	l.avail = make(chan struct{})
}

func (l *Log) observe(err error, waited time.Duration) {
	switch {
	case err == nil:
		l.metrics.expectation("matched", waited)
	case IsTimeout(err):
		l.metrics.expectation("timeout", waited)
	default:
		l.metrics.expectation("failed", waited)
	}
}

// Pending returns the unconsumed events in log order.
func (l *Log) Pending() []*ir.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*ir.Event
	for i := l.head; i < len(l.entries); i++ {
		if !l.entries[i].consumed && !l.entries[i].forbidden {
			out = append(out, l.entries[i].ev)
		}
	}
	return out
}

// History returns every appended event in log order.
func (l *Log) History() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.entries))
	for i, e := range l.entries {
		out[i] = Record{Event: e.ev, Consumed: e.consumed, Forbidden: e.forbidden}
	}
	return out
}

// Len returns the number of appended events, consumed or not.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Err returns the failure that ended the log, or nil.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failure
}

// Fail puts the log in the failed state. Only the first failure is kept and
// reported to hooks; Fail returns the failure in effect.
func (l *Log) Fail(err error) error {
	if err == nil {
		return l.Err()
	}

	l.mu.Lock()
	if l.failure != nil {
		existing := l.failure
		l.mu.Unlock()
		return existing
	}
	hooks := l.failLocked(err)
	l.mu.Unlock()

	runHooks(hooks, err)
	return err
}

// OnFailure registers fn to run once when the log fails. If the log has
// already failed, fn runs immediately.
func (l *Log) OnFailure(fn func(error)) {
	l.mu.Lock()
	if l.failure != nil {
		err := l.failure
		l.mu.Unlock()
		fn(err)
		return
	}
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

func (l *Log) failLocked(err error) []func(error) {
	l.failure = err
	hooks := l.hooks
	l.hooks = nil
	l.wakeLocked()
	return hooks
}

func runHooks(hooks []func(error), err error) {
	for _, fn := range hooks {
		fn(err)
	}
}

// withRemaining adds the patterns a sequential wait never reached to a
// timeout failure.
func withRemaining(err error, rest []pattern.Pattern) error {
	var f *Failure
	if len(rest) == 0 || !errors.As(err, &f) || f.Code != CodeTimeout {
		return err
	}
	for _, p := range rest {
		f.Patterns = append(f.Patterns, p.String())
	}
	return f
}
