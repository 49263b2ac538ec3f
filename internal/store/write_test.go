package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testHistory builds a log with a consumed call, a pending signal and a
// forbidden signal.
func testHistory(t *testing.T) []eventlog.Record {
	t.Helper()
	log := eventlog.New(eventlog.WithTimeout(time.Second))
	log.Forbid(pattern.Signal("org.example.Peer", "Disconnect"))

	require.NoError(t, log.Append(&ir.Event{
		Kind: ir.KindMethodCall, Interface: "org.example.Peer", Member: "Ping",
		Path: "/org/example/Peer", Sender: ":1.2", Destination: "org.example.Peer",
		Serial: 3, Args: []any{"hello", int32(7), []string{"a", "b"}},
	}))
	require.NoError(t, log.Append(&ir.Event{
		Kind: ir.KindSignal, Interface: "org.example.Peer", Member: "Ready", Sender: ":1.2", Serial: 4,
	}))
	_, err := log.Expect(context.Background(), pattern.MethodCall("Ping"))
	require.NoError(t, err)
	err = log.Append(&ir.Event{Kind: ir.KindSignal, Interface: "org.example.Peer", Member: "Disconnect", Serial: 5})
	require.True(t, eventlog.IsForbidden(err))

	return log.History()
}

func testRun(id string) Run {
	return Run{
		ID:          id,
		Scenario:    "disconnect",
		Pass:        false,
		FailureCode: string(eventlog.CodeForbiddenEvent),
		Errors:      []string{"FORBIDDEN_EVENT: forbidden event observed"},
		Digest:      "abc123",
		StartedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:    1500 * time.Millisecond,
	}
}

func TestWriteRun_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.WriteRun(ctx, testRun("run-0001"), testHistory(t)))

	run, err := s.ReadRun(ctx, "run-0001")
	require.NoError(t, err)
	assert.Equal(t, testRun("run-0001"), run)

	events, err := s.ReadEvents(ctx, "run-0001")
	require.NoError(t, err)
	require.Len(t, events, 3)

	call := events[0]
	assert.Equal(t, int64(1), call.Seq)
	assert.Equal(t, "method_call", call.Kind)
	assert.Equal(t, "Ping", call.Member)
	assert.Equal(t, uint32(3), call.Serial)
	assert.True(t, call.Consumed)
	assert.False(t, call.Forbidden)
	assert.Equal(t, ir.IRArray{ir.IRString("hello"), ir.IRInt(7), ir.IRArray{ir.IRString("a"), ir.IRString("b")}}, call.Args)

	assert.False(t, events[1].Consumed)
	assert.Equal(t, ir.IRArray{}, events[1].Args)
	assert.True(t, events[2].Forbidden)
}

func TestWriteRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	history := testHistory(t)

	require.NoError(t, s.WriteRun(ctx, testRun("run-0001"), history))
	changed := testRun("run-0001")
	changed.Pass = true
	require.NoError(t, s.WriteRun(ctx, changed, history[:1]))

	run, err := s.ReadRun(ctx, "run-0001")
	require.NoError(t, err)
	assert.False(t, run.Pass)

	events, err := s.ReadEvents(ctx, "run-0001")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestWriteRun_StoresEventDigests(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	history := testHistory(t)
	require.NoError(t, s.WriteRun(ctx, testRun("run-0001"), history))

	events, err := s.ReadEvents(ctx, "run-0001")
	require.NoError(t, err)
	for i, row := range events {
		want, err := ir.EventDigest(history[i].Event)
		require.NoError(t, err)
		assert.Equal(t, want, row.Digest, "seq %d", row.Seq)
	}
}

func TestReadRuns_OrderedAndFiltered(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	later := testRun("run-b")
	later.StartedAt = later.StartedAt.Add(time.Minute)
	other := testRun("run-c")
	other.Scenario = "ping"
	other.StartedAt = later.StartedAt.Add(time.Minute)

	require.NoError(t, s.WriteRun(ctx, later, nil))
	require.NoError(t, s.WriteRun(ctx, testRun("run-a"), nil))
	require.NoError(t, s.WriteRun(ctx, other, nil))

	runs, err := s.ReadRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-a", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
	assert.Equal(t, "run-c", runs[2].ID)

	runs, err = s.ReadRuns(ctx, "ping")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-c", runs[0].ID)
}

func TestReadRuns_EmptyNotNil(t *testing.T) {
	runs, err := openTestStore(t).ReadRuns(context.Background(), "")
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestReadRun_NotFound(t *testing.T) {
	_, err := openTestStore(t).ReadRun(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.WriteRun(ctx, testRun("run-0001"), testHistory(t)))

	mismatches, err := s.Verify(ctx, "run-0001")
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	_, err = s.db.Exec(`UPDATE events SET member = 'Pong' WHERE run_id = 'run-0001' AND seq = 1`)
	require.NoError(t, err)

	mismatches, err = s.Verify(ctx, "run-0001")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, int64(1), mismatches[0].Seq)
	assert.NotEqual(t, mismatches[0].Stored, mismatches[0].Computed)

	_, err = s.Verify(ctx, "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}
