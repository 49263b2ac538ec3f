package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/busprobe/internal/bus"
)

// startWatch runs watch against b in the background. It returns once the
// watcher holds its connection, so signals sent afterwards reach it.
func startWatch(t *testing.T, b *bus.MemoryBus, opts *WatchOptions) (*bytes.Buffer, <-chan error) {
	t.Helper()
	opts.transport = b

	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	done := make(chan error, 1)
	go func() {
		done <- runWatch(testContext(t), opts, cmd)
	}()

	require.Eventually(t, func() bool {
		_, ok := b.Owner(":1.1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return out, done
}

func emitSignals(t *testing.T, b *bus.MemoryBus, signals ...[2]string) {
	t.Helper()
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	for _, s := range signals {
		_, err := conn.Send(&bus.Message{
			Type:      bus.TypeSignal,
			Path:      "/org/example/Echo",
			Interface: s[0],
			Member:    s[1],
			Body:      []any{"hello"},
		})
		require.NoError(t, err)
	}
}

func waitWatch(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
		return nil
	}
}

func TestWatchPrintsFilteredEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	opts := &WatchOptions{RootOptions: testOptions("text"), Interface: "org.example.A", Count: 2}
	out, done := startWatch(t, b, opts)

	emitSignals(t, b,
		[2]string{"org.example.B", "Skipped"},
		[2]string{"org.example.A", "First"},
		[2]string{"org.example.B", "Skipped"},
		[2]string{"org.example.A", "Second"},
	)

	require.NoError(t, waitWatch(t, done))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "signal org.example.A.First")
	assert.Contains(t, lines[0], "sender=:1.2")
	assert.Contains(t, lines[1], "signal org.example.A.Second")
	assert.NotContains(t, out.String(), "Skipped")
}

func TestWatchJSONLines(t *testing.T) {
	b := bus.NewMemoryBus()
	opts := &WatchOptions{RootOptions: testOptions("json"), Member: "Changed", Count: 1}
	out, done := startWatch(t, b, opts)

	emitSignals(t, b, [2]string{"org.example.A", "Changed"})

	require.NoError(t, waitWatch(t, done))
	sc := bufio.NewScanner(out)
	require.True(t, sc.Scan())
	var ev TraceEvent
	require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
	assert.Equal(t, "signal", ev.Kind)
	assert.Equal(t, "Changed", ev.Member)
	assert.Equal(t, ":1.2", ev.Sender)
	assert.Equal(t, []any{"hello"}, ev.Args)
	assert.NotEmpty(t, ev.Digest)
	assert.False(t, ev.Forbidden)
	assert.False(t, sc.Scan(), "only one event is printed")
}

func TestWatchForbiddenMemberFails(t *testing.T) {
	b := bus.NewMemoryBus()
	opts := &WatchOptions{RootOptions: testOptions("text"), Forbid: []string{"Disconnect"}}
	out, done := startWatch(t, b, opts)

	emitSignals(t, b,
		[2]string{"org.example.A", "Hello"},
		[2]string{"org.example.A", "Disconnect"},
	)

	err := waitWatch(t, done)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), "FORBIDDEN #")
	assert.Contains(t, out.String(), "Disconnect")
}

func TestWatchStopsAfterDuration(t *testing.T) {
	b := bus.NewMemoryBus()
	opts := &WatchOptions{RootOptions: testOptions("text"), Duration: 50 * time.Millisecond}
	out, done := startWatch(t, b, opts)

	require.NoError(t, waitWatch(t, done))
	assert.Empty(t, out.String())
}

func TestWatchFilter(t *testing.T) {
	opts := &WatchOptions{Interface: "org.example.A", Member: "Ping", Sender: ":1.7"}
	p := opts.filter()
	assert.Contains(t, p.String(), "org.example.A")
	assert.Contains(t, p.String(), "Ping")
	assert.Contains(t, p.String(), ":1.7")
}
