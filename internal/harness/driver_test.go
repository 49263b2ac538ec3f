package harness

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/busprobe/internal/bus"
	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
	"github.com/roach88/busprobe/internal/store"
	"github.com/roach88/busprobe/internal/testutil"
)

const (
	peerName  = "org.example.Peer"
	peerPath  = "/org/example/Peer"
	peerIface = "org.example.Peer"
)

func echoService() *FuncService {
	echo := testutil.NewEcho()
	return &FuncService{Ready: echo.Ready, Serve: echo.Serve}
}

func newTestDriver(service Service, opts ...Option) (*Driver, *bus.MemoryBus) {
	b := bus.NewMemoryBus()
	opts = append([]Option{WithTimeout(time.Second), WithIDs(testutil.NewSequentialIDs(""))}, opts...)
	return NewDriver(b, service, opts...), b
}

// pingScenario registers a peer, calls Ping on it and answers the call.
func pingScenario(ctx context.Context, env *Env) error {
	p := env.Peers.New(peerName, peerPath)
	if err := p.Register(ctx); err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}

	serial, err := env.Bus.CallAsync(peerName, peerPath, peerIface, "Ping")
	if err != nil {
		return err
	}
	call, err := env.Log.Expect(ctx, pattern.MethodCall("Ping"))
	if err != nil {
		return err
	}
	if err := env.Bus.Reply(call); err != nil {
		return err
	}
	_, err = env.Log.Expect(ctx, pattern.MethodReturn("Ping").With("reply_serial", serial))
	return err
}

func TestDriver_PingScenario(t *testing.T) {
	d, _ := newTestDriver(nil)

	result, err := d.Run(context.Background(), "ping", pingScenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "run-0001", result.RunID)
	assert.Empty(t, result.Errors)
	assert.NotEmpty(t, result.Digest)

	require.Len(t, result.Trace, 3)
	assert.Equal(t, "name_owner_changed", result.Trace[0].Kind)
	assert.Equal(t, []any{peerName, "", ":1.1"}, result.Trace[0].Args)
	assert.False(t, result.Trace[0].Consumed)

	assert.Equal(t, "method_call", result.Trace[1].Kind)
	assert.Equal(t, "Ping", result.Trace[1].Member)
	assert.True(t, result.Trace[1].Consumed)

	assert.Equal(t, "method_return", result.Trace[2].Kind)
	assert.Equal(t, result.Trace[1].Serial, result.Trace[2].ReplySerial)
}

func TestDriver_DoubleReplyIsReturnedNotFatal(t *testing.T) {
	d, _ := newTestDriver(nil)

	result, err := d.Run(context.Background(), "double_reply", func(ctx context.Context, env *Env) error {
		p := env.Peers.New(peerName, peerPath)
		if err := p.Register(ctx); err != nil {
			return err
		}
		if _, err := env.Bus.CallAsync(peerName, peerPath, peerIface, "Ping"); err != nil {
			return err
		}
		call, err := env.Log.Expect(ctx, pattern.MethodCall("Ping"))
		if err != nil {
			return err
		}
		if err := env.Bus.RaiseError(call, "org.example.Error.Busy", "busy"); err != nil {
			return err
		}
		if err := env.Bus.Reply(call); !eventlog.IsDoubleReply(err) {
			return errors.New("second answer was accepted")
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestDriver_ForbiddenEventFailsRunWithoutWaiter(t *testing.T) {
	d, _ := newTestDriver(echoService())

	start := time.Now()
	result, err := d.Run(context.Background(), "disconnect", func(ctx context.Context, env *Env) error {
		env.Log.Forbid(pattern.New(ir.KindAny, pattern.Fields{"member": "Disconnect"}))

		p := env.Peers.New(peerName, peerPath)
		if err := p.Register(ctx); err != nil {
			return err
		}
		if err := p.Start(); err != nil {
			return err
		}
		if _, err := p.EmitSignal(peerIface, "Heartbeat"); err != nil {
			return err
		}
		_, err := env.Bus.CallAsync(testutil.EchoName, testutil.EchoPath, testutil.EchoInterface,
			"Poke", peerName, peerPath, peerIface, "Disconnect")
		if err != nil {
			return err
		}

		// Nothing ever answers this; the forbidden call ends the wait.
		_, err = env.Log.ExpectWithin(ctx, 30*time.Second, pattern.Signal(peerIface, "Never"))
		return err
	})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, result.Pass)
	assert.Equal(t, string(eventlog.CodeForbiddenEvent), result.Failure)
	assert.True(t, eventlog.IsForbidden(result.Err))
	require.Len(t, result.Errors, 1)

	var forbidden []TraceEvent
	for _, ev := range result.Trace {
		if ev.Forbidden {
			forbidden = append(forbidden, ev)
		}
	}
	require.Len(t, forbidden, 1)
	assert.Equal(t, "Disconnect", forbidden[0].Member)
	assert.Equal(t, "method_call", forbidden[0].Kind)
}

func TestDriver_ScenarioErrorFailsRun(t *testing.T) {
	d, _ := newTestDriver(nil)

	result, err := d.Run(context.Background(), "timeout", func(ctx context.Context, env *Env) error {
		_, err := env.Log.ExpectWithin(ctx, 10*time.Millisecond, pattern.MethodCall("Nothing"))
		return err
	})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, string(eventlog.CodeTimeout), result.Failure)
	// Synchronous failures do not fail the log.
	assert.Len(t, result.Errors, 1)
}

func TestDriver_ScenarioPanicIsReported(t *testing.T) {
	d, _ := newTestDriver(nil)

	result, err := d.Run(context.Background(), "panic", func(context.Context, *Env) error {
		panic("boom")
	})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "scenario panicked: boom")
	assert.Empty(t, result.Failure)
}

func TestDriver_TeardownReleasesEverything(t *testing.T) {
	d, b := newTestDriver(echoService())

	result, err := d.Run(context.Background(), "ping", pingScenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	_, owned := b.Owner(peerName)
	assert.False(t, owned)
	_, owned = b.Owner(testutil.EchoName)
	assert.False(t, owned)
}

func TestDriver_TracesAreDeterministic(t *testing.T) {
	run := func() *Result {
		d, _ := newTestDriver(echoService())
		result, err := d.Run(context.Background(), "ping", pingScenario)
		require.NoError(t, err)
		require.True(t, result.Pass, "errors: %v", result.Errors)
		return result
	}

	first, second := run(), run()
	assert.Equal(t, first.Digest, second.Digest)

	a, err := Snapshot(first.Scenario, first.Trace)
	require.NoError(t, err)
	b, err := Snapshot(second.Scenario, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestDriver_DefaultRunIDIsUUIDv7(t *testing.T) {
	d := NewDriver(bus.NewMemoryBus(), nil)

	result, err := d.Run(context.Background(), "empty", func(context.Context, *Env) error { return nil })
	require.NoError(t, err)

	id, err := uuid.Parse(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestDriver_PersistsRuns(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer st.Close()

	d, _ := newTestDriver(nil, WithStore(st))
	result, err := d.Run(ctx, "ping", pingScenario)
	require.NoError(t, err)

	run, err := st.ReadRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ping", run.Scenario)
	assert.True(t, run.Pass)
	assert.Equal(t, result.Digest, run.Digest)

	events, err := st.ReadEvents(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, events, len(result.Trace))
	assert.Equal(t, "Ping", events[1].Member)

	mismatches, err := st.Verify(ctx, result.RunID)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDriver_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	d, _ := newTestDriver(nil, WithMetrics(eventlog.NewMetrics(reg)))

	_, err := d.Run(context.Background(), "ping", pingScenario)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]bool)
	for _, f := range families {
		byName[f.GetName()] = true
	}
	assert.True(t, byName["busprobe_events_appended_total"])
	assert.True(t, byName["busprobe_expectations_total"])
}

type failingTransport struct{}

func (failingTransport) Address() string { return "nowhere:" }

func (failingTransport) Connect(context.Context) (bus.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestDriver_ConnectErrorIsReturned(t *testing.T) {
	d := NewDriver(failingTransport{}, nil)

	result, err := d.Run(context.Background(), "ping", pingScenario)
	assert.Nil(t, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDriver_ServiceStartErrorIsReturned(t *testing.T) {
	d, _ := newTestDriver(&FuncService{
		Ready: func(context.Context, bus.Conn) error { return errors.New("no config") },
	})

	_, err := d.Run(context.Background(), "ping", pingScenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start service")
}
