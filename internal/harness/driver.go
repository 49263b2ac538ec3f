package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/busprobe/internal/bus"
	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/peer"
	"github.com/roach88/busprobe/internal/store"
)

// teardownTimeout bounds peer withdrawal and service shutdown after a run.
const teardownTimeout = 5 * time.Second

// Env is what a scenario works with.
type Env struct {
	Log     *eventlog.Log
	Bus     *bus.Adapter
	Peers   *peer.Registry
	Service Service
	Logger  *slog.Logger
}

// ScenarioFunc is a scenario. Its context is cancelled as soon as the log
// fails, so blocked operations return promptly.
type ScenarioFunc func(ctx context.Context, env *Env) error

// IDGenerator produces run identifiers.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Driver runs scenarios against a service under test.
type Driver struct {
	transport bus.Transport
	service   Service
	logger    *slog.Logger
	timeout   time.Duration
	metrics   *eventlog.Metrics
	store     *store.Store
	ids       IDGenerator
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger. Runs log at info level, the log and the bus
// adapter at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTimeout sets the default expectation timeout of every run's log.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMetrics records log metrics of every run.
func WithMetrics(m *eventlog.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithStore persists every run with its event history.
func WithStore(s *store.Store) Option {
	return func(d *Driver) { d.store = s }
}

// WithIDs replaces the UUIDv7 run identifiers.
func WithIDs(ids IDGenerator) Option {
	return func(d *Driver) {
		if ids != nil {
			d.ids = ids
		}
	}
}

// NewDriver creates a driver. service may be nil when scenarios only talk
// to their own peers.
func NewDriver(transport bus.Transport, service Service, opts ...Option) *Driver {
	d := &Driver{
		transport: transport,
		service:   service,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:   eventlog.DefaultTimeout,
		ids:       uuidGenerator{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transport returns the transport runs connect to.
func (d *Driver) Transport() bus.Transport {
	return d.transport
}

// Run executes one scenario.
//
// Execution flow:
// 1. Connect, create the log, the bus adapter and the peer registry
// 2. Start the service under test
// 3. Run the scenario with a context cancelled on the first log failure
// 4. Flush the connection and snapshot the log history as the trace
// 5. Withdraw every peer, stop the service, close the connection
// 6. Persist the run when a store is configured
//
// Scenario failures are reported in the result. The error return is for
// infrastructure problems: connect, service start, store.
func (d *Driver) Run(ctx context.Context, name string, fn ScenarioFunc) (*Result, error) {
	return d.run(ctx, name, fn, "")
}

// RunScenario runs a scenario document. A scenario with expect_failure
// passes when it fails with that code and fails when it passes.
func (d *Driver) RunScenario(ctx context.Context, s *Scenario) (*Result, error) {
	return d.run(ctx, s.Name, s.Func(), s.ExpectFailure)
}

func (d *Driver) run(ctx context.Context, name string, fn ScenarioFunc, expectFailure string) (*Result, error) {
	runID := d.ids.Generate()
	logger := d.logger.With("run", runID, "scenario", name)
	started := time.Now()

	conn, err := d.transport.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", d.transport.Address(), err)
	}

	log := eventlog.New(
		eventlog.WithTimeout(d.timeout),
		eventlog.WithLogger(logger),
		eventlog.WithMetrics(d.metrics),
	)
	adapter := bus.NewAdapter(conn, log, bus.WithAdapterLogger(logger))
	env := &Env{
		Log:     log,
		Bus:     adapter,
		Peers:   peer.NewRegistry(adapter, peer.WithLogger(logger)),
		Service: d.service,
		Logger:  logger,
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	log.OnFailure(cancel)

	if d.service != nil {
		if err := d.service.Start(runCtx, d.transport); err != nil {
			_ = d.teardown(ctx, env)
			return nil, fmt.Errorf("start service: %w", err)
		}
	}

	logger.Info("scenario started", "transport", d.transport.Address())
	scenarioErr := runScenario(runCtx, fn, env)

	syncCtx, cancelSync := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	if err := adapter.Sync(syncCtx); err != nil {
		logger.Warn("flush before snapshot failed", "error", err)
	}
	cancelSync()

	result := NewResult(runID, name)
	logErr := log.Err()
	result.AddError(logErr)
	if scenarioErr != nil && !errors.Is(scenarioErr, logErr) {
		if logErr == nil || !errors.Is(scenarioErr, context.Canceled) {
			result.AddError(scenarioErr)
		}
	}

	history := log.History()
	if trace, err := TraceFromHistory(history); err != nil {
		result.AddError(err)
	} else {
		result.Trace = trace
		if result.Digest, err = Digest(name, trace); err != nil {
			result.AddError(err)
		}
	}

	if err := d.teardown(ctx, env); err != nil {
		result.AddError(fmt.Errorf("teardown: %w", err))
	}
	if expectFailure != "" {
		result.judge(expectFailure)
	}

	elapsed := time.Since(started)
	if result.Pass {
		logger.Info("scenario passed", "events", len(history), "duration", elapsed)
	} else {
		logger.Error("scenario failed", "events", len(history), "duration", elapsed, "error", result.Err)
	}

	if d.store != nil {
		run := store.Run{
			ID:          result.RunID,
			Scenario:    name,
			Pass:        result.Pass,
			FailureCode: result.Failure,
			Errors:      result.Errors,
			Digest:      result.Digest,
			StartedAt:   started,
			Duration:    elapsed,
		}
		if err := d.store.WriteRun(context.WithoutCancel(ctx), run, history); err != nil {
			return result, fmt.Errorf("store run %s: %w", runID, err)
		}
	}

	return result, nil
}

func runScenario(ctx context.Context, fn ScenarioFunc, env *Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			env.Logger.Error("scenario panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("scenario panicked: %v", r)
		}
	}()
	return fn(ctx, env)
}

func (d *Driver) teardown(ctx context.Context, env *Env) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	var errs []error
	if err := env.Peers.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("release peers: %w", err))
	}
	if d.service != nil {
		if err := d.service.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop service: %w", err))
		}
	}
	if err := env.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}
