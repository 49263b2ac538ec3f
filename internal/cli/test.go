package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/harness"
	"github.com/roach88/busprobe/internal/store"
	"github.com/roach88/busprobe/internal/testutil"
)

// Golden comparison outcomes.
const (
	GoldenMatch    = "match"
	GoldenMismatch = "mismatch"
	GoldenMissing  = "missing"
	GoldenUpdated  = "updated"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update      bool          // regenerate golden files
	Filter      string        // scenario filter (glob pattern)
	Service     string        // executable started as the service under test
	ServiceArgs []string      // arguments after --
	Settle      time.Duration // wait after starting Service
	Echo        bool          // run the bundled echo service in-process
	MetricsAddr string        // serve prometheus metrics while running
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name            string   `json:"name"`
	File            string   `json:"file"`
	RunID           string   `json:"run_id,omitempty"`
	Pass            bool     `json:"pass"`
	Failure         string   `json:"failure,omitempty"`
	ExpectedFailure string   `json:"expected_failure,omitempty"`
	Digest          string   `json:"digest,omitempty"`
	Golden          string   `json:"golden,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir> [-- service-args...]",
		Short: "Run conformance scenarios",
		Long: `Run conformance scenarios against a service under test.

Every scenario runs on its own connection; with the memory transport
every scenario also gets a fresh bus, which makes traces reproducible.
Traces are compared with <scenarios-dir>/golden/<name>.golden when that
file exists.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bus unreachable, etc.)

Examples:
  busprobe test ./scenarios --echo
  busprobe test ./scenarios --transport session --service ./mysvc -- --verbose
  busprobe test ./scenarios --echo --filter "peer-*" --update
  busprobe test ./scenarios --echo --db runs.db --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				if dash != 1 {
					return NewExitError(ExitCommandError, "test takes exactly one scenarios directory before --")
				}
				opts.ServiceArgs = args[dash:]
			} else if len(args) != 1 {
				return NewExitError(ExitCommandError, "test takes exactly one scenarios directory")
			}
			return runTests(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on the file name")
	cmd.Flags().StringVar(&opts.Service, "service", "", "executable to start as the service under test")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 200*time.Millisecond, "wait after starting --service")
	cmd.Flags().BoolVar(&opts.Echo, "echo", false, "run the bundled org.example.Echo service in-process")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")

	return cmd
}

func runTests(ctx context.Context, opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.logger()

	if info, err := os.Stat(scenariosDir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	if opts.Service != "" && opts.Echo {
		return NewExitError(ExitCommandError, "--service and --echo are mutually exclusive")
	}
	if opts.Service != "" && opts.IsMemory() {
		return NewExitError(ExitCommandError, "--service needs a bus other processes can reach; use --transport session, system or address")
	}

	scenarioFiles, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	if len(scenarioFiles) == 0 {
		if opts.Format == "json" {
			return outputTestJSON(cmd, TestResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	driverOpts := []harness.Option{
		harness.WithLogger(logger),
		harness.WithTimeout(opts.Timeout),
	}

	if opts.DB != "" {
		st, err := store.Open(opts.DB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing database", "error", err)
			}
		}()
		driverOpts = append(driverOpts, harness.WithStore(st))
	}

	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		stop, err := serveMetrics(opts.MetricsAddr, reg)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer stop()
		driverOpts = append(driverOpts, harness.WithMetrics(eventlog.NewMetrics(reg)))
		logger.Info("serving metrics", "addr", opts.MetricsAddr)
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarioFiles)),
		Total:     len(scenarioFiles),
	}

	seen := make(map[string]string)
	for _, scenarioFile := range scenarioFiles {
		scenResult := runScenario(ctx, scenarioFile, scenariosDir, seen, opts, driverOpts)
		result.Scenarios = append(result.Scenarios, scenResult)
		if opts.Format != "json" {
			printScenario(cmd, scenResult)
		}

		if scenResult.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		return outputTestJSON(cmd, result)
	}
	return outputTestText(cmd, result)
}

// findScenarioFiles finds all YAML scenario files below dir, skipping the
// golden directory.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(d.Name(), ext)
			if matched, _ := filepath.Match(filter, name); !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// runScenario executes a single scenario file and returns the result.
func runScenario(ctx context.Context, scenarioFile, scenariosDir string, seen map[string]string, opts *TestOptions, driverOpts []harness.Option) ScenarioResult {
	failed := func(name string, errs ...string) ScenarioResult {
		return ScenarioResult{Name: name, File: scenarioFile, Errors: errs}
	}

	scenario, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		return failed(filepath.Base(scenarioFile), fmt.Sprintf("failed to load scenario: %v", err))
	}
	if prev, ok := seen[scenario.Name]; ok {
		return failed(scenario.Name, fmt.Sprintf("duplicate scenario name %q (also in %s)", scenario.Name, prev))
	}
	seen[scenario.Name] = scenarioFile

	logger := opts.logger()
	transport, err := opts.NewTransport(logger)
	if err != nil {
		return failed(scenario.Name, err.Error())
	}
	service, err := opts.newService(logger)
	if err != nil {
		return failed(scenario.Name, err.Error())
	}

	driver := harness.NewDriver(transport, service, driverOpts...)
	result, err := driver.RunScenario(ctx, scenario)
	if err != nil && result == nil {
		return failed(scenario.Name, fmt.Sprintf("execution failed: %v", err))
	}

	out := ScenarioResult{
		Name:            scenario.Name,
		File:            scenarioFile,
		RunID:           result.RunID,
		Pass:            result.Pass,
		Failure:         result.Failure,
		ExpectedFailure: result.ExpectedFailure,
		Digest:          result.Digest,
		Errors:          result.Errors,
	}
	if err != nil {
		out.Pass = false
		out.Errors = append(out.Errors, err.Error())
	}

	goldenPath := goldenFilePath(scenariosDir, scenario.Name)
	if opts.Update {
		if err := updateGoldenFile(goldenPath, result); err != nil {
			out.Pass = false
			out.Errors = append(out.Errors, fmt.Sprintf("failed to update golden file: %v", err))
			return out
		}
		out.Golden = GoldenUpdated
		return out
	}

	out.Golden, err = compareWithGolden(goldenPath, result)
	switch {
	case err != nil:
		out.Pass = false
		out.Errors = append(out.Errors, fmt.Sprintf("golden comparison failed: %v", err))
	case out.Golden == GoldenMismatch:
		out.Pass = false
		out.Errors = append(out.Errors, "trace does not match golden file (run with --update to regenerate)")
	}
	return out
}

func (o *TestOptions) newService(logger *slog.Logger) (harness.Service, error) {
	switch {
	case o.Service != "":
		return &harness.ExecService{
			Path:   o.Service,
			Args:   o.ServiceArgs,
			Settle: o.Settle,
			Stderr: os.Stderr,
			Logger: logger,
		}, nil
	case o.Echo:
		echo := testutil.NewEcho()
		return &harness.FuncService{Ready: echo.Ready, Serve: echo.Serve}, nil
	default:
		logger.Info("no service under test; scenarios talk to their own peers only")
		return nil, nil
	}
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenariosDir, name string) string {
	return filepath.Join(scenariosDir, "golden", name+".golden")
}

// updateGoldenFile writes the current trace as the golden file.
func updateGoldenFile(goldenPath string, result *harness.Result) error {
	if err := os.MkdirAll(filepath.Dir(goldenPath), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	data, err := harness.Snapshot(result.Scenario, result.Trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := os.WriteFile(goldenPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// compareWithGolden compares the result trace against the golden file
// byte for byte.
func compareWithGolden(goldenPath string, result *harness.Result) (string, error) {
	goldenData, err := os.ReadFile(goldenPath)
	if errors.Is(err, fs.ErrNotExist) {
		return GoldenMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read golden file: %w", err)
	}

	currentData, err := harness.Snapshot(result.Scenario, result.Trace)
	if err != nil {
		return "", fmt.Errorf("failed to marshal current trace: %w", err)
	}
	if !bytes.Equal(goldenData, currentData) {
		return GoldenMismatch, nil
	}
	return GoldenMatch, nil
}

// serveMetrics serves reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printScenario(cmd *cobra.Command, r ScenarioResult) {
	w := cmd.OutOrStdout()
	mark := "✓"
	if !r.Pass {
		mark = "✗"
	}

	line := fmt.Sprintf("%s %s", mark, r.Name)
	var notes []string
	if r.ExpectedFailure != "" && r.Pass {
		notes = append(notes, "failed with "+r.ExpectedFailure+" as expected")
	}
	if r.Golden == GoldenUpdated {
		notes = append(notes, "golden updated")
	}
	if len(notes) > 0 {
		line += " (" + strings.Join(notes, ", ") + ")"
	}
	fmt.Fprintln(w, line)

	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(cmd *cobra.Command, result TestResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeTestFailed,
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}

	formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
	if err := formatter.Response(response); err != nil {
		return err
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// outputTestText outputs the test summary as text.
func outputTestText(cmd *cobra.Command, result TestResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
