package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	RunID    string
	Scenario string // optional - filter the run list
	Verify   bool
}

// RunSummary is one stored run.
type RunSummary struct {
	ID         string   `json:"id"`
	Scenario   string   `json:"scenario"`
	Pass       bool     `json:"pass"`
	Failure    string   `json:"failure,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Digest     string   `json:"digest"`
	StartedAt  string   `json:"started_at"`
	DurationMS int64    `json:"duration_ms"`
}

// TraceEvent is one stored event of a run.
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
	Args        any    `json:"args,omitempty"`
	Consumed    bool   `json:"consumed"`
	Forbidden   bool   `json:"forbidden,omitempty"`
	Digest      string `json:"digest"`
}

// Mismatch is an event whose stored digest no longer matches its content.
type Mismatch struct {
	Seq      int64  `json:"seq"`
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
}

// TraceResult holds the trace of one run.
type TraceResult struct {
	Run        RunSummary   `json:"run"`
	Events     []TraceEvent `json:"events"`
	Verified   bool         `json:"verified,omitempty"`
	Mismatches []Mismatch   `json:"mismatches,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect stored runs",
		Long: `Inspect runs recorded with --db.

Without --run, lists the stored runs. With --run, prints the event log
of that run in append order. --verify recomputes every event digest and
fails when a stored event was altered.

Examples:
  busprobe trace --db runs.db
  busprobe trace --db runs.db --scenario ping
  busprobe trace --db runs.db --run 01920000-... --verify
  busprobe trace --db runs.db --run 01920000-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to print")
	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "list only runs of this scenario")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "recompute event digests (requires --run)")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.DB == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	if opts.Verify && opts.RunID == "" {
		return NewExitError(ExitCommandError, "--verify requires --run")
	}

	st, err := store.Open(opts.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	formatter := opts.formatter(cmd)
	if opts.RunID == "" {
		return listRuns(ctx, st, opts, formatter)
	}
	return showRun(ctx, st, opts, formatter)
}

func listRuns(ctx context.Context, st *store.Store, opts *TraceOptions, formatter *OutputFormatter) error {
	runs, err := st.ReadRuns(ctx, opts.Scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read runs", err)
	}

	summaries := make([]RunSummary, len(runs))
	for i, r := range runs {
		summaries[i] = summarize(r)
	}

	if formatter.JSON() {
		return formatter.Success(summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs found.")
		return nil
	}

	rows := make([]table.Row, len(summaries))
	for i, s := range summaries {
		rows[i] = table.Row{s.ID, s.Scenario, passLabel(s.Pass), s.Failure, s.StartedAt, s.DurationMS, truncateID(s.Digest)}
	}
	formatter.Table(table.Row{"RUN", "SCENARIO", "RESULT", "FAILURE", "STARTED", "MS", "DIGEST"}, rows)
	return nil
}

func showRun(ctx context.Context, st *store.Store, opts *TraceOptions, formatter *OutputFormatter) error {
	run, err := st.ReadRun(ctx, opts.RunID)
	if errors.Is(err, store.ErrRunNotFound) {
		_ = formatter.Error(ErrCodeNotFound, "run not found: "+opts.RunID, nil)
		return WrapExitError(ExitCommandError, "run not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	rows, err := st.ReadEvents(ctx, opts.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := TraceResult{Run: summarize(run), Events: make([]TraceEvent, len(rows))}
	for i, row := range rows {
		result.Events[i] = traceEvent(row)
	}

	if opts.Verify {
		mismatches, err := st.Verify(ctx, opts.RunID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to verify run", err)
		}
		result.Verified = len(mismatches) == 0
		for _, m := range mismatches {
			result.Mismatches = append(result.Mismatches, Mismatch(m))
		}
	}

	if formatter.JSON() {
		resp := CLIResponse{Status: "ok", Data: result}
		if len(result.Mismatches) > 0 {
			resp.Status = "error"
			resp.Error = &CLIError{
				Code:    ErrCodeVerifyFailed,
				Message: fmt.Sprintf("%d event(s) do not match their digest", len(result.Mismatches)),
			}
		}
		if err := formatter.Response(resp); err != nil {
			return err
		}
	} else {
		outputTraceText(formatter, result, opts.Verbose)
	}

	if len(result.Mismatches) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d event(s) do not match their digest", len(result.Mismatches)))
	}
	return nil
}

func summarize(r store.Run) RunSummary {
	return RunSummary{
		ID:         r.ID,
		Scenario:   r.Scenario,
		Pass:       r.Pass,
		Failure:    r.FailureCode,
		Errors:     r.Errors,
		Digest:     r.Digest,
		StartedAt:  r.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		DurationMS: r.Duration.Milliseconds(),
	}
}

func traceEvent(row store.EventRow) TraceEvent {
	ev := TraceEvent{
		Seq:         row.Seq,
		Kind:        row.Kind,
		Interface:   row.Interface,
		Member:      row.Member,
		Path:        row.Path,
		Sender:      row.Sender,
		Destination: row.Destination,
		Serial:      row.Serial,
		ReplySerial: row.ReplySerial,
		ErrorName:   row.ErrorName,
		Consumed:    row.Consumed,
		Forbidden:   row.Forbidden,
		Digest:      row.Digest,
	}
	if arr, ok := row.Args.(ir.IRArray); ok && len(arr) > 0 {
		ev.Args = ir.ToGo(arr)
	}
	return ev
}

// outputTraceText prints the run header and its event table.
func outputTraceText(formatter *OutputFormatter, result TraceResult, verbose bool) {
	w := formatter.Writer
	run := result.Run

	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Scenario: %s\n", run.Scenario)
	status := passLabel(run.Pass)
	if run.Failure != "" {
		status += " (" + run.Failure + ")"
	}
	fmt.Fprintf(w, "Result:   %s\n", status)
	fmt.Fprintf(w, "Started:  %s (%d ms)\n", run.StartedAt, run.DurationMS)
	fmt.Fprintf(w, "Digest:   %s\n", run.Digest)
	for _, e := range run.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	fmt.Fprintln(w)

	if len(result.Events) == 0 {
		fmt.Fprintln(w, "(no events)")
	} else {
		header := table.Row{"SEQ", "KIND", "SENDER", "DEST", "MEMBER", "SERIAL", "REPLY", "ARGS", "STATE"}
		if verbose {
			header = append(header, "DIGEST")
		}
		rows := make([]table.Row, len(result.Events))
		for i, ev := range result.Events {
			row := table.Row{
				ev.Seq, ev.Kind, ev.Sender, ev.Destination, memberLabel(ev),
				serialLabel(ev.Serial), serialLabel(ev.ReplySerial), argsLabel(ev.Args), stateLabel(ev),
			}
			if verbose {
				row = append(row, truncateID(ev.Digest))
			}
			rows[i] = row
		}
		formatter.Table(header, rows)
	}

	if result.Verified {
		fmt.Fprintln(w, "✓ All event digests verified")
	}
	for _, m := range result.Mismatches {
		fmt.Fprintf(w, "✗ event %d: stored %s, computed %s\n", m.Seq, truncateID(m.Stored), truncateID(m.Computed))
	}
}

func memberLabel(ev TraceEvent) string {
	var parts []string
	if ev.Interface != "" {
		parts = append(parts, ev.Interface)
	}
	if ev.Member != "" {
		parts = append(parts, ev.Member)
	}
	label := strings.Join(parts, ".")
	if ev.ErrorName != "" {
		label = strings.TrimPrefix(label+" "+ev.ErrorName, " ")
	}
	return label
}

func serialLabel(s uint32) string {
	if s == 0 {
		return ""
	}
	return fmt.Sprint(s)
}

func argsLabel(args any) string {
	if args == nil {
		return ""
	}
	data, err := ir.MarshalCanonical(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}

func stateLabel(ev TraceEvent) string {
	switch {
	case ev.Forbidden:
		return "FORBIDDEN"
	case ev.Consumed:
		return "consumed"
	default:
		return "pending"
	}
}

func passLabel(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
