package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/busprobe/internal/bus"
	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
)

// watchPoll bounds a single wait; an idle bus just waits again.
const watchPoll = time.Minute

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Interface string
	Member    string
	Sender    string
	Forbid    []string
	Count     int
	Duration  time.Duration

	// transport overrides the configured transport.
	transport bus.Transport
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print bus traffic as events",
		Long: `Attach to a bus and print every message as a harness event.

Filters select what is printed; every message is still received. Members
given with --forbid end the watch with exit code 1 when they appear.

Examples:
  busprobe watch --transport session
  busprobe watch --transport system --interface org.freedesktop.login1.Manager
  busprobe watch --transport session --forbid Disconnect --duration 30s
  busprobe watch --transport session --count 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Interface, "interface", "", "print only events on this interface")
	cmd.Flags().StringVar(&opts.Member, "member", "", "print only events with this member")
	cmd.Flags().StringVar(&opts.Sender, "sender", "", "print only events from this unique name")
	cmd.Flags().StringSliceVar(&opts.Forbid, "forbid", nil, "fail when an event with this member appears")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "stop after printing this many events (0 = no limit)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 = until interrupted)")

	return cmd
}

func (o *WatchOptions) filter() pattern.Pattern {
	fields := pattern.Fields{}
	if o.Interface != "" {
		fields["interface"] = o.Interface
	}
	if o.Member != "" {
		fields["member"] = o.Member
	}
	if o.Sender != "" {
		fields["sender"] = o.Sender
	}
	return pattern.New(ir.KindAny, fields)
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.logger()

	transport := opts.transport
	if transport == nil {
		var err error
		if transport, err = opts.NewTransport(logger); err != nil {
			return WrapExitError(ExitCommandError, "invalid transport", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	conn, err := transport.Connect(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}

	log := eventlog.New(eventlog.WithLogger(logger), eventlog.WithTimeout(watchPoll))
	for _, member := range opts.Forbid {
		log.Forbid(pattern.New(ir.KindAny, pattern.Fields{"member": member}))
	}
	adapter := bus.NewAdapter(conn, log, bus.WithAdapterLogger(logger))
	defer adapter.Close()

	logger.Info("watching", "address", transport.Address(), "unique_name", adapter.UniqueName())
	if opts.Format != "json" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s as %s. Press Ctrl-C to stop.\n", transport.Address(), adapter.UniqueName())
	}

	filter := opts.filter()
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	emit := func(ev *ir.Event, forbidden bool) error {
		if opts.Format == "json" {
			return enc.Encode(watchEvent(ev, forbidden))
		}
		line := ev.String()
		if forbidden {
			line = "FORBIDDEN " + line
		}
		_, err := fmt.Fprintln(out, line)
		return err
	}

	printed := 0
	for opts.Count == 0 || printed < opts.Count {
		ev, err := log.Expect(ctx, pattern.Any())
		switch {
		case err == nil:
		case eventlog.IsTimeout(err):
			continue
		case eventlog.IsForbidden(err):
			var failure *eventlog.Failure
			if errors.As(err, &failure) && failure.Event != nil {
				if perr := emit(failure.Event, true); perr != nil {
					return perr
				}
			}
			return WrapExitError(ExitFailure, "forbidden event observed", err)
		case ctx.Err() != nil:
			return nil
		default:
			return WrapExitError(ExitCommandError, "watch failed", err)
		}

		if !filter.Matches(ev) {
			continue
		}
		if err := emit(ev, false); err != nil {
			return err
		}
		printed++
	}
	return nil
}

func watchEvent(ev *ir.Event, forbidden bool) TraceEvent {
	out := TraceEvent{
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
		Consumed:    !forbidden,
		Forbidden:   forbidden,
	}
	if len(ev.Args) > 0 {
		if v, err := ir.FromGo(ev.Args); err == nil {
			out.Args = ir.ToGo(v)
		}
	}
	if digest, err := ir.EventDigest(ev); err == nil {
		out.Digest = digest
	}
	return out
}
