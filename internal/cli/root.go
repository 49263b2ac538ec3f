package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/busprobe/internal/config"
)

// RootOptions holds the resolved global settings for all commands.
type RootOptions struct {
	config.Config

	// ConfigFile is the optional config file given with --config.
	ConfigFile string

	// Logger receives diagnostics; nil discards them.
	Logger *slog.Logger
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// NewRootCommand creates the root command for the busprobe CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	v := config.New()

	cmd := &cobra.Command{
		Use:   "busprobe",
		Short: "busprobe - asynchronous protocol conformance for D-Bus services",
		Long: `busprobe drives a service under test over a message bus and checks
every event it produces against scenario expectations.

Settings come from flags, BUSPROBE_* environment variables and an
optional config file, in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(v, cmd.Root().PersistentFlags()); err != nil {
				return WrapExitError(ExitCommandError, "invalid flags", err)
			}
			cfg, err := config.Load(v, opts.ConfigFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			opts.Config = *cfg
			opts.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: cfg.LogLevel(),
			}))
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (yaml, json or toml)")
	pf.BoolP(config.KeyVerbose, "v", false, "verbose output")
	pf.String(config.KeyFormat, "text", "output format (json|text)")
	pf.String(config.KeyTransport, config.TransportMemory, "bus transport (memory|session|system|address)")
	pf.String(config.KeyAddress, "", "D-Bus address for --transport address")
	pf.Duration(config.KeyTimeout, config.DefaultTimeout, "default expectation timeout")
	pf.String(config.KeyDB, "", "SQLite trace store")

	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}
