package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/kvpipe/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Dir        string
	Backend    string

	// Config is loaded before any subcommand runs.
	Config config.Config

	// Env replaces the process environment for config loading (for tests).
	Env map[string]string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kvpipe CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kvpipe",
		Short: "kvpipe - pipelined transactions over embedded key/value stores",
		Long: `kvpipe manages small embedded databases of object stores and runs
chained requests against them, each chain inside one transaction.

Databases live in a directory (--dir) as SQLite or bbolt files (--backend).
Settings can also come from a YAML or TOML file (--config) and from
KVPIPE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(config.LoadOptions{
				ConfigPath: opts.ConfigPath,
				Env:        opts.Env,
				Flags:      flagOverrides(cmd, opts),
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			opts.Config = cfg
			configureLogging(cmd.ErrOrStderr(), cfg, opts.Verbose)
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "database directory")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "storage backend (sqlite|bolt)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewStoresCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewGetAllCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewDropCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code.
// Errors are reported on stderr, or on stdout as a JSON response when
// --format json is in effect.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Reported {
		return exitErr.Code
	}

	f := &OutputFormatter{Format: opts.Format, Writer: stderr, Verbose: opts.Verbose}
	if opts.Format == "json" {
		f.Writer = stdout
	}
	_ = f.Error(errorCode(err), err.Error(), nil)
	return GetExitCode(err)
}

// flagOverrides collects the global flags the user actually set.
func flagOverrides(cmd *cobra.Command, opts *RootOptions) config.FlagOverrides {
	var fo config.FlagOverrides
	flags := cmd.Flags()
	if changed(flags, "dir") {
		fo.Dir = &opts.Dir
	}
	if changed(flags, "backend") {
		fo.Backend = &opts.Backend
	}
	if opts.Verbose {
		level := "debug"
		fo.LogLevel = &level
	}
	return fo
}

func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

// configureLogging installs the process logger. Logs go to stderr so they
// never mix with command output.
func configureLogging(w io.Writer, cfg config.Config, verbose bool) {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
