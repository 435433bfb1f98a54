package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kvpipe/internal/metrics"
	"github.com/roach88/kvpipe/internal/pipeline"
	"github.com/roach88/kvpipe/internal/record"
	"github.com/roach88/kvpipe/internal/store"
)

// openExisting opens a database that init has already created.
func openExisting(ctx context.Context, opts *RootOptions, name string) (*store.Handle, error) {
	path := store.Path(opts.Config, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("database %q not found in %s (run kvpipe init first)", name, opts.Config.Dir))
	}
	h, err := store.Open(ctx, opts.Config, name, store.WithVersion(opts.Config.Version))
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open database", err)
	}
	return h, nil
}

// runStep runs a single-step pipeline and prints its result.
func runStep(cmd *cobra.Command, opts *RootOptions, db, storeName string, mode pipeline.Mode,
	op pipeline.Op, d pipeline.Descriptor, runOpts ...pipeline.RunOption) error {
	ctx := cmd.Context()
	h, err := openExisting(ctx, opts, db)
	if err != nil {
		return err
	}
	defer h.Close()

	p := pipeline.Begin(h, []string{storeName}, mode,
		pipeline.WithObserver(metrics.DefaultRegistry()),
		pipeline.WithLogger(slog.Default()),
	).Then(op, pipeline.Fixed(d))

	result, err := p.Run(ctx, runOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", op), err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return f.Record(result)
}

// parseKey reads a key argument. JSON numbers and strings are decoded;
// anything else is taken as a literal string key.
func parseKey(arg string) any {
	v, err := record.Unmarshal([]byte(arg))
	if err != nil {
		return arg
	}
	switch v.(type) {
	case int64, float64, string:
		return v
	}
	return arg
}

// parseData reads a JSON record argument. "-" reads the record from in.
func parseData(arg string, in io.Reader) (any, error) {
	data := []byte(arg)
	if arg == "-" {
		b, err := io.ReadAll(in)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read record from stdin", err)
		}
		data = b
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, NewExitError(ExitCommandError, "record is empty")
	}
	v, err := record.Unmarshal(data)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid record JSON", err)
	}
	return v, nil
}

// exactArgs wraps cobra.ExactArgs so argument errors exit with code 2.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return WrapExitError(ExitCommandError, "invalid arguments", err)
		}
		return nil
	}
}
