package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/kvpipe/internal/schema"
	"github.com/roach88/kvpipe/internal/store"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Schema string // CUE schema file
}

// InitResult is the output of the init command.
type InitResult struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Version uint64   `json:"version"`
	Stores  []string `json:"stores"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init <db>",
		Short: "Create or upgrade a database",
		Long: `Create a database, or upgrade an existing one, from a CUE schema file.

The schema file names the database version and its stores. When the version
is above the stored one, missing stores and indexes are created; existing
stores are left as they are.

Examples:
  kvpipe init shop --schema shop.cue
  kvpipe init shop --schema shop.cue --backend bolt`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "CUE schema file (required)")

	return cmd
}

func runInit(cmd *cobra.Command, opts *InitOptions, name string) error {
	if opts.Schema == "" {
		return NewExitError(ExitCommandError, "--schema is required")
	}
	f, err := schema.LoadCUE(opts.Schema)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}

	version := opts.Config.Version
	if version == 0 {
		version = f.Version
	}

	h, err := store.Open(cmd.Context(), opts.Config, name,
		store.WithVersion(version),
		store.WithSetup(f.Setup()),
	)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to initialize database", err)
	}
	defer h.Close()

	infos, err := h.Stores(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list stores", err)
	}
	result := InitResult{
		Name:    h.Name(),
		Path:    h.Path(),
		Version: h.Version(),
		Stores:  make([]string, len(infos)),
	}
	for i, info := range infos {
		result.Stores[i] = info.Name
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(result)
	}
	out.VerboseLog("database file: %s", result.Path)
	return out.Success(fmt.Sprintf("initialized %s at version %d (%d stores)",
		result.Name, result.Version, len(result.Stores)))
}
