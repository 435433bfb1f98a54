package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/kvpipe/internal/store"
)

// NewDropCommand creates the drop command.
func NewDropCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <db>",
		Short: "Delete a database",
		Long: `Delete a database file. Dropping a database that does not exist succeeds.

Examples:
  kvpipe drop shop`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.Delete(cmd.Context(), opts.Config, args[0]); err != nil {
				code := ExitFailure
				if errors.Is(err, store.ErrInUse) {
					code = ExitCommandError
				}
				return WrapExitError(code, "failed to drop database", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if opts.Format == "json" {
				return out.Success(map[string]string{"dropped": args[0]})
			}
			return out.Success(fmt.Sprintf("dropped %s", args[0]))
		},
	}
}
