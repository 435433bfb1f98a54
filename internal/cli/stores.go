package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/kvpipe/internal/store"
)

// NewStoresCommand creates the stores command.
func NewStoresCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stores <db>",
		Short: "List object stores",
		Long: `List the object stores of a database with their key paths, indexes
and record counts.

Examples:
  kvpipe stores shop
  kvpipe stores shop --format json`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStores(cmd, rootOpts, args[0])
		},
	}
}

func runStores(cmd *cobra.Command, opts *RootOptions, name string) error {
	h, err := openExisting(cmd.Context(), opts, name)
	if err != nil {
		return err
	}
	defer h.Close()

	infos, err := h.Stores(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list stores", err)
	}

	if opts.Format == "json" {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return out.Success(infos)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STORE\tKEY PATH\tAUTO\tINDEXES\tRECORDS")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\n",
			info.Name, orDash(info.KeyPath), info.AutoIncrement, formatIndexes(info), info.Count)
	}
	return w.Flush()
}

func formatIndexes(info store.StoreInfo) string {
	if len(info.Indexes) == 0 {
		return "-"
	}
	parts := make([]string, len(info.Indexes))
	for i, idx := range info.Indexes {
		parts[i] = idx.Name + "(" + idx.KeyPath + ")"
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
