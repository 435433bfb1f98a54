package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/kvpipe/internal/pipeline"
)

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <db> <store> <key>",
		Short: "Read one record by primary key",
		Long: `Read one record by primary key. A missing record prints null.

The key is read as JSON when it is a number or a quoted string, and as a
plain string otherwise.

Examples:
  kvpipe get shop items 42
  kvpipe get shop items apple`,
		Args: exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, opts, args[0], args[1], pipeline.ReadOnly, pipeline.OpGet,
				pipeline.Descriptor{Store: args[1], Key: parseKey(args[2])})
		},
	}
}

// NewGetAllCommand creates the getall command.
func NewGetAllCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "getall <db> <store>",
		Short: "Read every record in a store",
		Long: `Read every record in a store in primary-key order.

Examples:
  kvpipe getall shop items
  kvpipe getall shop items --format json`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, opts, args[0], args[1], pipeline.ReadOnly, pipeline.OpGetAll,
				pipeline.Descriptor{Store: args[1]})
		},
	}
}

// WriteOptions holds flags for add and put.
type WriteOptions struct {
	*RootOptions
	Key string // out-of-line key
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, pipeline.OpAdd, "add",
		"Insert a record, failing if the key exists",
		`Insert a record and print its primary key. Adding a record whose key
already exists fails with a ConstraintError and changes nothing.

The record is a JSON value; "-" reads it from stdin. Stores without a key
path take the key from --key unless they generate keys.

Examples:
  kvpipe add shop items '{"id":"apple","count":3}'
  kvpipe add shop notes '"remember the milk"'
  echo '{"id":"pear"}' | kvpipe add shop items -`)
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, pipeline.OpPut, "put",
		"Insert or replace a record",
		`Insert a record, replacing any record with the same key, and print its
primary key.

The record is a JSON value; "-" reads it from stdin.

Examples:
  kvpipe put shop items '{"id":"apple","count":4}'
  kvpipe put shop settings '{"theme":"dark"}' --key user-1`)
}

func newWriteCommand(rootOpts *RootOptions, op pipeline.Op, name, short, long string) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   name + " <db> <store> <json>",
		Short: short,
		Long:  long,
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[2], cmd.InOrStdin())
			if err != nil {
				return err
			}
			d := pipeline.Descriptor{Store: args[1], Data: data}
			if cmd.Flags().Changed("key") {
				d.Key = parseKey(opts.Key)
			}
			return runStep(cmd, opts.RootOptions, args[0], args[1], pipeline.ReadWrite, op, d)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "out-of-line primary key")

	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <db> <store> <key>",
		Short: "Delete a record by primary key",
		Long: `Delete the record with the given primary key. Deleting a missing key
succeeds.

Examples:
  kvpipe delete shop items apple`,
		Args: exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, opts, args[0], args[1], pipeline.ReadWrite, pipeline.OpDelete,
				pipeline.Descriptor{Store: args[1], Key: parseKey(args[2])})
		},
	}
}

// SearchOptions holds flags for the search command.
type SearchOptions struct {
	*RootOptions
	Inject string // field to receive each record's primary key
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search <db> <store> <index> <value>",
		Short: "Find records by index value",
		Long: `List the records whose index value equals the given value, in
primary-key order.

With --inject, each object record gets its primary key written into the
named field.

Examples:
  kvpipe search shop items byCount 3
  kvpipe search shop notes byTag urgent --inject id`,
		Args: exactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runOpts []pipeline.RunOption
			if opts.Inject != "" {
				runOpts = append(runOpts, pipeline.InjectPrimaryKey(opts.Inject))
			}
			d := pipeline.Descriptor{Store: args[1], Index: args[2], Key: parseKey(args[3])}
			return runStep(cmd, opts.RootOptions, args[0], args[1], pipeline.ReadOnly, pipeline.OpSearch, d, runOpts...)
		},
	}

	cmd.Flags().StringVar(&opts.Inject, "inject", "", "field to receive each record's primary key")

	return cmd
}
