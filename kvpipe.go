// Package kvpipe opens versioned embedded databases of object stores and
// runs chained requests against them, each chain inside one transaction.
//
// A database is opened with the stores it needs declared in setup
// callbacks, which run only when the database is created or upgraded:
//
//	h, err := kvpipe.OpenDatabase(ctx, kvpipe.DefaultConfig(), "shop",
//		func(up *kvpipe.Upgrade) error {
//			return kvpipe.DefineStore(up, "items", kvpipe.StoreOptions{KeyPath: "id"})
//		})
//
// Requests are then chained on a pipeline and executed by Run:
//
//	res, err := kvpipe.BeginPipeline(h, []string{"items"}, kvpipe.ReadWrite).
//		Put(kvpipe.Fixed(kvpipe.Descriptor{Store: "items", Data: rec})).
//		Get(kvpipe.Derived(func(prev any) kvpipe.Descriptor {
//			return kvpipe.Descriptor{Store: "items", Key: prev}
//		})).
//		Run(ctx)
package kvpipe

import (
	"context"
	"log/slog"

	"github.com/roach88/kvpipe/internal/config"
	"github.com/roach88/kvpipe/internal/metrics"
	"github.com/roach88/kvpipe/internal/pipeline"
	"github.com/roach88/kvpipe/internal/schema"
	"github.com/roach88/kvpipe/internal/store"
)

type (
	// Config selects the data directory and storage backend.
	Config = config.Config

	// Handle is an open database.
	Handle = store.Handle

	// Upgrade is the schema window handed to setup callbacks.
	Upgrade = schema.Upgrade

	// SetupFunc declares stores during an upgrade.
	SetupFunc = schema.SetupFunc

	// StoreOptions configures a store.
	StoreOptions = schema.Options

	// IndexOptions configures an index.
	IndexOptions = schema.IndexOptions

	// Pipeline queues requests for one transaction.
	Pipeline = pipeline.Pipeline

	// Descriptor addresses one request.
	Descriptor = pipeline.Descriptor

	// Source yields a step's descriptor.
	Source = pipeline.Source

	// Mode is a transaction mode.
	Mode = pipeline.Mode

	// RunOption configures Pipeline.Run.
	RunOption = pipeline.RunOption

	OpenError        = store.OpenError
	SchemaError      = schema.SchemaError
	TransactionError = pipeline.TransactionError
	StepError        = pipeline.StepError
)

// Transaction modes.
const (
	ReadOnly  = pipeline.ReadOnly
	ReadWrite = pipeline.ReadWrite
)

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads settings from an optional YAML or TOML file and KVPIPE_*
// environment variables.
func LoadConfig(path string) (Config, error) {
	return config.Load(config.LoadOptions{ConfigPath: path})
}

// OpenDatabase opens the named database at the configured version, or at
// store.DefaultVersion when none is configured. The setup callbacks run in
// order when the database is created or upgraded.
func OpenDatabase(ctx context.Context, cfg Config, name string, setups ...SetupFunc) (*Handle, error) {
	version := cfg.Version
	if version == 0 {
		version = store.DefaultVersion
	}
	return OpenDatabaseVersion(ctx, cfg, name, version, setups...)
}

// OpenDatabaseVersion opens the named database at version. Zero opens it
// at its current version; a new database is created at version 1.
func OpenDatabaseVersion(ctx context.Context, cfg Config, name string, version uint64, setups ...SetupFunc) (*Handle, error) {
	return store.Open(ctx, cfg, name, store.WithVersion(version), store.WithSetup(setups...))
}

// DeleteDatabase removes the named database. It fails while a handle to
// the database is open.
func DeleteDatabase(ctx context.Context, cfg Config, name string) error {
	return store.Delete(ctx, cfg, name)
}

// DefineStore creates a store and its indexes during an upgrade.
func DefineStore(up *Upgrade, name string, opts StoreOptions) error {
	return schema.DefineStore(up, name, opts)
}

// DefineIndex adds an index to an existing store during an upgrade.
func DefineIndex(up *Upgrade, storeName string, idx IndexOptions) error {
	return schema.DefineIndex(up, storeName, idx)
}

// BeginPipeline starts a pipeline over storeNames. Runs are logged with the
// default slog logger and counted in the default metrics registry.
func BeginPipeline(h *Handle, storeNames []string, mode Mode) *Pipeline {
	return pipeline.Begin(h, storeNames, mode,
		pipeline.WithLogger(slog.Default()),
		pipeline.WithObserver(metrics.DefaultRegistry()),
	)
}

// Fixed returns a source that always yields d.
func Fixed(d Descriptor) Source {
	return pipeline.Fixed(d)
}

// Derived returns a source computed from the previous step's result.
func Derived(fn func(prev any) Descriptor) Source {
	return pipeline.Derived(fn)
}

// InjectPrimaryKey makes search steps write each record's primary key into
// field.
func InjectPrimaryKey(field string) RunOption {
	return pipeline.InjectPrimaryKey(field)
}
