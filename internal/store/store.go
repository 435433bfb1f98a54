package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/kvpipe/internal/config"
	"github.com/roach88/kvpipe/internal/engine"
	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/kv/drivers"
	"github.com/roach88/kvpipe/internal/schema"
)

// DefaultVersion is the version Open uses when none is given.
const DefaultVersion = 1

var (
	// ErrClosed is returned by calls on a closed Handle.
	ErrClosed = errors.New("database handle is closed")

	// ErrInUse is returned when deleting a database that has an open Handle
	// in this process.
	ErrInUse = errors.New("database is open")
)

// OpenError reports a failed Open, including a failed upgrade.
type OpenError struct {
	Name    string
	Version uint64
	Err     error
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("open database %q at version %d: %v", e.Name, e.Version, e.Err)
}

// Unwrap returns the underlying cause.
func (e *OpenError) Unwrap() error {
	return e.Err
}

// openPaths counts the open handles per database file, so Delete can refuse
// to remove a database that is still in use.
var openPaths = struct {
	sync.Mutex
	n map[string]int
}{n: make(map[string]int)}

func acquire(path string) {
	openPaths.Lock()
	defer openPaths.Unlock()
	openPaths.n[path]++
}

func release(path string) {
	openPaths.Lock()
	defer openPaths.Unlock()
	if openPaths.n[path] <= 1 {
		delete(openPaths.n, path)
		return
	}
	openPaths.n[path]--
}

func inUse(path string) bool {
	openPaths.Lock()
	defer openPaths.Unlock()
	return openPaths.n[path] > 0
}

// Option configures Open.
type Option func(*options)

type options struct {
	version uint64
	setups  []schema.SetupFunc
}

// WithVersion sets the version to open at. Zero opens the database at its
// current version (1 for a new database).
func WithVersion(v uint64) Option {
	return func(o *options) {
		o.version = v
	}
}

// WithSetup adds schema setup callbacks. They run in order whenever Open
// upgrades the database.
func WithSetup(fns ...schema.SetupFunc) Option {
	return func(o *options) {
		o.setups = append(o.setups, fns...)
	}
}

// Handle is an open database.
type Handle struct {
	mu      sync.RWMutex
	db      *engine.Database
	name    string
	path    string
	backend kv.Backend
	closed  bool
}

// Path returns the file a database is stored in.
func Path(cfg config.Config, name string) string {
	return filepath.Join(cfg.Dir, url.PathEscape(name)+cfg.Backend.Ext())
}

// Open opens the named database, creating it if needed. When the requested
// version is above the stored one the setup callbacks run inside the
// upgrade; if one fails, nothing the upgrade did is kept.
func Open(ctx context.Context, cfg config.Config, name string, opts ...Option) (*Handle, error) {
	o := options{version: DefaultVersion}
	for _, opt := range opts {
		opt(&o)
	}

	fail := func(err error) (*Handle, error) {
		return nil, &OpenError{Name: name, Version: o.version, Err: err}
	}
	if name == "" {
		return fail(errors.New("database name is required"))
	}
	driver, err := drivers.For(cfg.Backend)
	if err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fail(fmt.Errorf("create data directory: %w", err))
	}

	path := Path(cfg, name)
	raw, err := driver.Open(ctx, path)
	if err != nil {
		return fail(err)
	}

	db, err := engine.Open(ctx, raw, name, o.version, func(vc *engine.VersionChange) error {
		slog.Info("upgrading database",
			"name", name,
			"old_version", vc.OldVersion(),
			"new_version", vc.NewVersion(),
		)
		up := schema.Begin(vc)
		defer up.End()
		return schema.Run(up, o.setups...)
	})
	if err != nil {
		return fail(err)
	}

	acquire(path)
	slog.Debug("database opened", "name", name, "version", db.Version(), "path", path)
	return &Handle{db: db, name: name, path: path, backend: cfg.Backend}, nil
}

// Delete removes the named database. Deleting a database that does not
// exist succeeds.
func Delete(ctx context.Context, cfg config.Config, name string) error {
	driver, err := drivers.For(cfg.Backend)
	if err != nil {
		return fmt.Errorf("delete database %q: %w", name, err)
	}
	path := Path(cfg, name)
	if inUse(path) {
		return fmt.Errorf("delete database %q: %w", name, ErrInUse)
	}
	if err := driver.Remove(ctx, path); err != nil {
		return fmt.Errorf("delete database %q: %w", name, err)
	}
	slog.Debug("database deleted", "name", name, "path", path)
	return nil
}

// Name returns the database name.
func (h *Handle) Name() string {
	return h.name
}

// Version returns the version the database was opened at.
func (h *Handle) Version() uint64 {
	return h.db.Version()
}

// Path returns the database file.
func (h *Handle) Path() string {
	return h.path
}

// Backend returns the storage backend.
func (h *Handle) Backend() kv.Backend {
	return h.backend
}

// Close releases the database. Close is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	release(h.path)
	return h.db.Close()
}

// Transaction starts an engine transaction over the named stores.
func (h *Handle) Transaction(ctx context.Context, scope []string, mode engine.Mode) (*engine.Transaction, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}
	return h.db.Transaction(ctx, scope, mode)
}

// StoreInfo describes a store for listings.
type StoreInfo struct {
	Name          string             `json:"name"`
	KeyPath       string             `json:"keyPath,omitempty"`
	AutoIncrement bool               `json:"autoIncrement,omitempty"`
	Indexes       []engine.IndexMeta `json:"indexes"`
	Count         int                `json:"count"`
}

// Stores describes every store in name order, with record counts.
func (h *Handle) Stores(ctx context.Context) ([]StoreInfo, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrClosed
	}
	names, err := h.db.StoreNames(ctx)
	h.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	infos := []StoreInfo{}
	if len(names) == 0 {
		return infos, nil
	}

	tx, err := h.Transaction(ctx, names, engine.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()

	for _, name := range names {
		s, err := tx.ObjectStore(name)
		if err != nil {
			return nil, err
		}
		n, err := s.Count()
		if err != nil {
			return nil, err
		}
		meta := s.Meta()
		if meta.Indexes == nil {
			meta.Indexes = []engine.IndexMeta{}
		}
		infos = append(infos, StoreInfo{
			Name:          meta.Name,
			KeyPath:       meta.KeyPath,
			AutoIncrement: meta.AutoIncrement,
			Indexes:       meta.Indexes,
			Count:         n,
		})
	}
	return infos, nil
}
