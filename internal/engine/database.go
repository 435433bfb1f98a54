package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/record"
)

// UpgradeFunc runs inside the version-change transaction. Returning an error
// rolls the upgrade back and fails Open.
type UpgradeFunc func(vc *VersionChange) error

// Database is an open, versioned object-store database.
type Database struct {
	kv      kv.DB
	name    string
	version uint64

	mu     sync.Mutex
	closed bool
}

// Open opens the named database stored in db at the given version.
//
// A version of 0 opens the database at its current version, or at version 1
// when the database is new. A version above the stored one runs upgrade
// inside a version-change transaction; a version below it fails with a
// VersionError. upgrade may be nil.
//
// Open takes ownership of db: it is closed by Database.Close, or by Open
// itself on failure.
func Open(ctx context.Context, db kv.DB, name string, version uint64, upgrade UpgradeFunc) (d *Database, err error) {
	defer func() {
		// Also reached when upgrade panics.
		if d == nil {
			db.Close()
		}
	}()
	return open(ctx, db, name, version, upgrade)
}

func open(ctx context.Context, db kv.DB, name string, version uint64, upgrade UpgradeFunc) (*Database, error) {
	tx, err := db.Begin(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	defer tx.Rollback()

	stored, err := tx.Version()
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	if version == 0 {
		version = max(stored, 1)
	}
	if version < stored {
		return nil, newError(ErrCodeVersion, "",
			"requested version %d is less than the existing version %d", version, stored)
	}

	d := &Database{kv: db, name: name, version: version}
	if version == stored {
		return d, nil
	}

	slog.Debug("upgrading database",
		"name", name,
		"old_version", stored,
		"new_version", version,
	)

	if err := ensureSystemBuckets(tx); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	t := &Transaction{
		db:            d,
		ctx:           ctx,
		tx:            tx,
		mode:          ReadWrite,
		versionChange: true,
		stores:        make(map[string]*StoreMeta),
	}
	names, err := storeNames(tx)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	for _, n := range names {
		m, err := loadStoreMeta(tx, n)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}
		t.stores[n] = m
	}

	if upgrade != nil {
		vc := &VersionChange{tx: t, oldVersion: stored, newVersion: version}
		if err := upgrade(vc); err != nil {
			t.state = txAborted
			return nil, err
		}
	}

	if err := tx.SetVersion(version); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("open %q: commit upgrade: %w", name, err)
	}
	t.state = txCommitted
	return d, nil
}

// Name returns the database name.
func (d *Database) Name() string {
	return d.name
}

// Version returns the version the database was opened at.
func (d *Database) Version() uint64 {
	return d.version
}

// Close releases the underlying kv database. Close is idempotent.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.kv.Close()
}

// StoreNames lists the object stores in name order.
func (d *Database) StoreNames(ctx context.Context) ([]string, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := d.kv.Begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return storeNames(tx)
}

func (d *Database) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return newError(ErrCodeInvalidState, "", "database %q is closed", d.name)
	}
	return nil
}

// Transaction starts a transaction over the named object stores.
//
// Every name must exist; the scope may not be empty. A ReadOnly transaction
// rejects writes with a ReadOnlyError. The transaction holds backend locks
// until Commit or Abort.
func (d *Database) Transaction(ctx context.Context, scope []string, mode Mode) (*Transaction, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		return nil, newError(ErrCodeInvalidAccess, "", "transaction scope is empty")
	}
	if !mode.valid() {
		return nil, fmt.Errorf("invalid transaction mode %d", mode)
	}

	tx, err := d.kv.Begin(ctx, mode == ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	t := &Transaction{
		db:     d,
		ctx:    ctx,
		tx:     tx,
		mode:   mode,
		stores: make(map[string]*StoreMeta, len(scope)),
	}
	for _, name := range scope {
		if _, dup := t.stores[name]; dup {
			continue
		}
		m, err := loadStoreMeta(tx, name)
		if errors.Is(err, kv.ErrBucketNotFound) {
			// A database that never ran an upgrade has no catalog.
			m, err = nil, nil
		}
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if m == nil {
			tx.Rollback()
			return nil, storeNotFound(name)
		}
		t.stores[name] = m
	}
	return t, nil
}

// VersionChange is the schema view of an upgrade in progress.
type VersionChange struct {
	tx         *Transaction
	oldVersion uint64
	newVersion uint64
}

// OldVersion returns the version before the upgrade (0 for a new database).
func (vc *VersionChange) OldVersion() uint64 {
	return vc.oldVersion
}

// NewVersion returns the version being upgraded to.
func (vc *VersionChange) NewVersion() uint64 {
	return vc.newVersion
}

// Transaction returns the version-change transaction, which covers every
// store and may read and write data.
func (vc *VersionChange) Transaction() *Transaction {
	return vc.tx
}

// ObjectStoreNames lists the stores in name order, including those created
// by this upgrade.
func (vc *VersionChange) ObjectStoreNames() []string {
	return vc.tx.storeNamesSorted()
}

// CreateObjectStore creates a store. The key path, if any, must be a valid
// dotted path; a store name may not be reused.
func (vc *VersionChange) CreateObjectStore(name string, opts StoreOptions) (*ObjectStore, error) {
	t := vc.tx
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if _, exists := t.stores[name]; exists {
		return nil, newError(ErrCodeConstraint, name, "object store already exists")
	}
	if !record.ValidKeyPath(opts.KeyPath) {
		return nil, newError(ErrCodeData, name, "invalid key path %q", opts.KeyPath)
	}

	m := &StoreMeta{Name: name, KeyPath: opts.KeyPath, AutoIncrement: opts.AutoIncrement}
	if err := t.tx.CreateBucket(dataBucket(name)); err != nil {
		return nil, fmt.Errorf("create object store %q: %w", name, err)
	}
	if err := saveStoreMeta(t.tx, m); err != nil {
		return nil, err
	}
	if opts.AutoIncrement {
		if err := setNextKey(t.tx, name, 1); err != nil {
			return nil, err
		}
	}
	t.stores[name] = m

	slog.Debug("object store created", "store", name, "key_path", opts.KeyPath, "auto_increment", opts.AutoIncrement)
	return &ObjectStore{tx: t, meta: m}, nil
}

// DeleteObjectStore removes a store with its records and indexes.
func (vc *VersionChange) DeleteObjectStore(name string) error {
	t := vc.tx
	if err := t.checkActive(); err != nil {
		return err
	}
	m, ok := t.stores[name]
	if !ok {
		return storeNotFound(name)
	}
	for _, idx := range m.Indexes {
		if err := t.tx.DeleteBucket(indexBucket(name, idx.Name)); err != nil {
			return fmt.Errorf("delete index %q: %w", idx.Name, err)
		}
	}
	if err := t.tx.DeleteBucket(dataBucket(name)); err != nil {
		return fmt.Errorf("delete object store %q: %w", name, err)
	}
	if err := t.tx.Delete(catalogBucket, []byte(name)); err != nil {
		return err
	}
	if err := t.tx.Delete(keygenBucket, []byte(name)); err != nil {
		return err
	}
	delete(t.stores, name)
	return nil
}

// ObjectStore returns an existing store for use during the upgrade.
func (vc *VersionChange) ObjectStore(name string) (*ObjectStore, error) {
	return vc.tx.ObjectStore(name)
}

// StoreOptions configures a new object store.
type StoreOptions struct {
	// KeyPath makes keys in-line: the key is read from this dotted path of
	// each record. Empty means keys are supplied out of line.
	KeyPath string

	// AutoIncrement generates numeric keys for records that lack one.
	AutoIncrement bool
}
