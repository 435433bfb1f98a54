// Package schema declares object stores while a database upgrade is in
// progress.
//
// Schema changes are only legal inside the version-change transaction, so
// every operation here takes the *Upgrade handed to setup callbacks. Once
// the callback returns, the Upgrade is finished and further calls fail with
// ErrNotUpgrading.
package schema

import (
	"errors"
	"fmt"

	"github.com/roach88/kvpipe/internal/engine"
)

// ErrNotUpgrading is returned for schema calls made outside an upgrade.
var ErrNotUpgrading = errors.New("no upgrade in progress")

// SetupFunc declares stores during an upgrade.
type SetupFunc func(up *Upgrade) error

// SchemaError reports a failed schema operation.
type SchemaError struct {
	// Op is the failed operation, e.g. "define store".
	Op string

	// Store names the store being changed.
	Store string

	// Index names the index being created, if any.
	Index string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Index != "" {
		return fmt.Sprintf("%s %q: index %q: %v", e.Op, e.Store, e.Index, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Store, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SchemaError) Unwrap() error {
	return e.Err
}

// Upgrade is an upgrade in progress.
type Upgrade struct {
	vc   *engine.VersionChange
	done bool
}

// Begin wraps a version change. The caller must call End once the setup
// callbacks have returned.
func Begin(vc *engine.VersionChange) *Upgrade {
	return &Upgrade{vc: vc}
}

// End finishes the upgrade; later schema calls fail with ErrNotUpgrading.
func (u *Upgrade) End() {
	u.done = true
}

func (u *Upgrade) active() bool {
	return u != nil && !u.done
}

// OldVersion returns the version before the upgrade (0 for a new database).
func (u *Upgrade) OldVersion() uint64 {
	return u.vc.OldVersion()
}

// NewVersion returns the version being upgraded to.
func (u *Upgrade) NewVersion() uint64 {
	return u.vc.NewVersion()
}

// StoreNames lists the stores that exist at this point of the upgrade.
func (u *Upgrade) StoreNames() []string {
	return u.vc.ObjectStoreNames()
}

// HasStore reports whether a store exists at this point of the upgrade.
func (u *Upgrade) HasStore(name string) bool {
	for _, n := range u.vc.ObjectStoreNames() {
		if n == name {
			return true
		}
	}
	return false
}

// Options configures a store.
type Options struct {
	// KeyPath is the dotted path of the in-line key. Empty means keys are
	// given out of line.
	KeyPath string `validate:"omitempty,keypath"`

	// AutoIncrement generates keys for records that lack one.
	AutoIncrement bool

	// Indexes are created in order after the store.
	Indexes []IndexOptions `validate:"unique=Name,dive"`
}

// IndexOptions configures an index.
type IndexOptions struct {
	Name    string `validate:"required"`
	KeyPath string `validate:"required,keypath"`
}

// DefineStore creates a store and then each of its indexes, in order.
func DefineStore(up *Upgrade, name string, opts Options) error {
	if !up.active() {
		return &SchemaError{Op: "define store", Store: name, Err: ErrNotUpgrading}
	}
	if err := validateOptions(name, opts); err != nil {
		return &SchemaError{Op: "define store", Store: name, Err: err}
	}

	store, err := up.vc.CreateObjectStore(name, engine.StoreOptions{
		KeyPath:       opts.KeyPath,
		AutoIncrement: opts.AutoIncrement,
	})
	if err != nil {
		return &SchemaError{Op: "define store", Store: name, Err: err}
	}
	for _, idx := range opts.Indexes {
		if _, err := store.CreateIndex(idx.Name, idx.KeyPath); err != nil {
			return &SchemaError{Op: "define store", Store: name, Index: idx.Name, Err: err}
		}
	}
	return nil
}

// DefineIndex adds an index to an existing store.
func DefineIndex(up *Upgrade, store string, idx IndexOptions) error {
	if !up.active() {
		return &SchemaError{Op: "define index", Store: store, Index: idx.Name, Err: ErrNotUpgrading}
	}
	if err := validate.Struct(idx); err != nil {
		return &SchemaError{Op: "define index", Store: store, Index: idx.Name, Err: formatValidationError(err)}
	}
	s, err := up.vc.ObjectStore(store)
	if err != nil {
		return &SchemaError{Op: "define index", Store: store, Index: idx.Name, Err: err}
	}
	if _, err := s.CreateIndex(idx.Name, idx.KeyPath); err != nil {
		return &SchemaError{Op: "define index", Store: store, Index: idx.Name, Err: err}
	}
	return nil
}

// HasIndex reports whether store has the named index. It is false when the
// store does not exist.
func (u *Upgrade) HasIndex(store, index string) bool {
	s, err := u.vc.ObjectStore(store)
	if err != nil {
		return false
	}
	for _, n := range s.IndexNames() {
		if n == index {
			return true
		}
	}
	return false
}

// DeleteStore removes a store with all its records and indexes.
func (u *Upgrade) DeleteStore(name string) error {
	if !u.active() {
		return &SchemaError{Op: "delete store", Store: name, Err: ErrNotUpgrading}
	}
	if err := u.vc.DeleteObjectStore(name); err != nil {
		return &SchemaError{Op: "delete store", Store: name, Err: err}
	}
	return nil
}

// Run calls each setup in order, stopping at the first failure.
func Run(up *Upgrade, setups ...SetupFunc) error {
	for _, fn := range setups {
		if err := fn(up); err != nil {
			return err
		}
	}
	return nil
}
