// Package kv defines the raw storage boundary kvpipe is built on: a
// file-backed database of named buckets holding ordered byte keys, accessed
// through explicit read-only or read-write transactions.
//
// Two backends implement it:
//   - sqlitekv: SQLite (WAL mode, version kept in PRAGMA user_version)
//   - boltkv: bbolt (one bolt bucket per kv bucket)
//
// Backends order keys by unsigned byte comparison. Callers that need a
// different order encode keys so that byte order matches it.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// Backend names a storage backend.
type Backend string

const (
	// BackendSQLite stores databases as SQLite files.
	BackendSQLite Backend = "sqlite"
	// BackendBolt stores databases as bbolt files.
	BackendBolt Backend = "bolt"
)

// Backends lists the supported backends in preference order.
var Backends = []Backend{BackendSQLite, BackendBolt}

// Ext returns the file extension used for the backend's database files.
func (b Backend) Ext() string {
	switch b {
	case BackendBolt:
		return ".bolt"
	default:
		return ".sqlite"
	}
}

// Valid reports whether b names a supported backend.
func (b Backend) Valid() bool {
	for _, known := range Backends {
		if b == known {
			return true
		}
	}
	return false
}

// ParseBackend converts a string into a Backend.
func ParseBackend(s string) (Backend, error) {
	b := Backend(s)
	if !b.Valid() {
		return "", fmt.Errorf("unknown backend %q: must be one of %v", s, Backends)
	}
	return b, nil
}

var (
	// ErrBucketExists is returned when creating a bucket that already exists.
	ErrBucketExists = errors.New("bucket already exists")

	// ErrBucketNotFound is returned when a bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrTxNotWritable is returned when a write is attempted in a
	// read-only transaction.
	ErrTxNotWritable = errors.New("transaction not writable")

	// ErrTxDone is returned when a transaction is used after Commit or
	// Rollback.
	ErrTxDone = errors.New("transaction already committed or rolled back")
)

// Driver opens and removes database files for one backend.
type Driver interface {
	// Open opens or creates the database file at path.
	Open(ctx context.Context, path string) (DB, error)

	// Remove deletes the database file at path and any side files.
	// Removing a missing database is not an error.
	Remove(ctx context.Context, path string) error
}

// DB is an open database file.
type DB interface {
	// Begin starts a transaction. Writable transactions are exclusive.
	Begin(ctx context.Context, writable bool) (Tx, error)

	// Close releases the file. Open transactions must be finished first.
	Close() error
}

// Tx is a single transaction. A Tx is not safe for concurrent use.
type Tx interface {
	// Writable reports whether the transaction may modify data.
	Writable() bool

	// Version returns the database version (0 for a new database).
	Version() (uint64, error)

	// SetVersion stores the database version.
	SetVersion(v uint64) error

	// CreateBucket creates a bucket, failing with ErrBucketExists.
	CreateBucket(name string) error

	// DeleteBucket removes a bucket and its contents, failing with
	// ErrBucketNotFound.
	DeleteBucket(name string) error

	// Buckets lists bucket names in byte order.
	Buckets() ([]string, error)

	// Get returns the value for key, or nil when the key is absent.
	// The returned slice is owned by the caller.
	Get(bucket string, key []byte) ([]byte, error)

	// Put stores a value.
	Put(bucket string, key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(bucket string, key []byte) error

	// Scan returns a cursor over the keys starting with prefix, ascending.
	// An empty prefix scans the whole bucket.
	Scan(bucket string, prefix []byte) (Cursor, error)

	// Commit makes the transaction's writes durable.
	Commit() error

	// Rollback discards the transaction. Rollback after Commit is a no-op.
	Rollback() error
}

// Cursor walks the entries of a Scan. Keys and values returned by a cursor
// are only valid until the next call to Next.
type Cursor interface {
	// Next advances to the next entry, reporting whether one exists.
	Next() bool

	// Key returns the current entry's key.
	Key() []byte

	// Value returns the current entry's value.
	Value() []byte

	// Err returns the first error encountered while scanning.
	Err() error

	// Close releases the cursor.
	Close() error
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (prefix is empty or all 0xFF).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
