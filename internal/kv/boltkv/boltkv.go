// Package boltkv implements kv on bbolt.
//
// Each kv bucket is a top-level bolt bucket. The database version is kept in
// a reserved meta bucket that is hidden from Buckets.
package boltkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/kvpipe/internal/kv"
)

const metaBucket = "__kv_meta"

var versionKey = []byte("version")

// Driver opens bbolt-backed kv databases.
type Driver struct {
	// Timeout bounds the wait for the file lock held by another process.
	// Zero means one second.
	Timeout time.Duration
}

var _ kv.Driver = Driver{}

// Open opens or creates the bolt file at path.
func (d Driver) Open(ctx context.Context, path string) (kv.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	bdb, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("failed to create meta bucket: %w", err)
	}

	return &DB{db: bdb}, nil
}

// Remove deletes the bolt file.
func (Driver) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// DB is an open bolt kv database.
type DB struct {
	db *bbolt.DB
}

// Begin starts a bolt transaction. Only one writable transaction can be
// open at a time; Begin blocks until the previous one finishes.
func (d *DB) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := d.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: btx}, nil
}

// Close closes the bolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Tx adapts *bbolt.Tx to kv.Tx.
type Tx struct {
	tx   *bbolt.Tx
	done bool
}

// Writable implements kv.Tx.
func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

func (t *Tx) check(write bool) error {
	if t.done {
		return kv.ErrTxDone
	}
	if write && !t.tx.Writable() {
		return kv.ErrTxNotWritable
	}
	return nil
}

func (t *Tx) bucket(name string) (*bbolt.Bucket, error) {
	if name == metaBucket {
		return nil, fmt.Errorf("bucket %q: %w", name, kv.ErrBucketNotFound)
	}
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket %q: %w", name, kv.ErrBucketNotFound)
	}
	return b, nil
}

// Version implements kv.Tx.
func (t *Tx) Version() (uint64, error) {
	if err := t.check(false); err != nil {
		return 0, err
	}
	v := t.tx.Bucket([]byte(metaBucket)).Get(versionKey)
	if len(v) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// SetVersion implements kv.Tx.
func (t *Tx) SetVersion(v uint64) error {
	if err := t.check(true); err != nil {
		return err
	}
	return t.tx.Bucket([]byte(metaBucket)).Put(versionKey, binary.BigEndian.AppendUint64(nil, v))
}

// CreateBucket implements kv.Tx.
func (t *Tx) CreateBucket(name string) error {
	if err := t.check(true); err != nil {
		return err
	}
	if name == metaBucket {
		return fmt.Errorf("create bucket %q: %w", name, kv.ErrBucketExists)
	}
	_, err := t.tx.CreateBucket([]byte(name))
	if errors.Is(err, bbolt.ErrBucketExists) {
		return fmt.Errorf("create bucket %q: %w", name, kv.ErrBucketExists)
	}
	if err != nil {
		return fmt.Errorf("create bucket %q: %w", name, err)
	}
	return nil
}

// DeleteBucket implements kv.Tx.
func (t *Tx) DeleteBucket(name string) error {
	if err := t.check(true); err != nil {
		return err
	}
	if name == metaBucket {
		return fmt.Errorf("delete bucket %q: %w", name, kv.ErrBucketNotFound)
	}
	err := t.tx.DeleteBucket([]byte(name))
	if errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("delete bucket %q: %w", name, kv.ErrBucketNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete bucket %q: %w", name, err)
	}
	return nil
}

// Buckets implements kv.Tx.
func (t *Tx) Buckets() ([]string, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	var names []string
	err := t.tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
		if string(name) != metaBucket {
			names = append(names, string(name))
		}
		return nil
	})
	return names, err
}

// Get implements kv.Tx. The value is copied out of the mmap.
func (t *Tx) Get(bucket string, key []byte) ([]byte, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

// Put implements kv.Tx.
func (t *Tx) Put(bucket string, key, value []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if err := b.Put(key, value); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

// Delete implements kv.Tx.
func (t *Tx) Delete(bucket string, key []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	if err := b.Delete(key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Scan implements kv.Tx.
func (t *Tx) Scan(bucket string, prefix []byte) (kv.Cursor, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	return &cursor{c: b.Cursor(), prefix: append([]byte(nil), prefix...)}, nil
}

// Commit implements kv.Tx.
func (t *Tx) Commit() error {
	if t.done {
		return kv.ErrTxDone
	}
	t.done = true
	if !t.tx.Writable() {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback implements kv.Tx.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bbolt.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// cursor walks a bolt bucket from prefix while keys keep the prefix.
type cursor struct {
	c       *bbolt.Cursor
	prefix  []byte
	started bool
	done    bool
	k, v    []byte
}

func (c *cursor) Next() bool {
	if c.done {
		return false
	}
	var k, v []byte
	if !c.started {
		c.started = true
		k, v = c.c.Seek(c.prefix)
	} else {
		k, v = c.c.Next()
	}
	// Nested buckets have nil values; kv never creates them.
	if k == nil || !bytes.HasPrefix(k, c.prefix) {
		c.done = true
		c.k, c.v = nil, nil
		return false
	}
	c.k, c.v = k, v
	return true
}

func (c *cursor) Key() []byte {
	return c.k
}

func (c *cursor) Value() []byte {
	return c.v
}

func (c *cursor) Err() error {
	return nil
}

func (c *cursor) Close() error {
	c.done = true
	return nil
}
