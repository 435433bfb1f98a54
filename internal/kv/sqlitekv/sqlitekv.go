// Package sqlitekv implements kv on SQLite.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes from other processes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Bucket deletion cascades to its entries
//
// The database version lives in PRAGMA user_version, so it is read and
// written inside the same transaction as the data it describes.
package sqlitekv

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/kvpipe/internal/kv"
)

//go:embed schema.sql
var schemaSQL string

// Driver opens SQLite-backed kv databases.
type Driver struct{}

var _ kv.Driver = Driver{}

// Open creates or opens a SQLite database at the given path and applies
// the required pragmas and schema. It is safe to call repeatedly.
func (Driver) Open(ctx context.Context, path string) (kv.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// serializes transactions from this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Remove deletes the database file together with its WAL and shared-memory
// side files.
func (Driver) Remove(_ context.Context, path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// DB is an open SQLite kv database.
type DB struct {
	db *sql.DB
}

// Begin starts a transaction. SQLite takes the write lock lazily, on the
// first write; read-only transactions are enforced by this package.
func (d *DB) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{ctx: ctx, tx: tx, writable: writable}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (d *DB) verifyPragma(name, expected string) error {
	var value string
	if err := d.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// Tx is a SQLite kv transaction.
type Tx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
	done     bool
}

// Writable implements kv.Tx.
func (t *Tx) Writable() bool {
	return t.writable
}

func (t *Tx) check(write bool) error {
	if t.done {
		return kv.ErrTxDone
	}
	if write && !t.writable {
		return kv.ErrTxNotWritable
	}
	return nil
}

// Version implements kv.Tx.
func (t *Tx) Version() (uint64, error) {
	if err := t.check(false); err != nil {
		return 0, err
	}
	var v int64
	if err := t.tx.QueryRowContext(t.ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return uint64(v), nil
}

// SetVersion implements kv.Tx. user_version is a signed 32-bit integer.
func (t *Tx) SetVersion(v uint64) error {
	if err := t.check(true); err != nil {
		return err
	}
	if v > math.MaxInt32 {
		return fmt.Errorf("version %d exceeds the sqlite maximum %d", v, math.MaxInt32)
	}
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// CreateBucket implements kv.Tx.
func (t *Tx) CreateBucket(name string) error {
	if err := t.check(true); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv_buckets (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("create bucket %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create bucket %q: rows affected: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("create bucket %q: %w", name, kv.ErrBucketExists)
	}
	return nil
}

// DeleteBucket implements kv.Tx. Entries go with the bucket through the
// ON DELETE CASCADE foreign key.
func (t *Tx) DeleteBucket(name string) error {
	if err := t.check(true); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv_buckets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete bucket %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete bucket %q: rows affected: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("delete bucket %q: %w", name, kv.ErrBucketNotFound)
	}
	return nil
}

// Buckets implements kv.Tx.
func (t *Tx) Buckets() ([]string, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT name FROM kv_buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list buckets: scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (t *Tx) requireBucket(name string) error {
	var one int
	err := t.tx.QueryRowContext(t.ctx, `SELECT 1 FROM kv_buckets WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("bucket %q: %w", name, kv.ErrBucketNotFound)
	}
	if err != nil {
		return fmt.Errorf("bucket %q: %w", name, err)
	}
	return nil
}

// Get implements kv.Tx.
func (t *Tx) Get(bucket string, key []byte) ([]byte, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	var v []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT v FROM kv_entries WHERE bucket = ? AND k = ?`, bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish an absent key from an absent bucket.
		if berr := t.requireBucket(bucket); berr != nil {
			return nil, berr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// Put implements kv.Tx.
func (t *Tx) Put(bucket string, key, value []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.requireBucket(bucket); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv_entries (bucket, k, v) VALUES (?, ?, ?)
		ON CONFLICT(bucket, k) DO UPDATE SET v = excluded.v
	`, bucket, key, value)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

// Delete implements kv.Tx.
func (t *Tx) Delete(bucket string, key []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.requireBucket(bucket); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM kv_entries WHERE bucket = ? AND k = ?`, bucket, key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Scan implements kv.Tx. Rows are drained eagerly so that an unclosed
// cursor never pins the connection while the transaction commits.
func (t *Tx) Scan(bucket string, prefix []byte) (kv.Cursor, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if err := t.requireBucket(bucket); err != nil {
		return nil, err
	}

	query := `SELECT k, v FROM kv_entries WHERE bucket = ? AND k >= ?`
	args := []any{bucket, nonNil(prefix)}
	if end := kv.PrefixEnd(prefix); end != nil {
		query += ` AND k < ?`
		args = append(args, end)
	}
	query += ` ORDER BY k`

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	c := &cursor{pos: -1}
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.k, &e.v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if !bytes.HasPrefix(e.k, prefix) {
			continue
		}
		c.entries = append(c.entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return c, nil
}

// Commit implements kv.Tx.
func (t *Tx) Commit() error {
	if t.done {
		return kv.ErrTxDone
	}
	t.done = true
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
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

type entry struct {
	k, v []byte
}

// cursor iterates a materialized scan.
type cursor struct {
	entries []entry
	pos     int
}

func (c *cursor) Next() bool {
	if c.pos+1 >= len(c.entries) {
		c.pos = len(c.entries)
		return false
	}
	c.pos++
	return true
}

func (c *cursor) Key() []byte {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return nil
	}
	return c.entries[c.pos].k
}

func (c *cursor) Value() []byte {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return nil
	}
	return c.entries[c.pos].v
}

func (c *cursor) Err() error {
	return nil
}

func (c *cursor) Close() error {
	c.entries = nil
	return nil
}
