// Package kvtest holds the behavior every kv backend must share.
package kvtest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/kv"
)

// Open opens a fresh database file in a temp dir and closes it on cleanup.
func Open(t *testing.T, d kv.Driver, ext string) (kv.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conformance"+ext)
	db, err := d.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func update(t *testing.T, db kv.DB, fn func(tx kv.Tx)) {
	t.Helper()
	tx, err := db.Begin(context.Background(), true)
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func view(t *testing.T, db kv.DB, fn func(tx kv.Tx)) {
	t.Helper()
	tx, err := db.Begin(context.Background(), false)
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
}

func collect(t *testing.T, c kv.Cursor) []string {
	t.Helper()
	defer c.Close()
	var keys []string
	for c.Next() {
		keys = append(keys, string(c.Key())+"="+string(c.Value()))
	}
	require.NoError(t, c.Err())
	return keys
}

// Run exercises a backend against the kv contract.
func Run(t *testing.T, d kv.Driver, ext string) {
	t.Run("NewDatabaseHasVersionZero", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		view(t, db, func(tx kv.Tx) {
			v, err := tx.Version()
			require.NoError(t, err)
			assert.Equal(t, uint64(0), v)
		})
	})

	t.Run("VersionPersistsAcrossReopen", func(t *testing.T) {
		db, path := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.SetVersion(3))
			require.NoError(t, tx.CreateBucket("items"))
			require.NoError(t, tx.Put("items", []byte("a"), []byte("1")))
		})
		require.NoError(t, db.Close())

		db2, err := d.Open(context.Background(), path)
		require.NoError(t, err)
		defer db2.Close()
		view(t, db2, func(tx kv.Tx) {
			v, err := tx.Version()
			require.NoError(t, err)
			assert.Equal(t, uint64(3), v)
			got, err := tx.Get("items", []byte("a"))
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), got)
		})
	})

	t.Run("Buckets", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.CreateBucket("b"))
			require.NoError(t, tx.CreateBucket("a"))
			err := tx.CreateBucket("a")
			assert.True(t, errors.Is(err, kv.ErrBucketExists), "got %v", err)
		})
		view(t, db, func(tx kv.Tx) {
			names, err := tx.Buckets()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, names)
		})
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.DeleteBucket("a"))
			err := tx.DeleteBucket("a")
			assert.True(t, errors.Is(err, kv.ErrBucketNotFound), "got %v", err)
		})
		view(t, db, func(tx kv.Tx) {
			names, err := tx.Buckets()
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, names)
		})
	})

	t.Run("DeleteBucketDropsEntries", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.CreateBucket("x"))
			require.NoError(t, tx.Put("x", []byte("k"), []byte("v")))
		})
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.DeleteBucket("x"))
			require.NoError(t, tx.CreateBucket("x"))
			got, err := tx.Get("x", []byte("k"))
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	})

	t.Run("GetPutDelete", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.CreateBucket("items"))
			require.NoError(t, tx.Put("items", []byte("k"), []byte("v1")))
			require.NoError(t, tx.Put("items", []byte("k"), []byte("v2")))
			require.NoError(t, tx.Put("items", []byte("empty"), nil))

			got, err := tx.Get("items", []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			got, err = tx.Get("items", []byte("empty"))
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Len(t, got, 0)

			got, err = tx.Get("items", []byte("missing"))
			require.NoError(t, err)
			assert.Nil(t, got)

			require.NoError(t, tx.Delete("items", []byte("k")))
			require.NoError(t, tx.Delete("items", []byte("k")))
			got, err = tx.Get("items", []byte("k"))
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	})

	t.Run("MissingBucket", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			_, err := tx.Get("nope", []byte("k"))
			assert.True(t, errors.Is(err, kv.ErrBucketNotFound), "get: %v", err)
			err = tx.Put("nope", []byte("k"), []byte("v"))
			assert.True(t, errors.Is(err, kv.ErrBucketNotFound), "put: %v", err)
			_, err = tx.Scan("nope", nil)
			assert.True(t, errors.Is(err, kv.ErrBucketNotFound), "scan: %v", err)
		})
	})

	t.Run("ReadOnlyRejectsWrites", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.CreateBucket("items"))
		})
		view(t, db, func(tx kv.Tx) {
			assert.False(t, tx.Writable())
			assert.ErrorIs(t, tx.Put("items", []byte("k"), []byte("v")), kv.ErrTxNotWritable)
			assert.ErrorIs(t, tx.Delete("items", []byte("k")), kv.ErrTxNotWritable)
			assert.ErrorIs(t, tx.CreateBucket("other"), kv.ErrTxNotWritable)
			assert.ErrorIs(t, tx.SetVersion(2), kv.ErrTxNotWritable)
		})
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.CreateBucket("items"))
		})

		tx, err := db.Begin(context.Background(), true)
		require.NoError(t, err)
		require.NoError(t, tx.Put("items", []byte("k"), []byte("v")))
		require.NoError(t, tx.SetVersion(9))
		require.NoError(t, tx.CreateBucket("extra"))
		require.NoError(t, tx.Rollback())
		assert.NoError(t, tx.Rollback())

		view(t, db, func(tx kv.Tx) {
			got, err := tx.Get("items", []byte("k"))
			require.NoError(t, err)
			assert.Nil(t, got)
			v, err := tx.Version()
			require.NoError(t, err)
			assert.Equal(t, uint64(0), v)
			names, err := tx.Buckets()
			require.NoError(t, err)
			assert.Equal(t, []string{"items"}, names)
		})
	})

	t.Run("UseAfterCommit", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		tx, err := db.Begin(context.Background(), true)
		require.NoError(t, err)
		require.NoError(t, tx.CreateBucket("items"))
		require.NoError(t, tx.Commit())

		assert.ErrorIs(t, tx.Commit(), kv.ErrTxDone)
		assert.NoError(t, tx.Rollback())
		_, err = tx.Get("items", []byte("k"))
		assert.ErrorIs(t, err, kv.ErrTxDone)
	})

	t.Run("ScanPrefixOrdered", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.CreateBucket("idx"))
			for _, k := range []string{"b2", "a1", "b1", "c", "b\xff", "b"} {
				require.NoError(t, tx.Put("idx", []byte(k), []byte(k)))
			}
		})
		view(t, db, func(tx kv.Tx) {
			c, err := tx.Scan("idx", []byte("b"))
			require.NoError(t, err)
			assert.Equal(t, []string{"b=b", "b1=b1", "b2=b2", "b\xff=b\xff"}, collect(t, c))

			c, err = tx.Scan("idx", nil)
			require.NoError(t, err)
			assert.Len(t, collect(t, c), 6)

			c, err = tx.Scan("idx", []byte("z"))
			require.NoError(t, err)
			assert.Empty(t, collect(t, c))
		})
	})

	t.Run("ScanAfterCloseIsExhausted", func(t *testing.T) {
		db, _ := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.CreateBucket("idx"))
			require.NoError(t, tx.Put("idx", []byte("a"), []byte("1")))
			require.NoError(t, tx.Put("idx", []byte("b"), []byte("2")))
			c, err := tx.Scan("idx", nil)
			require.NoError(t, err)
			require.True(t, c.Next())
			require.NoError(t, c.Close())
			assert.False(t, c.Next())
		})
	})

	t.Run("RemoveMissingIsNoop", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent"+ext)
		assert.NoError(t, d.Remove(context.Background(), path))
	})

	t.Run("Remove", func(t *testing.T) {
		db, path := Open(t, d, ext)
		update(t, db, func(tx kv.Tx) {
			require.NoError(t, tx.CreateBucket("items"))
			require.NoError(t, tx.SetVersion(2))
		})
		require.NoError(t, db.Close())
		require.NoError(t, d.Remove(context.Background(), path))

		db2, err := d.Open(context.Background(), path)
		require.NoError(t, err)
		defer db2.Close()
		view(t, db2, func(tx kv.Tx) {
			v, err := tx.Version()
			require.NoError(t, err)
			assert.Equal(t, uint64(0), v)
			names, err := tx.Buckets()
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	})
}
