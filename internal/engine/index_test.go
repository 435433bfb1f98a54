package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/record"
	"github.com/roach88/kvpipe/internal/testutil"
)

type visit struct {
	key        any
	primaryKey any
	value      any
}

func collectCursor(t *testing.T, idx *Index, only any) []visit {
	t.Helper()
	c, err := idx.OpenCursor(only)
	require.NoError(t, err)
	defer c.Close()

	var out []visit
	for c.Next() {
		out = append(out, visit{c.Key().Native(), c.PrimaryKey().Native(), c.Value()})
	}
	require.NoError(t, c.Err())
	return out
}

func TestIndex_EqualityCursorInPrimaryKeyOrder(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		db := openTestDB(t, b, itemsSchema)
		withTx(t, db, []string{"items"}, ReadWrite, func(tx *Transaction) {
			s := objectStore(t, tx, "items")
			for _, rec := range []map[string]any{
				{"id": "b", "count": 5},
				{"id": "c", "count": 6},
				{"id": "a", "count": 5},
				{"id": "d"},
				{"id": "e", "count": "5"},
			} {
				_, err := s.Add(rec, nil)
				require.NoError(t, err)
			}

			idx, err := s.Index("byCount")
			require.NoError(t, err)
			assert.Equal(t, "count", idx.KeyPath())

			got := collectCursor(t, idx, 5)
			assert.Equal(t, []visit{
				{int64(5), "a", map[string]any{"id": "a", "count": int64(5)}},
				{int64(5), "b", map[string]any{"id": "b", "count": int64(5)}},
			}, got)

			got = collectCursor(t, idx, "5")
			require.Len(t, got, 1)
			assert.Equal(t, "e", got[0].primaryKey)

			assert.Empty(t, collectCursor(t, idx, 7))
		})
	})
}

func TestIndex_PutMovesEntry(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		db := openTestDB(t, b, itemsSchema)
		withTx(t, db, []string{"items"}, ReadWrite, func(tx *Transaction) {
			s := objectStore(t, tx, "items")
			_, err := s.Put(map[string]any{"id": "a", "count": 1}, nil)
			require.NoError(t, err)
			_, err = s.Put(map[string]any{"id": "a", "count": 2}, nil)
			require.NoError(t, err)

			idx, err := s.Index("byCount")
			require.NoError(t, err)
			n, err := idx.Count(1)
			require.NoError(t, err)
			assert.Zero(t, n)
			n, err = idx.Count(2)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	})
}

func TestIndex_CursorValuesAreIndependent(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		db := openTestDB(t, b, itemsSchema)
		withTx(t, db, []string{"items"}, ReadWrite, func(tx *Transaction) {
			s := objectStore(t, tx, "items")
			_, err := s.Add(map[string]any{"id": "a", "count": 1}, nil)
			require.NoError(t, err)

			idx, err := s.Index("byCount")
			require.NoError(t, err)
			c, err := idx.OpenCursor(1)
			require.NoError(t, err)
			require.True(t, c.Next())
			c.Value().(map[string]any)["id"] = "mutated"
			require.NoError(t, c.Close())

			v, err := s.Get("a")
			require.NoError(t, err)
			assert.Equal(t, "a", v.(map[string]any)["id"])
		})
	})
}

func TestIndex_UnknownIndex(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		db := openTestDB(t, b, itemsSchema)
		withTx(t, db, []string{"items"}, ReadOnly, func(tx *Transaction) {
			_, err := objectStore(t, tx, "items").Index("byName")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.True(t, IsNotFoundError(err))
		})
	})
}

func TestIndex_InvalidRange(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		db := openTestDB(t, b, itemsSchema)
		withTx(t, db, []string{"items"}, ReadOnly, func(tx *Transaction) {
			idx, err := objectStore(t, tx, "items").Index("byCount")
			require.NoError(t, err)
			_, err = idx.OpenCursor(nil)
			assert.ErrorIs(t, err, ErrData)
		})
	})
}

func TestCreateIndex_PopulatesExistingRecords(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		path := filepath.Join(t.TempDir(), "db"+b.Ext())

		db, err := reopen(t, b, path, 1, func(vc *VersionChange) error {
			_, err := vc.CreateObjectStore("people", StoreOptions{KeyPath: "id"})
			return err
		})
		require.NoError(t, err)
		withTx(t, db, []string{"people"}, ReadWrite, func(tx *Transaction) {
			s := objectStore(t, tx, "people")
			for _, rec := range []map[string]any{
				{"id": 1, "city": "Oslo"},
				{"id": 2, "city": "Lima"},
				{"id": 3, "city": "Oslo"},
				{"id": 4},
			} {
				_, err := s.Add(rec, nil)
				require.NoError(t, err)
			}
		})
		require.NoError(t, db.Close())

		db, err = reopen(t, b, path, 2, func(vc *VersionChange) error {
			s, err := vc.ObjectStore("people")
			if err != nil {
				return err
			}
			_, err = s.CreateIndex("byCity", "city")
			if err != nil {
				return err
			}
			_, err = s.CreateIndex("byCity", "city")
			assert.ErrorIs(t, err, ErrConstraint)
			_, err = s.CreateIndex("bad", "a..b")
			assert.ErrorIs(t, err, ErrData)
			return nil
		})
		require.NoError(t, err)
		defer db.Close()

		withTx(t, db, []string{"people"}, ReadOnly, func(tx *Transaction) {
			idx, err := objectStore(t, tx, "people").Index("byCity")
			require.NoError(t, err)
			got := collectCursor(t, idx, "Oslo")
			require.Len(t, got, 2)
			assert.Equal(t, int64(1), got[0].primaryKey)
			assert.Equal(t, int64(3), got[1].primaryKey)
		})
	})
}

func TestDeleteIndex(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		path := filepath.Join(t.TempDir(), "db"+b.Ext())

		db, err := reopen(t, b, path, 1, itemsSchema)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		db, err = reopen(t, b, path, 2, func(vc *VersionChange) error {
			s, err := vc.ObjectStore("items")
			if err != nil {
				return err
			}
			if err := s.DeleteIndex("byCount"); err != nil {
				return err
			}
			assert.ErrorIs(t, s.DeleteIndex("byCount"), ErrNotFound)
			return nil
		})
		require.NoError(t, err)
		defer db.Close()

		tx, err := db.Transaction(context.Background(), []string{"items"}, ReadOnly)
		require.NoError(t, err)
		defer tx.Abort()
		assert.Empty(t, objectStore(t, tx, "items").IndexNames())
	})
}

func TestIndexEntryKey_SortsByIndexKeyThenPrimaryKey(t *testing.T) {
	a := indexEntryKey(record.NumberKey(5), record.StringKey("b").Encode())
	b := indexEntryKey(record.NumberKey(5), record.StringKey("c").Encode())
	c := indexEntryKey(record.NumberKey(6), record.StringKey("a").Encode())
	assert.Less(t, string(a), string(b))
	assert.Less(t, string(b), string(c))
}
