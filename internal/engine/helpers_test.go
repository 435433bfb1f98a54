package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/testutil"
)

// openTestDB opens a fresh database at version 1 with the given upgrade.
func openTestDB(t *testing.T, b kv.Backend, upgrade UpgradeFunc) *Database {
	t.Helper()
	db, err := Open(context.Background(), testutil.OpenKV(t, b), "test", 1, upgrade)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// itemsSchema creates items{keyPath: id} with index byCount on count.
func itemsSchema(vc *VersionChange) error {
	s, err := vc.CreateObjectStore("items", StoreOptions{KeyPath: "id"})
	if err != nil {
		return err
	}
	_, err = s.CreateIndex("byCount", "count")
	return err
}

// withTx runs fn in a transaction and commits it.
func withTx(t *testing.T, db *Database, scope []string, mode Mode, fn func(tx *Transaction)) {
	t.Helper()
	tx, err := db.Transaction(context.Background(), scope, mode)
	require.NoError(t, err)
	defer tx.Abort()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func objectStore(t *testing.T, tx *Transaction, name string) *ObjectStore {
	t.Helper()
	s, err := tx.ObjectStore(name)
	require.NoError(t, err)
	return s
}
