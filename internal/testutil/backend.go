// Package testutil provides helpers shared by kvpipe tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/kv/drivers"
)

// ForEachBackend runs fn as a subtest once per storage backend.
//
// Behavior that does not depend on the backend should still be checked
// through this helper, so that both backends stay interchangeable.
func ForEachBackend(t *testing.T, fn func(t *testing.T, b kv.Backend)) {
	t.Helper()
	for _, b := range kv.Backends {
		t.Run(string(b), func(t *testing.T) {
			fn(t, b)
		})
	}
}

// Driver returns the driver for b, failing the test if there is none.
func Driver(t *testing.T, b kv.Backend) kv.Driver {
	t.Helper()
	d, err := drivers.For(b)
	require.NoError(t, err)
	return d
}

// OpenKV opens a fresh kv database for b in a temp dir. The caller owns the
// returned DB; it is not closed on cleanup because engine.Open takes
// ownership of it.
func OpenKV(t *testing.T, b kv.Backend) kv.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test"+b.Ext())
	db, err := Driver(t, b).Open(context.Background(), path)
	require.NoError(t, err)
	return db
}
