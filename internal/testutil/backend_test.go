package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/kv"
)

func TestForEachBackend_VisitsAll(t *testing.T) {
	var seen []kv.Backend
	ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		seen = append(seen, b)
	})
	assert.Equal(t, kv.Backends, seen)
}

func TestOpenKV(t *testing.T) {
	ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		db := OpenKV(t, b)
		defer db.Close()

		tx, err := db.Begin(context.Background(), false)
		require.NoError(t, err)
		defer tx.Rollback()

		v, err := tx.Version()
		require.NoError(t, err)
		assert.Zero(t, v)
	})
}
