package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	v := map[string]any{
		"id":   "1",
		"meta": map[string]any{"owner": map[string]any{"name": "ann"}},
	}

	got, ok := Extract(v, "id")
	require.True(t, ok)
	assert.Equal(t, "1", got)

	got, ok = Extract(v, "meta.owner.name")
	require.True(t, ok)
	assert.Equal(t, "ann", got)

	_, ok = Extract(v, "meta.missing")
	assert.False(t, ok)

	_, ok = Extract(v, "id.deeper")
	assert.False(t, ok)

	got, ok = Extract("scalar", "")
	require.True(t, ok)
	assert.Equal(t, "scalar", got)
}

func TestExtractKey(t *testing.T) {
	k, ok, err := ExtractKey(map[string]any{"count": int64(5)}, "count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, NumberKey(5), k)

	_, ok, err = ExtractKey(map[string]any{"flag": true}, "flag")
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, ok, err = ExtractKey(map[string]any{}, "count")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInject(t *testing.T) {
	v := map[string]any{"count": int64(5)}

	require.NoError(t, Inject(v, "id", "a"))
	assert.Equal(t, "a", v["id"])

	require.NoError(t, Inject(v, "meta.seq", int64(1)))
	assert.Equal(t, map[string]any{"seq": int64(1)}, v["meta"])

	assert.Error(t, Inject(v, "count.x", 1))
	assert.Error(t, Inject("scalar", "id", 1))
	assert.Error(t, Inject(v, "", 1))
}

func TestValidKeyPath(t *testing.T) {
	assert.True(t, ValidKeyPath(""))
	assert.True(t, ValidKeyPath("id"))
	assert.True(t, ValidKeyPath("a.b.c"))
	assert.False(t, ValidKeyPath("a..b"))
	assert.False(t, ValidKeyPath(".a"))
}
