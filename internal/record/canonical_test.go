package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int", int64(-100), "-100"},
		{"zero", 0, "0"},
		{"integral float", 2.0, "2"},
		{"fraction", 1.5, "1.5"},
		{"large float", 1e21, "1e+21"},
		{"small float", 1e-7, "1e-7"},
		{"bool true", true, "true"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array of ints", []int{1, 2, 3}, "[1,2,3]"},
		{"simple object", map[string]any{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  map[string]any{"y": 1, "x": 2},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"x":2,"y":1},"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// UTF-16 order puts the surrogate pair (0xD800) before U+E000.
	obj := map[string]any{
		"\uE000":     1,
		"\U00010000": 2,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(result))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))

	// A literal backslash followed by the text u2028 stays escaped.
	result, err = MarshalCanonical("x\\u2028")
	require.NoError(t, err)
	assert.Equal(t, `"x\\u2028"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9.
	result, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(result))
}

func TestMarshalCanonicalRejectsUnsupported(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[int]string{1: "a"})
	assert.Error(t, err)
}

func TestUnmarshalIntegralNumbers(t *testing.T) {
	v, err := Unmarshal([]byte(`{"id":"1","count":2,"ratio":0.5,"tags":["a"],"none":null}`))
	require.NoError(t, err)

	obj, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", obj["id"])
	assert.Equal(t, int64(2), obj["count"])
	assert.Equal(t, 0.5, obj["ratio"])
	assert.Equal(t, []any{"a"}, obj["tags"])
	assert.Nil(t, obj["none"])
}

func TestCanonicalRoundTrip(t *testing.T) {
	in := map[string]any{"id": "1", "count": 2, "nested": map[string]any{"f": 1.25}}

	data, err := MarshalCanonical(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)

	again, err := MarshalCanonical(out)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestUnmarshalInvalid(t *testing.T) {
	_, err := Unmarshal([]byte(`{"a":`))
	assert.Error(t, err)
}
