// Package record provides the value and key model shared by every storage
// layer in kvpipe.
//
// This package imports nothing internal. All other internal packages import
// record; record never imports them.
//
// Key design constraints:
//   - Values are normalized to nil, bool, int64, float64, string, []any and
//     map[string]any before they are persisted
//   - Integral numbers are int64 after normalization and after decoding
//   - Persisted values use canonical JSON (sorted keys, NFC strings)
//   - Keys are numbers or strings; numbers sort before strings
//   - Encoded keys are order-preserving and prefix-free so a byte-ordered
//     backend can range over them directly
package record
