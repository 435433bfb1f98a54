package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// KeyKind distinguishes the key types. The numeric value doubles as the
// encoding tag, so kinds sort in their declaration order.
type KeyKind uint8

const (
	// KindInvalid is the zero Key.
	KindInvalid KeyKind = 0
	// KindNumber is a finite float64 key.
	KindNumber KeyKind = 0x10
	// KindString is a UTF-8 string key.
	KindString KeyKind = 0x20
)

// ErrInvalidKey is returned when a value cannot be used as a key.
var ErrInvalidKey = errors.New("invalid key")

// Key is a primary or index key. Only numbers and strings are valid keys.
type Key struct {
	kind KeyKind
	num  float64
	str  string
}

// NumberKey returns a numeric key.
func NumberKey(f float64) Key {
	if f == 0 {
		f = 0 // fold -0
	}
	return Key{kind: KindNumber, num: f}
}

// StringKey returns a string key.
func StringKey(s string) Key {
	return Key{kind: KindString, str: s}
}

// NewKey converts a value into a Key. Numbers of any Go kind and strings are
// accepted; NaN, infinities, nil, bools, arrays and objects are not.
func NewKey(v any) (Key, error) {
	if k, ok := v.(Key); ok {
		if !k.IsValid() {
			return Key{}, ErrInvalidKey
		}
		return k, nil
	}
	n, err := Normalize(v)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch val := n.(type) {
	case int64:
		return NumberKey(float64(val)), nil
	case float64:
		return NumberKey(val), nil
	case string:
		return StringKey(val), nil
	}
	return Key{}, fmt.Errorf("%w: %T is not a number or string", ErrInvalidKey, v)
}

// IsValid reports whether k holds a key.
func (k Key) IsValid() bool {
	return k.kind != KindInvalid
}

// Kind returns the key kind.
func (k Key) Kind() KeyKind {
	return k.kind
}

// Float returns the numeric value of a number key.
func (k Key) Float() float64 {
	return k.num
}

// Native returns the key as a record value: int64 for integral numbers,
// float64 for other numbers, string for strings, nil for the zero Key.
func (k Key) Native() any {
	switch k.kind {
	case KindNumber:
		if k.num == math.Trunc(k.num) && math.Abs(k.num) <= maxSafeInteger {
			return int64(k.num)
		}
		return k.num
	case KindString:
		return k.str
	}
	return nil
}

// String implements fmt.Stringer.
func (k Key) String() string {
	switch k.kind {
	case KindNumber:
		s, _ := formatNumber(k.num)
		return s
	case KindString:
		return strconv.Quote(k.str)
	}
	return "<invalid>"
}

// Compare orders keys: numbers before strings, numbers numerically,
// strings by UTF-8 bytes. The result agrees with bytes.Compare on the
// encoded forms.
func Compare(a, b Key) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNumber:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	case KindString:
		return bytes.Compare([]byte(a.str), []byte(b.str))
	}
	return 0
}

// Encode returns the order-preserving, prefix-free encoding of k.
//
// Numbers: tag byte, then the IEEE 754 bits with the sign bit flipped for
// non-negative values and all bits flipped for negative values.
// Strings: tag byte, the bytes with 0x00 escaped as 0x00 0xFF, then the
// terminator 0x00 0x01.
func (k Key) Encode() []byte {
	return k.AppendEncoded(nil)
}

// AppendEncoded appends the encoding of k to dst.
func (k Key) AppendEncoded(dst []byte) []byte {
	switch k.kind {
	case KindNumber:
		bits := math.Float64bits(k.num)
		if bits&(1<<63) == 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		dst = append(dst, byte(KindNumber))
		return binary.BigEndian.AppendUint64(dst, bits)
	case KindString:
		dst = append(dst, byte(KindString))
		for i := 0; i < len(k.str); i++ {
			c := k.str[i]
			dst = append(dst, c)
			if c == 0x00 {
				dst = append(dst, 0xFF)
			}
		}
		return append(dst, 0x00, 0x01)
	}
	return dst
}

// DecodeKey decodes one key from the front of b and returns it along with
// the number of bytes consumed.
func DecodeKey(b []byte) (Key, int, error) {
	if len(b) == 0 {
		return Key{}, 0, fmt.Errorf("%w: empty encoding", ErrInvalidKey)
	}
	switch KeyKind(b[0]) {
	case KindNumber:
		if len(b) < 9 {
			return Key{}, 0, fmt.Errorf("%w: short number encoding", ErrInvalidKey)
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		return NumberKey(math.Float64frombits(bits)), 9, nil
	case KindString:
		var s []byte
		for i := 1; i < len(b); i++ {
			if b[i] != 0x00 {
				s = append(s, b[i])
				continue
			}
			if i+1 >= len(b) {
				break
			}
			switch b[i+1] {
			case 0x01:
				return StringKey(string(s)), i + 2, nil
			case 0xFF:
				s = append(s, 0x00)
				i++
			default:
				return Key{}, 0, fmt.Errorf("%w: bad string escape 0x%02x", ErrInvalidKey, b[i+1])
			}
		}
		return Key{}, 0, fmt.Errorf("%w: unterminated string", ErrInvalidKey)
	}
	return Key{}, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidKey, b[0])
}
