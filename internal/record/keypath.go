package record

import (
	"fmt"
	"strings"
)

// Extract evaluates a dotted key path against a value.
// The empty path selects the value itself. ok is false when any segment is
// missing or traverses a non-object.
func Extract(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		obj, isObj := cur.(map[string]any)
		if !isObj {
			return nil, false
		}
		next, exists := obj[seg]
		if !exists {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ExtractKey evaluates a key path and converts the result into a Key.
func ExtractKey(v any, path string) (Key, bool, error) {
	raw, ok := Extract(v, path)
	if !ok {
		return Key{}, false, nil
	}
	k, err := NewKey(raw)
	if err != nil {
		return Key{}, true, fmt.Errorf("key path %q: %w", path, err)
	}
	return k, true, nil
}

// Inject stores val at a dotted key path inside v, creating intermediate
// objects as needed. v must be an object; the empty path is not injectable.
func Inject(v any, path string, val any) error {
	if path == "" {
		return fmt.Errorf("cannot inject at the empty key path")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot inject %q into %T", path, v)
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs[:len(segs)-1] {
		next, exists := obj[seg]
		if !exists {
			child := make(map[string]any)
			obj[seg] = child
			obj = child
			continue
		}
		child, isObj := next.(map[string]any)
		if !isObj {
			return fmt.Errorf("cannot inject %q: segment %q is %T", path, seg, next)
		}
		obj = child
	}
	obj[segs[len(segs)-1]] = val
	return nil
}

// ValidKeyPath reports whether path is a well-formed dotted key path.
func ValidKeyPath(path string) bool {
	if path == "" {
		return true
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}
