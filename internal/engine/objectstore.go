package engine

import (
	"fmt"
	"math"

	"github.com/roach88/kvpipe/internal/record"
)

// maxGeneratedKey is the largest key a key generator hands out (2^53).
const maxGeneratedKey = 1 << 53

// ObjectStore is a store seen through a transaction.
type ObjectStore struct {
	tx   *Transaction
	meta *StoreMeta
}

// Name returns the store name.
func (s *ObjectStore) Name() string {
	return s.meta.Name
}

// KeyPath returns the in-line key path, or "" for out-of-line keys.
func (s *ObjectStore) KeyPath() string {
	return s.meta.KeyPath
}

// AutoIncrement reports whether the store has a key generator.
func (s *ObjectStore) AutoIncrement() bool {
	return s.meta.AutoIncrement
}

// Meta returns a copy of the store metadata.
func (s *ObjectStore) Meta() StoreMeta {
	return *s.meta.clone()
}

// IndexNames lists the store's indexes in creation order.
func (s *ObjectStore) IndexNames() []string {
	names := make([]string, len(s.meta.Indexes))
	for i, idx := range s.meta.Indexes {
		names[i] = idx.Name
	}
	return names
}

func (s *ObjectStore) key(v any) (record.Key, error) {
	k, err := record.NewKey(v)
	if err != nil {
		return record.Key{}, dataError(s.meta.Name, err, "invalid key")
	}
	return k, nil
}

// Get returns the record stored under key, or nil when there is none.
func (s *ObjectStore) Get(key any) (any, error) {
	if err := s.tx.checkActive(); err != nil {
		return nil, err
	}
	k, err := s.key(key)
	if err != nil {
		return nil, err
	}
	raw, err := s.tx.tx.Get(dataBucket(s.meta.Name), k.Encode())
	if err != nil {
		return nil, fmt.Errorf("get from %q: %w", s.meta.Name, err)
	}
	if raw == nil {
		return nil, nil
	}
	return record.Unmarshal(raw)
}

// GetAll returns every record in primary key order. The result is never nil.
func (s *ObjectStore) GetAll() ([]any, error) {
	if err := s.tx.checkActive(); err != nil {
		return nil, err
	}
	c, err := s.tx.tx.Scan(dataBucket(s.meta.Name), nil)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", s.meta.Name, err)
	}
	defer c.Close()

	out := []any{}
	for c.Next() {
		v, err := record.Unmarshal(c.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", s.meta.Name, err)
	}
	return out, nil
}

// Count returns the number of records in the store.
func (s *ObjectStore) Count() (int, error) {
	if err := s.tx.checkActive(); err != nil {
		return 0, err
	}
	c, err := s.tx.tx.Scan(dataBucket(s.meta.Name), nil)
	if err != nil {
		return 0, fmt.Errorf("scan %q: %w", s.meta.Name, err)
	}
	defer c.Close()

	n := 0
	for c.Next() {
		n++
	}
	return n, c.Err()
}

// Add stores a new record and returns its primary key. key must be nil for
// stores with a key path. Adding under an existing key fails with a
// ConstraintError.
func (s *ObjectStore) Add(value, key any) (record.Key, error) {
	return s.write(value, key, true)
}

// Put stores a record, replacing any record under the same key, and
// returns its primary key.
func (s *ObjectStore) Put(value, key any) (record.Key, error) {
	return s.write(value, key, false)
}

func (s *ObjectStore) write(value, key any, noOverwrite bool) (record.Key, error) {
	name := s.meta.Name
	if err := s.tx.checkWritable(name); err != nil {
		return record.Key{}, err
	}
	v, err := record.Normalize(value)
	if err != nil {
		return record.Key{}, dataError(name, err, "value cannot be stored")
	}

	var (
		k         record.Key
		generated bool
	)
	switch {
	case s.meta.HasKeyPath() && key != nil:
		return record.Key{}, newError(ErrCodeData, name,
			"store uses in-line keys and a separate key was provided")
	case s.meta.HasKeyPath():
		ek, ok, err := record.ExtractKey(v, s.meta.KeyPath)
		if err != nil {
			return record.Key{}, dataError(name, err, "key path did not yield a valid key")
		}
		if ok {
			k = ek
			break
		}
		if !s.meta.AutoIncrement {
			return record.Key{}, newError(ErrCodeData, name,
				"key path %q did not yield a value", s.meta.KeyPath)
		}
		if _, isObj := v.(map[string]any); !isObj {
			return record.Key{}, newError(ErrCodeData, name,
				"generated key cannot be injected into a %T", v)
		}
		if k, err = s.generateKey(); err != nil {
			return record.Key{}, err
		}
		generated = true
		if err := record.Inject(v, s.meta.KeyPath, k.Native()); err != nil {
			return record.Key{}, dataError(name, err, "generated key cannot be injected")
		}
	case key != nil:
		if k, err = s.key(key); err != nil {
			return record.Key{}, err
		}
	case s.meta.AutoIncrement:
		if k, err = s.generateKey(); err != nil {
			return record.Key{}, err
		}
		generated = true
	default:
		return record.Key{}, newError(ErrCodeData, name,
			"store uses out-of-line keys and no key was provided")
	}

	if s.meta.AutoIncrement && !generated && k.Kind() == record.KindNumber {
		if err := s.bumpKeyGenerator(k.Float()); err != nil {
			return record.Key{}, err
		}
	}

	pk := k.Encode()
	existing, err := s.tx.tx.Get(dataBucket(name), pk)
	if err != nil {
		return record.Key{}, fmt.Errorf("write to %q: %w", name, err)
	}
	if existing != nil {
		if noOverwrite {
			return record.Key{}, newError(ErrCodeConstraint, name, "key %s already exists", k)
		}
		old, err := record.Unmarshal(existing)
		if err != nil {
			return record.Key{}, err
		}
		if err := s.removeIndexEntries(old, pk); err != nil {
			return record.Key{}, err
		}
	}

	raw, err := record.MarshalCanonical(v)
	if err != nil {
		return record.Key{}, dataError(name, err, "value cannot be stored")
	}
	if err := s.tx.tx.Put(dataBucket(name), pk, raw); err != nil {
		return record.Key{}, fmt.Errorf("write to %q: %w", name, err)
	}
	if err := s.addIndexEntries(v, pk); err != nil {
		return record.Key{}, err
	}
	return k, nil
}

// Delete removes the record stored under key. Deleting a missing key is not
// an error.
func (s *ObjectStore) Delete(key any) error {
	name := s.meta.Name
	if err := s.tx.checkWritable(name); err != nil {
		return err
	}
	k, err := s.key(key)
	if err != nil {
		return err
	}
	pk := k.Encode()
	existing, err := s.tx.tx.Get(dataBucket(name), pk)
	if err != nil {
		return fmt.Errorf("delete from %q: %w", name, err)
	}
	if existing == nil {
		return nil
	}
	old, err := record.Unmarshal(existing)
	if err != nil {
		return err
	}
	if err := s.removeIndexEntries(old, pk); err != nil {
		return err
	}
	if err := s.tx.tx.Delete(dataBucket(name), pk); err != nil {
		return fmt.Errorf("delete from %q: %w", name, err)
	}
	return nil
}

func (s *ObjectStore) generateKey() (record.Key, error) {
	next, err := nextKey(s.tx.tx, s.meta.Name)
	if err != nil {
		return record.Key{}, err
	}
	if next > maxGeneratedKey {
		return record.Key{}, newError(ErrCodeConstraint, s.meta.Name, "key generator is exhausted")
	}
	if err := setNextKey(s.tx.tx, s.meta.Name, next+1); err != nil {
		return record.Key{}, err
	}
	return record.NumberKey(float64(next)), nil
}

// bumpKeyGenerator moves the generator past an explicit numeric key.
func (s *ObjectStore) bumpKeyGenerator(f float64) error {
	next, err := nextKey(s.tx.tx, s.meta.Name)
	if err != nil {
		return err
	}
	if f < float64(next) {
		return nil
	}
	n := math.Floor(f) + 1
	if n > maxGeneratedKey+1 {
		n = maxGeneratedKey + 1
	}
	return setNextKey(s.tx.tx, s.meta.Name, uint64(n))
}

func indexEntryKey(ik record.Key, pk []byte) []byte {
	return append(ik.AppendEncoded(nil), pk...)
}

// addIndexEntries indexes v under every index whose key path yields a
// valid key. Records without one are left out of that index.
func (s *ObjectStore) addIndexEntries(v any, pk []byte) error {
	for _, idx := range s.meta.Indexes {
		ik, ok, err := record.ExtractKey(v, idx.KeyPath)
		if !ok || err != nil {
			continue
		}
		if err := s.tx.tx.Put(indexBucket(s.meta.Name, idx.Name), indexEntryKey(ik, pk), pk); err != nil {
			return fmt.Errorf("update index %q: %w", idx.Name, err)
		}
	}
	return nil
}

func (s *ObjectStore) removeIndexEntries(v any, pk []byte) error {
	for _, idx := range s.meta.Indexes {
		ik, ok, err := record.ExtractKey(v, idx.KeyPath)
		if !ok || err != nil {
			continue
		}
		if err := s.tx.tx.Delete(indexBucket(s.meta.Name, idx.Name), indexEntryKey(ik, pk)); err != nil {
			return fmt.Errorf("update index %q: %w", idx.Name, err)
		}
	}
	return nil
}

// Index returns one of the store's indexes.
func (s *ObjectStore) Index(name string) (*Index, error) {
	if err := s.tx.checkActive(); err != nil {
		return nil, err
	}
	meta, ok := s.meta.index(name)
	if !ok {
		return nil, indexNotFound(s.meta.Name, name)
	}
	return &Index{store: s, meta: meta}, nil
}

// CreateIndex adds an index and fills it from the records already stored.
// It is only available during an upgrade.
func (s *ObjectStore) CreateIndex(name, keyPath string) (*Index, error) {
	t := s.tx
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if !t.versionChange {
		return nil, newError(ErrCodeInvalidState, s.meta.Name, "indexes can only be created during an upgrade")
	}
	if _, exists := s.meta.index(name); exists {
		return nil, &Error{Code: ErrCodeConstraint, Store: s.meta.Name, Index: name, Message: "index already exists"}
	}
	if keyPath == "" || !record.ValidKeyPath(keyPath) {
		return nil, &Error{Code: ErrCodeData, Store: s.meta.Name, Index: name,
			Message: fmt.Sprintf("invalid key path %q", keyPath)}
	}

	if err := t.tx.CreateBucket(indexBucket(s.meta.Name, name)); err != nil {
		return nil, fmt.Errorf("create index %q: %w", name, err)
	}
	meta := IndexMeta{Name: name, KeyPath: keyPath}
	s.meta.Indexes = append(s.meta.Indexes, meta)
	if err := saveStoreMeta(t.tx, s.meta); err != nil {
		return nil, err
	}

	// Collect first: writing while a cursor is open is not portable across
	// backends.
	type pending struct {
		v  any
		pk []byte
	}
	var existing []pending
	c, err := t.tx.Scan(dataBucket(s.meta.Name), nil)
	if err != nil {
		return nil, err
	}
	for c.Next() {
		v, err := record.Unmarshal(c.Value())
		if err != nil {
			c.Close()
			return nil, err
		}
		existing = append(existing, pending{v: v, pk: append([]byte(nil), c.Key()...)})
	}
	c.Close()
	if err := c.Err(); err != nil {
		return nil, err
	}

	for _, p := range existing {
		ik, ok, err := record.ExtractKey(p.v, keyPath)
		if !ok || err != nil {
			continue
		}
		if err := t.tx.Put(indexBucket(s.meta.Name, name), indexEntryKey(ik, p.pk), p.pk); err != nil {
			return nil, fmt.Errorf("populate index %q: %w", name, err)
		}
	}
	return &Index{store: s, meta: meta}, nil
}

// DeleteIndex removes an index. It is only available during an upgrade.
func (s *ObjectStore) DeleteIndex(name string) error {
	t := s.tx
	if err := t.checkActive(); err != nil {
		return err
	}
	if !t.versionChange {
		return newError(ErrCodeInvalidState, s.meta.Name, "indexes can only be deleted during an upgrade")
	}
	if _, ok := s.meta.index(name); !ok {
		return indexNotFound(s.meta.Name, name)
	}
	if err := t.tx.DeleteBucket(indexBucket(s.meta.Name, name)); err != nil {
		return fmt.Errorf("delete index %q: %w", name, err)
	}
	kept := s.meta.Indexes[:0]
	for _, idx := range s.meta.Indexes {
		if idx.Name != name {
			kept = append(kept, idx)
		}
	}
	s.meta.Indexes = kept
	return saveStoreMeta(t.tx, s.meta)
}
