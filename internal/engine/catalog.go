package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/roach88/kvpipe/internal/kv"
)

const (
	catalogBucket = "__catalog"
	keygenBucket  = "__keygen"
)

// StoreMeta describes an object store.
type StoreMeta struct {
	Name          string      `json:"name"`
	KeyPath       string      `json:"keyPath,omitempty"`
	AutoIncrement bool        `json:"autoIncrement,omitempty"`
	Indexes       []IndexMeta `json:"indexes,omitempty"`
}

// IndexMeta describes an index on an object store.
type IndexMeta struct {
	Name    string `json:"name"`
	KeyPath string `json:"keyPath"`
}

// HasKeyPath reports whether the store uses in-line keys.
func (m *StoreMeta) HasKeyPath() bool {
	return m.KeyPath != ""
}

func (m *StoreMeta) index(name string) (IndexMeta, bool) {
	for _, idx := range m.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexMeta{}, false
}

func (m *StoreMeta) clone() *StoreMeta {
	c := *m
	c.Indexes = append([]IndexMeta(nil), m.Indexes...)
	return &c
}

func dataBucket(store string) string {
	return "s:" + store
}

func indexBucket(store, index string) string {
	return "i:" + store + "\x00" + index
}

// ensureSystemBuckets creates the catalog buckets of a fresh database.
func ensureSystemBuckets(tx kv.Tx) error {
	names, err := tx.Buckets()
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, b := range []string{catalogBucket, keygenBucket} {
		if have[b] {
			continue
		}
		if err := tx.CreateBucket(b); err != nil {
			return fmt.Errorf("create %s: %w", b, err)
		}
	}
	return nil
}

func loadStoreMeta(tx kv.Tx, name string) (*StoreMeta, error) {
	raw, err := tx.Get(catalogBucket, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var m StoreMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode catalog entry %q: %w", name, err)
	}
	return &m, nil
}

func saveStoreMeta(tx kv.Tx, m *StoreMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode catalog entry %q: %w", m.Name, err)
	}
	return tx.Put(catalogBucket, []byte(m.Name), raw)
}

// storeNames lists the catalog in name order.
func storeNames(tx kv.Tx) ([]string, error) {
	c, err := tx.Scan(catalogBucket, nil)
	if err != nil {
		return nil, fmt.Errorf("scan catalog: %w", err)
	}
	defer c.Close()

	names := []string{}
	for c.Next() {
		names = append(names, string(c.Key()))
	}
	return names, c.Err()
}

func nextKey(tx kv.Tx, store string) (uint64, error) {
	raw, err := tx.Get(keygenBucket, []byte(store))
	if err != nil {
		return 0, fmt.Errorf("read key generator: %w", err)
	}
	if len(raw) != 8 {
		return 1, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

func setNextKey(tx kv.Tx, store string, next uint64) error {
	return tx.Put(keygenBucket, []byte(store), binary.BigEndian.AppendUint64(nil, next))
}
