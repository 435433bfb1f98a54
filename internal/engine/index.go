package engine

import (
	"fmt"

	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/record"
)

// Index is a secondary index seen through a transaction. Only equality
// lookups are supported.
type Index struct {
	store *ObjectStore
	meta  IndexMeta
}

// Name returns the index name.
func (i *Index) Name() string {
	return i.meta.Name
}

// KeyPath returns the path the index reads from each record.
func (i *Index) KeyPath() string {
	return i.meta.KeyPath
}

// OpenCursor returns a cursor over the records whose index key equals only,
// in primary key order.
func (i *Index) OpenCursor(only any) (*Cursor, error) {
	t := i.store.tx
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	k, err := record.NewKey(only)
	if err != nil {
		return nil, &Error{Code: ErrCodeData, Store: i.store.meta.Name, Index: i.meta.Name,
			Message: "invalid key", Err: err}
	}
	it, err := t.tx.Scan(indexBucket(i.store.meta.Name, i.meta.Name), k.Encode())
	if err != nil {
		return nil, fmt.Errorf("open cursor on %q: %w", i.meta.Name, err)
	}
	return &Cursor{index: i, it: it}, nil
}

// Count returns the number of records whose index key equals only.
func (i *Index) Count(only any) (int, error) {
	c, err := i.OpenCursor(only)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n := 0
	for c.Next() {
		n++
	}
	return n, c.Err()
}

// Cursor walks index entries. A fresh cursor is positioned before the first
// entry; call Next to advance.
type Cursor struct {
	index *Index
	it    kv.Cursor
	done  bool
	err   error

	key        record.Key
	primaryKey record.Key
	value      any
}

// Next advances to the next record, reporting whether there is one. It
// returns false once the cursor is exhausted or fails; check Err.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	if err := c.index.store.tx.checkActive(); err != nil {
		c.fail(err)
		return false
	}
	if !c.it.Next() {
		if err := c.it.Err(); err != nil {
			c.fail(fmt.Errorf("cursor on %q: %w", c.index.meta.Name, err))
			return false
		}
		c.Close()
		return false
	}

	ik, _, err := record.DecodeKey(c.it.Key())
	if err != nil {
		c.fail(fmt.Errorf("cursor on %q: %w", c.index.meta.Name, err))
		return false
	}
	pkBytes := c.it.Value()
	pk, _, err := record.DecodeKey(pkBytes)
	if err != nil {
		c.fail(fmt.Errorf("cursor on %q: %w", c.index.meta.Name, err))
		return false
	}

	store := c.index.store
	raw, err := store.tx.tx.Get(dataBucket(store.meta.Name), pkBytes)
	if err != nil {
		c.fail(fmt.Errorf("cursor on %q: %w", c.index.meta.Name, err))
		return false
	}
	if raw == nil {
		c.fail(fmt.Errorf("cursor on %q: index entry for %s has no record", c.index.meta.Name, pk))
		return false
	}
	v, err := record.Unmarshal(raw)
	if err != nil {
		c.fail(err)
		return false
	}

	c.key, c.primaryKey, c.value = ik, pk, v
	return true
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.Close()
}

// Key returns the index key at the current position.
func (c *Cursor) Key() record.Key {
	return c.key
}

// PrimaryKey returns the primary key of the current record.
func (c *Cursor) PrimaryKey() record.Key {
	return c.primaryKey
}

// Value returns the current record. Each call to Next decodes a fresh
// value, so callers may modify it.
func (c *Cursor) Value() any {
	return c.value
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the cursor. Close is idempotent.
func (c *Cursor) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	c.key, c.primaryKey, c.value = record.Key{}, record.Key{}, nil
	return c.it.Close()
}
