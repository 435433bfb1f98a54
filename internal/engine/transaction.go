package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/kvpipe/internal/kv"
)

// Mode is a transaction mode.
type Mode int

const (
	// ReadOnly transactions may only read.
	ReadOnly Mode = iota
	// ReadWrite transactions may read and write records.
	ReadWrite
)

// String returns the IndexedDB name of the mode.
func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) valid() bool {
	return m == ReadOnly || m == ReadWrite
}

// ParseMode converts "readonly" or "readwrite" into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "readonly":
		return ReadOnly, nil
	case "readwrite":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("unknown transaction mode %q: must be readonly or readwrite", s)
}

type txState int

const (
	txActive txState = iota
	txCommitted
	txAborted
)

// Transaction is a unit of work over a fixed set of object stores. It is not
// safe for concurrent use.
type Transaction struct {
	db            *Database
	ctx           context.Context
	tx            kv.Tx
	mode          Mode
	versionChange bool
	stores        map[string]*StoreMeta
	state         txState
}

// Mode returns the transaction mode.
func (t *Transaction) Mode() Mode {
	return t.mode
}

// Scope lists the store names the transaction covers, in name order.
func (t *Transaction) Scope() []string {
	return t.storeNamesSorted()
}

func (t *Transaction) storeNamesSorted() []string {
	names := make([]string, 0, len(t.stores))
	for n := range t.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Active reports whether the transaction can still serve requests.
func (t *Transaction) Active() bool {
	return t.state == txActive
}

func (t *Transaction) checkActive() error {
	if t.state != txActive {
		return newError(ErrCodeTransactionInactive, "", "transaction has finished")
	}
	return nil
}

func (t *Transaction) checkWritable(store string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.mode != ReadWrite {
		return newError(ErrCodeReadOnly, store, "transaction is read-only")
	}
	return nil
}

// ObjectStore returns a store in the transaction's scope.
func (t *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	m, ok := t.stores[name]
	if !ok {
		if t.versionChange {
			return nil, storeNotFound(name)
		}
		return nil, newError(ErrCodeNotFound, name, "object store is not in the transaction scope")
	}
	return &ObjectStore{tx: t, meta: m}, nil
}

// Commit makes the transaction's writes durable. The version-change
// transaction is committed by Open and cannot be committed here.
func (t *Transaction) Commit() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.versionChange {
		return newError(ErrCodeInvalidState, "", "the version-change transaction commits when the upgrade returns")
	}
	if err := t.tx.Commit(); err != nil {
		t.state = txAborted
		return fmt.Errorf("commit: %w", err)
	}
	t.state = txCommitted
	return nil
}

// Abort discards the transaction's writes. Abort on a finished transaction
// is a no-op.
func (t *Transaction) Abort() error {
	if t.state != txActive || t.versionChange {
		return nil
	}
	t.state = txAborted
	return t.tx.Rollback()
}
