package pipeline

import (
	"github.com/roach88/kvpipe/internal/engine"
)

type scanState int

const (
	scanScanning scanState = iota
	scanExhausted
)

// scanner accumulates the records an index cursor visits.
//
// It starts Scanning with an empty list, appends one record per cursor
// position and moves to Exhausted when the cursor reports no more entries.
type scanner struct {
	cursor *engine.Cursor
	field  string
	state  scanState
	out    []any
}

func newScanner(c *engine.Cursor, field string) *scanner {
	return &scanner{cursor: c, field: field, out: []any{}}
}

// step advances by one record. It returns false once Exhausted.
func (sc *scanner) step() (bool, error) {
	if sc.state == scanExhausted {
		return false, nil
	}
	if !sc.cursor.Next() {
		sc.state = scanExhausted
		return false, sc.cursor.Err()
	}
	v := sc.cursor.Value()
	if sc.field != "" {
		// The field is a plain property name; dots are not path separators.
		if obj, ok := v.(map[string]any); ok {
			obj[sc.field] = sc.cursor.PrimaryKey().Native()
		}
	}
	sc.out = append(sc.out, v)
	return true, nil
}

func (r *runner) search(s *engine.ObjectStore, d Descriptor) (any, error) {
	idx, err := s.Index(d.Index)
	if err != nil {
		return nil, err
	}
	c, err := idx.OpenCursor(d.Key)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	sc := newScanner(c, r.rc.primaryKeyField)
	for {
		more, err := sc.step()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	r.observer.ObserveScan(len(sc.out))
	return sc.out, nil
}
