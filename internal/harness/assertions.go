package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/kvpipe/internal/pipeline"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Store    string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s on %q\n", e.Type, e.Store)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against db and returns one
// message per failure.
func EvaluateAssertions(ctx context.Context, db pipeline.TxSource, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRecord:
			err = assertRecord(ctx, db, a)
		case AssertCount:
			err = assertCount(ctx, db, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertRecord checks the whole record stored under a key. A nil expected
// value asserts that no record exists.
func assertRecord(ctx context.Context, db pipeline.TxSource, a Assertion) error {
	got, err := pipeline.Begin(db, []string{a.Store}, pipeline.ReadOnly).
		Get(pipeline.Fixed(pipeline.Descriptor{Store: a.Store, Key: a.Key})).
		Run(ctx)
	if err != nil {
		return err
	}
	if !valuesEqual(a.Expect, got) {
		return &AssertionError{
			Type:     AssertRecord,
			Store:    a.Store,
			Expected: fmt.Sprintf("record %s = %s", formatValue(a.Key), formatValue(a.Expect)),
			Actual:   formatValue(got),
		}
	}
	return nil
}

// assertCount checks the number of records in a store.
func assertCount(ctx context.Context, db pipeline.TxSource, a Assertion) error {
	got, err := pipeline.Begin(db, []string{a.Store}, pipeline.ReadOnly).
		GetAll(pipeline.Fixed(pipeline.Descriptor{Store: a.Store})).
		Run(ctx)
	if err != nil {
		return err
	}
	records, _ := got.([]any)
	if len(records) != a.Count {
		return &AssertionError{
			Type:     AssertCount,
			Store:    a.Store,
			Expected: fmt.Sprintf("%d records", a.Count),
			Actual:   fmt.Sprintf("%d records", len(records)),
		}
	}
	return nil
}
