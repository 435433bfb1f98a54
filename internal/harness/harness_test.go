package harness

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/engine"
	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/pipeline"
	"github.com/roach88/kvpipe/internal/testutil"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	sc, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return sc
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	sc := mustParse(t, `
name: failing
description: every expectation is wrong
stores:
  - {name: items, key_path: id}
pipelines:
  - scope: [items]
    mode: readwrite
    steps:
      - {op: add, store: items, data: {id: "1"}}
    expect: {result: "2"}
  - scope: [items]
    mode: readwrite
    steps:
      - {op: add, store: items, data: {id: "1"}}
  - scope: [items]
    mode: readonly
    steps:
      - {op: getAll, store: items}
    expect: {error: ConstraintError}
  - scope: [items]
    mode: readonly
    steps:
      - {op: put, store: items, data: {id: "3"}}
    expect: {error: ConstraintError}
assertions:
  - {type: count, store: items, count: 5}
  - {type: record, store: items, key: "1", expect: {id: "9"}}
`)

	result, err := Run(sc, WithDir(t.TempDir()))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "pipelines[0]: result mismatch")
	assert.Contains(t, result.Errors[0], `Expected: "2"`)
	assert.Contains(t, result.Errors[1], "pipelines[1]: unexpected error")
	assert.Contains(t, result.Errors[2], "pipelines[2]: expected error ConstraintError, but the run committed")
	assert.Contains(t, result.Errors[3], "pipelines[3]: expected error ConstraintError, got ReadOnlyError")
	assert.Contains(t, result.Errors[4], "assertions[0]")
	assert.Contains(t, result.Errors[4], "Expected: 5 records")
	assert.Contains(t, result.Errors[5], "assertions[1]")
}

func TestRun_CollectsFinalState(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		sc := mustParse(t, `
name: state
description: final state lists every store
stores:
  - {name: a, key_path: id}
  - {name: b, auto_increment: true}
pipelines:
  - scope: [a, b]
    mode: readwrite
    steps:
      - {op: put, store: a, data: {id: 2}}
      - {op: put, store: a, data: {id: 1}}
      - {op: add, store: b, data: x}
`)
		result, err := Run(sc, WithBackend(b))
		require.NoError(t, err)
		assert.True(t, result.Pass, "%v", result.Errors)
		assert.Equal(t, map[string]any{
			"a": []any{map[string]any{"id": int64(1)}, map[string]any{"id": int64(2)}},
			"b": []any{"x"},
		}, result.State)
	})
}

func TestRun_SchemaError(t *testing.T) {
	sc := mustParse(t, `
name: dup
description: duplicate stores fail the open
stores:
  - {name: a}
  - {name: a}
pipelines:
  - {scope: [a], mode: readonly, steps: []}
`)
	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open scenario database")
	assert.ErrorIs(t, err, engine.ErrConstraint)
}

func TestRun_MissingSchemaFile(t *testing.T) {
	sc := mustParse(t, minimalScenario+"schema: /nonexistent/schema.cue\n")
	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load schema")
}

type countingObserver struct {
	runs int
}

func (o *countingObserver) ObserveStep(pipeline.Op, string, time.Duration) {}
func (o *countingObserver) ObserveRun(string, int, time.Duration) { o.runs++ }
func (o *countingObserver) ObserveScan(int) {}

func TestRun_ObserverSeesOnlyScenarioPipelines(t *testing.T) {
	obs := &countingObserver{}
	sc := mustParse(t, `
name: observed
description: observer sees scenario runs
stores: [{name: items}, {name: other}, {name: third}]
pipelines:
  - {scope: [items], mode: readonly, steps: []}
  - {scope: [items], mode: readonly, steps: []}
`)
	res, err := Run(sc, WithObserver(obs))
	require.NoError(t, err)
	assert.Len(t, res.State, 3)
	assert.Equal(t, len(sc.Pipelines), obs.runs)
}

func TestErrorClass(t *testing.T) {
	stepErr := &pipeline.TransactionError{RunID: "r", Err: &pipeline.StepError{
		Op:  pipeline.OpAdd,
		Err: fmt.Errorf("wrapped: %w", engine.ErrConstraint),
	}}
	assert.Equal(t, "ConstraintError", ErrorClass(stepErr))
	assert.Equal(t, "ContextError", ErrorClass(&pipeline.TransactionError{Err: context.Canceled}))
	assert.Equal(t, "TransactionError", ErrorClass(&pipeline.TransactionError{Err: errors.New("commit")}))
	assert.Equal(t, "Error", ErrorClass(errors.New("other")))
	assert.Equal(t, "", ErrorClass(nil))

	assert.True(t, errorMatches("TransactionError", stepErr))
	assert.True(t, errorMatches("ConstraintError", stepErr))
	assert.False(t, errorMatches("DataError", stepErr))
}
