package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/engine"
	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/store"
	"github.com/roach88/kvpipe/internal/testutil"
)

func TestRun_CopiesRecordBetweenStores(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		h := openHandle(t, b)

		var seen []any
		res, err := Begin(h, []string{"items", "items2"}, ReadWrite).
			Add(Fixed(Descriptor{Store: "items", Data: map[string]any{"id": "1", "count": 2}})).
			Get(Derived(func(prev any) Descriptor {
				seen = append(seen, prev)
				return Descriptor{Store: "items", Key: "1"}
			})).
			Add(Derived(func(prev any) Descriptor {
				seen = append(seen, prev)
				return Descriptor{Store: "items2", Data: prev}
			})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "1", res)

		want := map[string]any{"id": "1", "count": int64(2)}
		require.Len(t, seen, 2)
		assert.Equal(t, "1", seen[0], "get sees the key returned by add")
		assert.Equal(t, want, seen[1], "add sees exactly the record returned by get")

		got, err := Begin(h, []string{"items2"}, ReadOnly).
			Get(Fixed(Descriptor{Store: "items2", Key: "1"})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestRun_SearchInjectsPrimaryKey(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		h := openHandle(t, b)
		seed(t, h, "items",
			map[string]any{"id": "b", "count": 5},
			map[string]any{"id": "c", "count": 6},
			map[string]any{"id": "a", "count": 5},
		)

		res, err := Begin(h, []string{"items"}, ReadOnly).
			Search(Fixed(Descriptor{Store: "items", Index: "byCount", Key: 5})).
			Run(context.Background(), InjectPrimaryKey("id"))
		require.NoError(t, err)

		list, ok := res.([]any)
		require.True(t, ok)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].(map[string]any)["id"])
		assert.Equal(t, "b", list[1].(map[string]any)["id"])
	})
}

func TestRun_SearchInjectsUnderLiteralFieldName(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		h := openHandle(t, b)
		seed(t, h, "items",
			map[string]any{"id": "a", "count": 5, "meta": "x"},
			map[string]any{"id": "b", "count": 5, "a": map[string]any{"c": 1}},
		)

		res, err := Begin(h, []string{"items"}, ReadOnly).
			Search(Fixed(Descriptor{Store: "items", Index: "byCount", Key: 5})).
			Run(context.Background(), InjectPrimaryKey("meta.pk"))
		require.NoError(t, err)
		assert.Equal(t, []any{
			map[string]any{"id": "a", "count": int64(5), "meta": "x", "meta.pk": "a"},
			map[string]any{"id": "b", "count": int64(5), "a": map[string]any{"c": int64(1)}, "meta.pk": "b"},
		}, res)

		res, err = Begin(h, []string{"items"}, ReadOnly).
			Search(Fixed(Descriptor{Store: "items", Index: "byCount", Key: 5})).
			Run(context.Background(), InjectPrimaryKey("a.b"))
		require.NoError(t, err)
		list := res.([]any)
		require.Len(t, list, 2)
		assert.Equal(t, "b", list[1].(map[string]any)["a.b"])
		assert.Equal(t, map[string]any{"c": int64(1)}, list[1].(map[string]any)["a"], "nested objects are left alone")
	})
}

func TestRun_SearchWithoutFieldOmitsPrimaryKey(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		h := openHandle(t, b)
		seed(t, h, "notes", map[string]any{"tag": "x"}, map[string]any{"tag": "y"})

		res, err := Begin(h, []string{"notes"}, ReadOnly).
			GetAll(Fixed(Descriptor{Store: "notes"})).
			Run(context.Background(), InjectPrimaryKey("pk"))
		require.NoError(t, err)
		assert.Equal(t, []any{
			map[string]any{"tag": "x"},
			map[string]any{"tag": "y"},
		}, res, "getAll never injects keys")

		res, err = Begin(h, []string{"items"}, ReadOnly).
			Search(Fixed(Descriptor{Store: "items", Index: "byCount", Key: 1})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []any{}, res, "no matches yields an empty list")
	})
}

func TestRun_EmptyPipelineCommits(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		h := openHandle(t, b)
		obs := &recordingObserver{}

		p := Begin(h, []string{"items"}, ReadWrite, WithObserver(obs))
		res, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Equal(t, Committed, p.State())
		assert.Equal(t, []string{StatusCommitted}, obs.runs)
	})
}

func TestRun_ResultKinds(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		h := openHandle(t, b)

		res, err := Begin(h, []string{"notes"}, ReadWrite).
			Add(Fixed(Descriptor{Store: "notes", Data: "first"})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), res, "add yields the generated key")

		res, err = Begin(h, []string{"notes"}, ReadWrite).
			Put(Fixed(Descriptor{Store: "notes", Key: "k", Data: "second"})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "k", res, "put yields the explicit key")

		res, err = Begin(h, []string{"notes"}, ReadWrite).
			Delete(Fixed(Descriptor{Store: "notes", Key: "k"})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Nil(t, res)

		res, err = Begin(h, []string{"notes"}, ReadOnly).
			Get(Fixed(Descriptor{Store: "notes", Key: "k"})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Nil(t, res, "get of a missing key yields nil")

		res, err = Begin(h, []string{"notes"}, ReadOnly).
			GetAll(Fixed(Descriptor{Store: "notes"})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []any{"first"}, res)
	})
}

func TestRun_DerivedFirstStepSeesNil(t *testing.T) {
	h := openHandle(t, kv.BackendBolt)

	called := false
	_, err := Begin(h, []string{"items"}, ReadOnly).
		GetAll(Derived(func(prev any) Descriptor {
			called = true
			assert.Nil(t, prev)
			return Descriptor{Store: "items"}
		})).
		Run(context.Background())
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRun_StepErrorAbortsTransaction(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		h := openHandle(t, b)
		seed(t, h, "items", map[string]any{"id": "1", "count": 1})

		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
		obs := &recordingObserver{}

		p := Begin(h, []string{"items"}, ReadWrite,
			WithLogger(logger),
			WithObserver(obs),
			WithRunIDGenerator(NewFixedGenerator("run-1")),
		).
			Add(Fixed(Descriptor{Store: "items", Data: map[string]any{"id": "2", "count": 2}})).
			Add(Fixed(Descriptor{Store: "items", Data: map[string]any{"id": "1", "count": 3}}))

		_, err := p.Run(context.Background())
		require.Error(t, err)

		var te *TransactionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "run-1", te.RunID)

		se := FailedStep(err)
		require.NotNil(t, se)
		assert.Equal(t, 1, se.Index)
		assert.Equal(t, OpAdd, se.Op)
		assert.Equal(t, "items", se.Store)
		assert.True(t, errors.Is(err, engine.ErrConstraint))

		assert.Equal(t, Aborted, p.State())
		assert.Equal(t, []string{"add:ok", "add:error"}, obs.steps)
		assert.Equal(t, []string{StatusAborted}, obs.runs)
		assert.Contains(t, logs.String(), "pipeline step failed")
		assert.Contains(t, logs.String(), "run_id=run-1")

		res, err := Begin(h, []string{"items"}, ReadOnly).
			Get(Fixed(Descriptor{Store: "items", Key: "2"})).
			Run(context.Background())
		require.NoError(t, err)
		assert.Nil(t, res, "the first add was rolled back")
	})
}

func TestRun_StepErrors(t *testing.T) {
	tests := []struct {
		name  string
		scope []string
		mode  Mode
		desc  Descriptor
		op    Op
		is    error
	}{
		{"store outside scope", []string{"items"}, ReadOnly, Descriptor{Store: "items2"}, OpGetAll, engine.ErrNotFound},
		{"missing index", []string{"items"}, ReadOnly, Descriptor{Store: "items", Index: "nope", Key: 1}, OpSearch, engine.ErrNotFound},
		{"write in readonly", []string{"items"}, ReadOnly, Descriptor{Store: "items", Data: map[string]any{"id": "x"}}, OpPut, engine.ErrReadOnly},
		{"invalid key", []string{"items"}, ReadOnly, Descriptor{Store: "items", Key: true}, OpGet, engine.ErrData},
		{"missing in-line key", []string{"items"}, ReadWrite, Descriptor{Store: "items", Data: map[string]any{"count": 1}}, OpAdd, engine.ErrData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := openHandle(t, kv.BackendSQLite)
			p := Begin(h, tt.scope, tt.mode)
			p.enqueue(tt.op, Fixed(tt.desc))

			_, err := p.Run(context.Background())
			require.Error(t, err)
			assert.True(t, IsTransactionError(err))
			assert.ErrorIs(t, err, tt.is)
			require.NotNil(t, FailedStep(err))
			assert.Equal(t, tt.op, FailedStep(err).Op)
		})
	}
}

func TestRun_EmptyStoreName(t *testing.T) {
	h := openHandle(t, kv.BackendSQLite)
	_, err := Begin(h, []string{"items"}, ReadOnly).
		Get(Fixed(Descriptor{Key: "1"})).
		Run(context.Background())
	require.Error(t, err)
	assert.NotNil(t, FailedStep(err))
}

func TestRun_BeginFailureIsTransactionError(t *testing.T) {
	h := openHandle(t, kv.BackendSQLite)

	p := Begin(h, []string{"missing"}, ReadOnly)
	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransactionError(err))
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.Nil(t, FailedStep(err))
	assert.Equal(t, Failed, p.State())
}

func TestRun_ClosedHandle(t *testing.T) {
	h := openHandle(t, kv.BackendBolt)
	require.NoError(t, h.Close())

	_, err := Begin(h, []string{"items"}, ReadOnly).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestRun_CancelledContextAbortsBetweenSteps(t *testing.T) {
	h := openHandle(t, kv.BackendBolt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := Begin(h, []string{"items"}, ReadWrite).
		Add(Fixed(Descriptor{Store: "items", Data: map[string]any{"id": "1"}})).
		Get(Derived(func(any) Descriptor {
			cancel()
			return Descriptor{Store: "items", Key: "1"}
		})).
		Add(Fixed(Descriptor{Store: "items", Data: map[string]any{"id": "2"}}))

	_, err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Aborted, p.State())

	res, err := Begin(h, []string{"items"}, ReadOnly).
		GetAll(Fixed(Descriptor{Store: "items"})).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{}, res)
}

func TestRun_PanicInDerivedReleasesTransaction(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, b kv.Backend) {
		h := openHandle(t, b)

		p := Begin(h, []string{"items"}, ReadWrite).
			Add(Fixed(Descriptor{Store: "items", Data: map[string]any{"id": "1"}})).
			Get(Derived(func(any) Descriptor { panic("boom") }))

		assert.PanicsWithValue(t, "boom", func() {
			_, _ = p.Run(context.Background())
		})
		assert.Equal(t, Failed, p.State())

		// The write lock is released and the add was rolled back.
		seed(t, h, "items", map[string]any{"id": "1"})
	})
}

func TestRun_OnlyOnce(t *testing.T) {
	h := openHandle(t, kv.BackendSQLite)

	p := Begin(h, []string{"items"}, ReadOnly).GetAll(Fixed(Descriptor{Store: "items"}))
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotBuilding)

	assert.NoError(t, p.Err())
	p.Get(Fixed(Descriptor{Store: "items", Key: "1"}))
	assert.ErrorIs(t, p.Err(), ErrNotBuilding)
	assert.Equal(t, 0, p.Len())
}

func TestRun_ObserverSeesScans(t *testing.T) {
	h := openHandle(t, kv.BackendSQLite)
	seed(t, h, "items",
		map[string]any{"id": "a", "count": 5},
		map[string]any{"id": "b", "count": 5},
	)
	obs := &recordingObserver{}

	_, err := Begin(h, []string{"items"}, ReadOnly, WithObserver(obs)).
		Search(Fixed(Descriptor{Store: "items", Index: "byCount", Key: 5})).
		Search(Fixed(Descriptor{Store: "items", Index: "byCount", Key: 7})).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, obs.scans)
	assert.Equal(t, []string{"search:ok", "search:ok"}, obs.steps)
}

func TestThen_DispatchesByOp(t *testing.T) {
	h := openHandle(t, kv.BackendSQLite)

	res, err := Begin(h, []string{"items"}, ReadWrite).
		Then(OpPut, Fixed(Descriptor{Store: "items", Data: map[string]any{"id": "1", "count": 3}})).
		Then(OpGet, Fixed(Descriptor{Store: "items", Key: "1"})).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "1", "count": int64(3)}, res)
}

func TestThen_UnknownOpFailsItsStep(t *testing.T) {
	h := openHandle(t, kv.BackendSQLite)

	p := Begin(h, []string{"items"}, ReadWrite).
		Put(Fixed(Descriptor{Store: "items", Data: map[string]any{"id": "1", "count": 3}})).
		Then(Op(99), Fixed(Descriptor{Store: "items"}))
	assert.Equal(t, 2, p.Len())

	_, err := p.Run(context.Background())
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	se := FailedStep(err)
	require.NotNil(t, se)
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, Op(99), se.Op)
	assert.Equal(t, Aborted, p.State())

	got, err := Begin(h, []string{"items"}, ReadOnly).
		Get(Fixed(Descriptor{Store: "items", Key: "1"})).
		Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got, "the put is rolled back")
}

func TestBegin_CopiesScope(t *testing.T) {
	h := openHandle(t, kv.BackendSQLite)
	scope := []string{"items"}
	p := Begin(h, scope, ReadOnly)
	scope[0] = "items2"

	_, err := p.GetAll(Fixed(Descriptor{Store: "items"})).Run(context.Background())
	assert.NoError(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "building", Building.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "committed", Committed.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestOp_ParseRoundTrip(t *testing.T) {
	for _, op := range []Op{OpGetAll, OpGet, OpAdd, OpPut, OpDelete, OpSearch} {
		got, ok := ParseOp(op.String())
		require.True(t, ok, op.String())
		assert.Equal(t, op, got)
	}
	_, ok := ParseOp("scan")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Op(0).String())
}
