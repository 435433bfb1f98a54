package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/kvpipe/internal/config"
	"github.com/roach88/kvpipe/internal/engine"
	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/pipeline"
	"github.com/roach88/kvpipe/internal/record"
	"github.com/roach88/kvpipe/internal/schema"
	"github.com/roach88/kvpipe/internal/store"
	"github.com/roach88/kvpipe/internal/testutil"
)

// Option configures a scenario run.
type Option func(*runOptions)

type runOptions struct {
	dir      string
	backend  kv.Backend
	logger   *slog.Logger
	observer pipeline.Observer
}

// WithDir places the scenario database in dir instead of a temporary
// directory that is removed afterwards.
func WithDir(dir string) Option {
	return func(o *runOptions) { o.dir = dir }
}

// WithBackend overrides the scenario's backend.
func WithBackend(b kv.Backend) Option {
	return func(o *runOptions) { o.backend = b }
}

// WithLogger sets the logger handed to every pipeline. Logs are discarded
// by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// WithObserver reports pipeline measurements to obs.
func WithObserver(obs pipeline.Observer) Option {
	return func(o *runOptions) { o.observer = obs }
}

// Harness runs one scenario against one database handle.
type Harness struct {
	handle   *store.Handle
	runIDs   pipeline.RunIDGenerator
	logger   *slog.Logger
	observer pipeline.Observer
	clock    *Clock
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database. Pipelines run in order; every
// step is traced with its resolved descriptor, and every run with its
// outcome. Expectations and assertions that fail are collected in
// Result.Errors rather than returned. The returned error reports only
// problems setting the scenario up.
func Run(sc *Scenario, opts ...Option) (*Result, error) {
	ro := runOptions{
		backend: kv.BackendSQLite,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if sc.Backend != "" {
		b, err := kv.ParseBackend(sc.Backend)
		if err != nil {
			return nil, err
		}
		ro.backend = b
	}
	for _, opt := range opts {
		opt(&ro)
	}

	dir := ro.dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "kvpipe-scenario-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create scenario dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	setups, version, err := scenarioSetups(sc)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Dir = dir
	cfg.Backend = ro.backend

	ctx := context.Background()
	handle, err := store.Open(ctx, cfg, sc.Name, store.WithVersion(version), store.WithSetup(setups...))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario database: %w", err)
	}
	defer handle.Close()

	h := &Harness{
		handle:   handle,
		runIDs:   testutil.NewFixedRunIDGenerator(sc.RunID),
		logger:   ro.logger,
		observer: ro.observer,
		clock:    NewClock(),
	}

	result := NewResult()
	for i, p := range sc.Pipelines {
		if err := h.runPipeline(ctx, i, p, result); err != nil {
			return nil, fmt.Errorf("pipeline %d: %w", i, err)
		}
	}

	if err := h.collectState(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	for _, msg := range EvaluateAssertions(ctx, h, sc.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// scenarioSetups returns the schema callbacks and database version for a
// scenario: the CUE schema file's stores first, then the inline stores.
func scenarioSetups(sc *Scenario) ([]schema.SetupFunc, uint64, error) {
	var setups []schema.SetupFunc
	version := uint64(store.DefaultVersion)

	if sc.Schema != "" {
		f, err := schema.LoadCUE(sc.Schema)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load schema: %w", err)
		}
		setups = append(setups, f.Setup())
		version = f.Version
	}

	for _, st := range sc.Stores {
		opts := schema.Options{KeyPath: st.KeyPath, AutoIncrement: st.AutoIncrement}
		for _, idx := range st.Indexes {
			opts.Indexes = append(opts.Indexes, schema.IndexOptions{Name: idx.Name, KeyPath: idx.KeyPath})
		}
		setups = append(setups, func(up *schema.Upgrade) error {
			return schema.DefineStore(up, st.Name, opts)
		})
	}
	return setups, version, nil
}

func (h *Harness) begin(scope []string, mode pipeline.Mode) *pipeline.Pipeline {
	opts := []pipeline.Option{
		pipeline.WithRunIDGenerator(h.runIDs),
		pipeline.WithLogger(h.logger),
	}
	if h.observer != nil {
		opts = append(opts, pipeline.WithObserver(h.observer))
	}
	return pipeline.Begin(h.handle, scope, mode, opts...)
}

// Transaction lets assertions read through the harness handle.
func (h *Harness) Transaction(ctx context.Context, scope []string, mode engine.Mode) (*engine.Transaction, error) {
	return h.handle.Transaction(ctx, scope, mode)
}

// runPipeline executes one pipeline and checks its expectation.
func (h *Harness) runPipeline(ctx context.Context, i int, ps PipelineSpec, result *Result) error {
	mode, err := engine.ParseMode(ps.Mode)
	if err != nil {
		return err
	}

	p := h.begin(ps.Scope, mode)
	for j, st := range ps.Steps {
		op, ok := pipeline.ParseOp(st.Op)
		if !ok {
			return fmt.Errorf("step %d: unknown op %q", j, st.Op)
		}
		src := pipeline.Derived(func(prev any) pipeline.Descriptor {
			d := st.descriptor(prev)
			result.AddStepTrace(i, j, st.Op, d.Store, d.Index, d.Key, d.Data, h.clock.Next())
			return d
		})
		p.Then(op, src)
	}

	var runOpts []pipeline.RunOption
	if ps.InjectKey != "" {
		runOpts = append(runOpts, pipeline.InjectPrimaryKey(ps.InjectKey))
	}

	res, err := p.Run(ctx, runOpts...)
	if err != nil {
		class := ErrorClass(err)
		result.AddAbortTrace(i, class, h.clock.Next())
		h.logger.Info("scenario pipeline aborted", "pipeline", i, "class", class, "error", err)

		switch {
		case ps.Expect == nil || ps.Expect.Error == "":
			result.AddError(fmt.Sprintf("pipelines[%d]: unexpected error: %v", i, err))
		case !errorMatches(ps.Expect.Error, err):
			result.AddError(fmt.Sprintf("pipelines[%d]: expected error %s, got %s: %v", i, ps.Expect.Error, class, err))
		}
		return nil
	}

	result.AddCommitTrace(i, res, h.clock.Next())
	if ps.Expect == nil {
		return nil
	}
	if ps.Expect.Error != "" {
		result.AddError(fmt.Sprintf("pipelines[%d]: expected error %s, but the run committed", i, ps.Expect.Error))
	}
	if ps.Expect.HasResult && !valuesEqual(ps.Expect.Result, res) {
		result.AddError(fmt.Sprintf("pipelines[%d]: result mismatch\n  Expected: %s\n  Actual: %s",
			i, formatValue(ps.Expect.Result), formatValue(res)))
	}
	return nil
}

// collectState reads every store into result.State.
func (h *Harness) collectState(ctx context.Context, result *Result) error {
	infos, err := h.handle.Stores(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		// State reads are bookkeeping and stay off the observer.
		records, err := pipeline.Begin(h.handle, []string{info.Name}, pipeline.ReadOnly,
			pipeline.WithRunIDGenerator(h.runIDs),
			pipeline.WithLogger(h.logger),
		).
			GetAll(pipeline.Fixed(pipeline.Descriptor{Store: info.Name})).
			Run(ctx)
		if err != nil {
			return err
		}
		result.State[info.Name] = records
	}
	return nil
}

// ErrorClass names the kind of a pipeline error: the engine error code
// when there is one, otherwise "TransactionError" for failed runs.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	if code := engine.CodeOf(err); code != "" {
		return string(code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "ContextError"
	}
	if pipeline.IsTransactionError(err) {
		return "TransactionError"
	}
	return "Error"
}

func errorMatches(expected string, err error) bool {
	if expected == ErrorClass(err) {
		return true
	}
	return expected == "TransactionError" && pipeline.IsTransactionError(err)
}

// valuesEqual compares two values in the record model, so YAML ints and
// stored int64s compare equal.
func valuesEqual(expected, actual any) bool {
	e, err := record.MarshalCanonical(expected)
	if err != nil {
		return false
	}
	a, err := record.MarshalCanonical(actual)
	if err != nil {
		return false
	}
	return string(e) == string(a)
}

func formatValue(v any) string {
	b, err := record.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
