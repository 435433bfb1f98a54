package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/kvpipe/internal/engine"
)

// Mode is the transaction mode a pipeline runs in.
type Mode = engine.Mode

const (
	ReadOnly  = engine.ReadOnly
	ReadWrite = engine.ReadWrite
)

// TxSource begins engine transactions. *store.Handle satisfies it.
type TxSource interface {
	Transaction(ctx context.Context, scope []string, mode engine.Mode) (*engine.Transaction, error)
}

// State is a pipeline's lifecycle position.
type State int

const (
	Building State = iota
	Running
	Committed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Running:
		return "running"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Option configures a pipeline at Begin.
type Option func(*Pipeline)

// WithObserver reports step, run and scan measurements to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithLogger sets the logger used for run and step events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRunIDGenerator sets the source of run IDs.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(p *Pipeline) {
		if g != nil {
			p.runIDs = g
		}
	}
}

// RunOption configures a single Run.
type RunOption func(*runConfig)

type runConfig struct {
	primaryKeyField string
}

// InjectPrimaryKey makes search steps store each record's primary key
// under the property named field before collecting it. The name is used as
// is, so "meta.pk" sets a property called "meta.pk". Records that are not
// objects are collected unchanged.
func InjectPrimaryKey(field string) RunOption {
	return func(c *runConfig) {
		c.primaryKeyField = field
	}
}

// Pipeline queues requests against one transaction and runs them in order,
// feeding each step's result to the next step's Derived source.
//
// A Pipeline is built once and run once. No transaction exists until Run.
type Pipeline struct {
	db    TxSource
	scope []string
	mode  Mode

	queue    *stepQueue
	logger   *slog.Logger
	observer Observer
	runIDs   RunIDGenerator

	mu    sync.Mutex
	state State
	err   error
	steps int
}

// Begin starts building a pipeline over the named stores.
func Begin(db TxSource, storeNames []string, mode Mode, opts ...Option) *Pipeline {
	p := &Pipeline{
		db:       db,
		scope:    append([]string(nil), storeNames...),
		mode:     mode,
		queue:    newStepQueue(),
		logger:   slog.Default(),
		observer: nopObserver{},
		runIDs:   UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetAll queues a read of every record in the store, in key order.
func (p *Pipeline) GetAll(src Source) *Pipeline { return p.enqueue(OpGetAll, src) }

// Get queues a read of the record at Key. A missing record yields nil.
func (p *Pipeline) Get(src Source) *Pipeline { return p.enqueue(OpGet, src) }

// Add queues an insert of Data. The step fails if the key already exists.
func (p *Pipeline) Add(src Source) *Pipeline { return p.enqueue(OpAdd, src) }

// Put queues an insert-or-replace of Data.
func (p *Pipeline) Put(src Source) *Pipeline { return p.enqueue(OpPut, src) }

// Delete queues removal of the record at Key.
func (p *Pipeline) Delete(src Source) *Pipeline { return p.enqueue(OpDelete, src) }

// Search queues an equality scan of Index for Key. The step's result is
// the list of matching records in cursor order.
func (p *Pipeline) Search(src Source) *Pipeline { return p.enqueue(OpSearch, src) }

// Then queues a step for op. The named chain methods are shorthands for
// it. An op outside the known set fails its step when the pipeline runs.
func (p *Pipeline) Then(op Op, src Source) *Pipeline { return p.enqueue(op, src) }

func (p *Pipeline) enqueue(op Op, src Source) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Building || !p.queue.Enqueue(step{op: op, src: src}) {
		if p.err == nil {
			p.err = fmt.Errorf("%s after run: %w", op, ErrNotBuilding)
		}
		return p
	}
	p.steps++
	return p
}

// Len returns the number of steps queued and not yet executed.
func (p *Pipeline) Len() int {
	return p.queue.Len()
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the first chaining error, if steps were added after Run.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run begins the transaction, executes every queued step in order and
// commits. It returns the last step's result, or nil for an empty
// pipeline.
//
// Any failure aborts the transaction and is returned as a
// *TransactionError. Run may be called once; later calls return
// ErrNotBuilding.
func (p *Pipeline) Run(ctx context.Context, opts ...RunOption) (any, error) {
	p.mu.Lock()
	if p.state != Building {
		p.mu.Unlock()
		return nil, ErrNotBuilding
	}
	p.state = Running
	p.queue.Close()
	total := p.steps
	p.mu.Unlock()

	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}

	runID := p.runIDs.Generate()
	log := p.logger.With("run_id", runID)
	start := time.Now()

	log.Debug("pipeline run started",
		"scope", p.scope,
		"mode", p.mode.String(),
		"steps", total,
	)

	tx, err := p.db.Transaction(ctx, p.scope, p.mode)
	if err != nil {
		p.finish(log, Failed, 0, start)
		return nil, &TransactionError{RunID: runID, Err: err}
	}

	executed := 0
	finished := false
	defer func() {
		if finished {
			return
		}
		// Only reachable while a Derived source or the engine panics.
		_ = tx.Abort()
		p.finish(log, Failed, executed, start)
	}()

	r := &runner{tx: tx, rc: rc, observer: p.observer}
	var prev any
	for {
		st, ok := p.queue.TryDequeue()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			_ = tx.Abort()
			finished = true
			p.finish(log, Aborted, executed, start)
			return nil, &TransactionError{RunID: runID, Err: err}
		}

		d := st.src.resolve(prev)
		stepStart := time.Now()
		res, err := r.exec(st.op, d)
		p.observer.ObserveStep(st.op, stepStatus(err), time.Since(stepStart))
		if err != nil {
			se := &StepError{Index: executed, Op: st.op, Store: d.Store, Err: err}
			log.Warn("pipeline step failed",
				"step", executed,
				"op", st.op.String(),
				"store", d.Store,
				"error", err,
			)
			_ = tx.Abort()
			finished = true
			p.finish(log, Aborted, executed+1, start)
			return nil, &TransactionError{RunID: runID, Err: se}
		}

		log.Debug("pipeline step done", "step", executed, "op", st.op.String(), "store", d.Store)
		prev = res
		executed++
	}

	if err := tx.Commit(); err != nil {
		finished = true
		p.finish(log, Failed, executed, start)
		return nil, &TransactionError{RunID: runID, Err: fmt.Errorf("commit: %w", err)}
	}
	finished = true
	p.finish(log, Committed, executed, start)
	return prev, nil
}

func (p *Pipeline) finish(log *slog.Logger, s State, steps int, start time.Time) {
	p.setState(s)
	d := time.Since(start)
	p.observer.ObserveRun(runStatus(s), steps, d)
	log.Debug("pipeline run finished", "state", s.String(), "steps", steps, "duration", d)
}

func stepStatus(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

func runStatus(s State) string {
	switch s {
	case Committed:
		return StatusCommitted
	case Aborted:
		return StatusAborted
	}
	return StatusFailed
}

// runner executes single steps inside one transaction.
type runner struct {
	tx       *engine.Transaction
	rc       runConfig
	observer Observer
}

func (r *runner) exec(op Op, d Descriptor) (any, error) {
	if d.Store == "" {
		return nil, fmt.Errorf("descriptor has no store")
	}
	s, err := r.tx.ObjectStore(d.Store)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpGetAll:
		return s.GetAll()
	case OpGet:
		return s.Get(d.Key)
	case OpAdd:
		k, err := s.Add(d.Data, d.Key)
		if err != nil {
			return nil, err
		}
		return k.Native(), nil
	case OpPut:
		k, err := s.Put(d.Data, d.Key)
		if err != nil {
			return nil, err
		}
		return k.Native(), nil
	case OpDelete:
		return nil, s.Delete(d.Key)
	case OpSearch:
		return r.search(s, d)
	}
	return nil, fmt.Errorf("unknown op %d", int(op))
}
