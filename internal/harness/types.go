package harness

// Trace event types.
const (
	EventStep   = "step"
	EventCommit = "commit"
	EventAbort  = "abort"
)

// TraceEvent is one entry in a scenario trace: a step with its resolved
// descriptor, or the outcome of a pipeline run.
type TraceEvent struct {
	Type     string `json:"type"`
	Seq      int64  `json:"seq"`
	Pipeline int    `json:"pipeline"`
	Step     int    `json:"step,omitempty"`
	Op       string `json:"op,omitempty"`
	Store    string `json:"store,omitempty"`
	Index    string `json:"index,omitempty"`
	Key      any    `json:"key,omitempty"`
	Data     any    `json:"data,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every step and run outcome in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds the failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State maps each store to its records, in key order, after the last
	// pipeline.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace records a step as it is about to execute.
func (r *Result) AddStepTrace(pipeline, step int, op string, store, index string, key, data any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:     EventStep,
		Seq:      seq,
		Pipeline: pipeline,
		Step:     step,
		Op:       op,
		Store:    store,
		Index:    index,
		Key:      key,
		Data:     data,
	})
}

// AddCommitTrace records a committed run and its result.
func (r *Result) AddCommitTrace(pipeline int, result any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:     EventCommit,
		Seq:      seq,
		Pipeline: pipeline,
		Result:   result,
	})
}

// AddAbortTrace records an aborted run and its error class.
func (r *Result) AddAbortTrace(pipeline int, class string, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:     EventAbort,
		Seq:      seq,
		Pipeline: pipeline,
		Error:    class,
	})
}
