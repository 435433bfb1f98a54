package harness

import "sync/atomic"

// Clock orders a scenario's trace. Step, commit and abort events are stamped
// from one counter shared by every pipeline in the scenario, so the trace
// reads in execution order and golden files do not depend on wall time.
type Clock struct {
	last atomic.Int64
}

// NewClock returns a clock for one scenario run. The first stamp is 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the stamp for the event being recorded.
func (c *Clock) Next() int64 {
	return c.last.Add(1)
}

// Current reports how many events have been stamped.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
