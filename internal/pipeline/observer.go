package pipeline

import "time"

// Step and run outcomes reported to an Observer.
const (
	StatusOK    = "ok"
	StatusError = "error"

	StatusCommitted = "committed"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
)

// Observer receives timing and volume data from pipeline runs.
// Implementations must be safe for concurrent use.
type Observer interface {
	ObserveStep(op Op, status string, d time.Duration)
	ObserveRun(status string, steps int, d time.Duration)
	ObserveScan(records int)
}

type nopObserver struct{}

func (nopObserver) ObserveStep(Op, string, time.Duration) {}
func (nopObserver) ObserveRun(string, int, time.Duration) {}
func (nopObserver) ObserveScan(int) {}
