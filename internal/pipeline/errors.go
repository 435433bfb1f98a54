package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotBuilding is returned when steps are chained onto, or Run is called
// on, a pipeline that has already started running.
var ErrNotBuilding = errors.New("pipeline is not building")

// TransactionError reports that a pipeline's transaction did not commit.
// Err is a *StepError, a commit error, or the context's error.
type TransactionError struct {
	RunID string
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s aborted: %v", e.RunID, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// StepError reports a failed request. Index is the zero-based step number.
type StepError struct {
	Index int
	Op    Op
	Store string
	Err   error
}

func (e *StepError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("step %d (%s): %v", e.Index, e.Op, e.Err)
	}
	return fmt.Sprintf("step %d (%s %q): %v", e.Index, e.Op, e.Store, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsTransactionError reports whether err is or wraps a *TransactionError.
func IsTransactionError(err error) bool {
	var te *TransactionError
	return errors.As(err, &te)
}

// FailedStep returns the *StepError inside err, or nil.
func FailedStep(err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
