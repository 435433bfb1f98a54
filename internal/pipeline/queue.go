package pipeline

import "sync"

// step is one queued request: an operation and where its descriptor
// comes from.
type step struct {
	op  Op
	src Source
}

// stepQueue is a FIFO of pending steps.
//
// Chain methods enqueue while the pipeline is building; Run closes the
// queue and drains it one step at a time.
type stepQueue struct {
	mu     sync.Mutex
	steps  []step
	closed bool
}

func newStepQueue() *stepQueue {
	return &stepQueue{steps: make([]step, 0, 8)}
}

// Enqueue adds a step to the back of the queue.
// Returns false if the queue is closed.
func (q *stepQueue) Enqueue(s step) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.steps = append(q.steps, s)
	return true
}

// TryDequeue removes and returns the front step.
// Returns (step{}, false) if the queue is empty.
func (q *stepQueue) TryDequeue() (step, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.steps) == 0 {
		return step{}, false
	}

	s := q.steps[0]

	// Drop the slot's reference so a finished Derived closure and its
	// captures can be collected.
	q.steps[0] = step{}

	if len(q.steps) == 1 {
		q.steps = q.steps[:0]
	} else {
		q.steps = q.steps[1:]
	}
	return s, true
}

// Len returns the number of pending steps.
func (q *stepQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steps)
}

// Close stops further enqueues. Steps already queued remain.
func (q *stepQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
