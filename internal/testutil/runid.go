package testutil

import (
	"fmt"
	"sync"
)

// FixedRunIDGenerator returns the same run ID every time.
//
// Golden traces embed run IDs, so scenarios use a fixed ID to stay
// byte-identical across runs. FixedRunIDGenerator is safe for concurrent use.
type FixedRunIDGenerator struct {
	id string
}

// NewFixedRunIDGenerator creates a fixed run ID generator.
// If id is empty, Generate returns "test-run-default".
func NewFixedRunIDGenerator(id string) *FixedRunIDGenerator {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedRunIDGenerator{id: id}
}

// Generate returns the fixed run ID.
func (g *FixedRunIDGenerator) Generate() string {
	return g.id
}

// SequenceRunIDGenerator returns "run-1", "run-2", ... and can be reset so
// the same scenario can be replayed with identical IDs.
//
// Thread-safety: all methods are safe for concurrent use.
type SequenceRunIDGenerator struct {
	mu  sync.Mutex
	seq int64
}

// NewSequenceRunIDGenerator creates a generator whose first ID is "run-1".
func NewSequenceRunIDGenerator() *SequenceRunIDGenerator {
	return &SequenceRunIDGenerator{}
}

// Generate returns the next run ID.
func (g *SequenceRunIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("run-%d", g.seq)
}

// Reset restarts the sequence at "run-1".
func (g *SequenceRunIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
