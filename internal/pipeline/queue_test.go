package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepQueue_FIFO(t *testing.T) {
	q := newStepQueue()
	for _, store := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(step{op: OpGet, src: Fixed(Descriptor{Store: store})}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		s, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, s.src.resolve(nil).Store)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
	assert.Equal(t, 0, q.Len())
}

func TestStepQueue_ClearsDequeuedSlot(t *testing.T) {
	q := newStepQueue()
	q.Enqueue(step{op: OpGet, src: Derived(func(any) Descriptor { return Descriptor{} })})
	q.Enqueue(step{op: OpPut})

	backing := q.steps[:2]
	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.False(t, backing[0].src.IsDerived(), "dequeued slot should be zeroed")
}

func TestStepQueue_ReusesBackingArrayWhenDrained(t *testing.T) {
	q := newStepQueue()
	q.Enqueue(step{op: OpGet})
	before := cap(q.steps)

	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, before, cap(q.steps))
}

func TestStepQueue_CloseRejectsEnqueue(t *testing.T) {
	q := newStepQueue()
	q.Enqueue(step{op: OpGet})
	q.Close()

	assert.False(t, q.Enqueue(step{op: OpPut}))
	assert.Equal(t, 1, q.Len(), "queued steps survive Close")
	s, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, OpGet, s.op)
}

func TestStepQueue_ConcurrentEnqueue(t *testing.T) {
	q := newStepQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(step{op: OpGetAll})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}
