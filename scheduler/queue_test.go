package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdersByPriorityDescending(t *testing.T) {
	var q requestQueue
	q.push(&workItem{id: "low", priority: 0, seq: 1})
	q.push(&workItem{id: "high", priority: 5, seq: 2})
	q.push(&workItem{id: "mid", priority: 3, seq: 3})

	require.Equal(t, "high", q.pop().id)
	require.Equal(t, "mid", q.pop().id)
	require.Equal(t, "low", q.pop().id)
	require.Nil(t, q.pop())
}

func TestQueueFIFOWithinPriorityTier(t *testing.T) {
	var q requestQueue
	// Interleave two tiers; within each tier insertion order must hold.
	q.push(&workItem{id: "a", priority: 1, seq: 1})
	q.push(&workItem{id: "x", priority: 9, seq: 2})
	q.push(&workItem{id: "b", priority: 1, seq: 3})
	q.push(&workItem{id: "y", priority: 9, seq: 4})
	q.push(&workItem{id: "c", priority: 1, seq: 5})

	var order []string
	for it := q.pop(); it != nil; it = q.pop() {
		order = append(order, it.id)
	}
	assert.Equal(t, []string{"x", "y", "a", "b", "c"}, order)
}

func TestQueuePriorityBeatsArrivalOrder(t *testing.T) {
	var q requestQueue
	// A higher-priority item enqueued later still dequeues first.
	q.push(&workItem{id: "first-in", priority: 0, seq: 1})
	q.push(&workItem{id: "urgent", priority: 5, seq: 2})

	require.Equal(t, "urgent", q.pop().id)
	require.Equal(t, "first-in", q.pop().id)
}
