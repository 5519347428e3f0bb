package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePopsByPriorityThenFIFO(t *testing.T) {
	q := newExecutionQueue()
	q.Push(3, "low-1")
	q.Push(1, "urgent")
	q.Push(3, "low-2")
	q.Push(2, "mid")

	want := []string{"urgent", "mid", "low-1", "low-2"}
	for _, expected := range want {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, expected, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueFIFOWithinSamePriority(t *testing.T) {
	q := newExecutionQueue()
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		q.Push(2, id)
	}
	for _, expected := range ids {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, expected, got)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newExecutionQueue()
	got := make(chan string, 1)
	go func() {
		id, ok := q.Pop()
		if ok {
			got <- id
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(1, "late")

	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestQueueCloseReleasesBlockedPop(t *testing.T) {
	q := newExecutionQueue()
	released := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		released <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-released:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after Close")
	}

	// Post-close operations are inert.
	q.Push(1, "ignored")
	_, ok := q.Pop()
	assert.False(t, ok)
}
