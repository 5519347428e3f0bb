package engine

import (
	"container/heap"
	"sync"
)

// queueItem is one admission ticket waiting for dispatch.
type queueItem struct {
	priority    int
	seq         uint64
	executionID string
}

// itemHeap orders by (priority, enqueue sequence): lower priority numbers
// dispatch first, and the sequence keeps equal priorities FIFO.
type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(queueItem)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// executionQueue is the engine's admission queue. Pop blocks until an item
// arrives or the queue is closed; multiple producers are safe, the engine
// runs a single consumer.
type executionQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	seq    uint64
	closed bool
}

func newExecutionQueue() *executionQueue {
	q := &executionQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an execution. Pushing to a closed queue is a no-op so
// late re-enqueues during shutdown cannot panic.
func (q *executionQueue) Push(priority int, executionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	heap.Push(&q.items, queueItem{priority: priority, seq: q.seq, executionID: executionID})
	q.cond.Signal()
}

// Pop blocks until an item is available and returns it. The second return
// is false once the queue is closed; remaining items are discarded because
// shutdown cancels every queued execution anyway.
func (q *executionQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return "", false
	}
	item := heap.Pop(&q.items).(queueItem)
	return item.executionID, true
}

// Len reports the current queue depth.
func (q *executionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close releases any blocked Pop.
func (q *executionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
