package events

import (
	"sync"

	"XCMFlow/internal/chain"
)

// queue is a bounded FIFO over raw system events. When full, the oldest
// entry is evicted so fresh events are never lost to a stalled consumer.
type queue struct {
	mu      sync.Mutex
	entries []chain.SystemEvent
	head    int
	size    int
	evicted uint64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &queue{entries: make([]chain.SystemEvent, capacity)}
}

// push appends an event and reports whether an older one was evicted.
func (q *queue) push(event chain.SystemEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	capacity := len(q.entries)
	tail := (q.head + q.size) % capacity
	q.entries[tail] = event
	if q.size < capacity {
		q.size++
		return false
	}
	// Full: the slot we just wrote was the oldest entry.
	q.head = (q.head + 1) % capacity
	q.evicted++
	return true
}

// drain removes and returns every queued event in arrival order.
func (q *queue) drain() []chain.SystemEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	out := make([]chain.SystemEvent, 0, q.size)
	for i := 0; i < q.size; i++ {
		out = append(out, q.entries[(q.head+i)%len(q.entries)])
	}
	q.head = 0
	q.size = 0
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *queue) evictions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
