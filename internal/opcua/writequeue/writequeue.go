// Package writequeue implements the bounded write-failure retry queue
// (spec C2): a FIFO ring buffer of pending property writes that drops the
// oldest entry on overflow and counts drops.
package writequeue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
)

// Queue is a bounded FIFO of model.PendingWriteEntry. Enqueue is safe for
// concurrent callers; the flush gate upstream (§5 "Write flush gate") is
// what makes DequeueAll single-writer in practice — concurrent observers
// only ever see a point-in-time reading via Len/IsEmpty, never a length
// guarantee.
type Queue struct {
	mu       sync.Mutex
	entries  []model.PendingWriteEntry
	capacity int
	dropped  atomic.Uint64
}

// New builds a queue with the given capacity. A capacity of 0 disables the
// queue: every enqueue is an immediate drop (matches write_queue_size=0).
func New(capacity int) *Queue {
	return &Queue{capacity: capacity, entries: make([]model.PendingWriteEntry, 0, capacity)}
}

// Enqueue appends a single change, evicting the oldest entry if the queue is
// at capacity.
func (q *Queue) Enqueue(change model.WriteChange) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(change)
}

// EnqueueBatch appends changes in order, preserving FIFO ordering across the
// batch the same way a sequence of individual Enqueue calls would.
func (q *Queue) EnqueueBatch(changes []model.WriteChange) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range changes {
		q.pushLocked(c)
	}
}

func (q *Queue) pushLocked(change model.WriteChange) {
	if q.capacity == 0 {
		q.dropped.Add(1)
		return
	}
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.dropped.Add(1)
	}
	q.entries = append(q.entries, model.PendingWriteEntry{WriteChange: change, EnqueuedAt: time.Now()})
}

// DequeueAll removes and returns every entry currently queued, oldest first.
// Intended to be called under the external flush gate.
func (q *Queue) DequeueAll() []model.PendingWriteEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	out := q.entries
	q.entries = make([]model.PendingWriteEntry, 0, q.capacity)
	return out
}

// IsEmpty reports whether the queue currently holds no entries.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

// DroppedCount returns the cumulative number of entries dropped by overflow.
func (q *Queue) DroppedCount() uint64 { return q.dropped.Load() }

// Len returns a point-in-time snapshot length; callers must not treat it as
// an atomicity guarantee against concurrent Enqueue/DequeueAll calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
