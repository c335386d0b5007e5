// Copyright 2025 James Ross

// Package rqueue implements the bounded priority request queue owned by each
// model's continuous batcher. There is no cross-model scheduler; fairness
// across models is structural, via one queue and one batcher per model.
package rqueue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Enqueue when the queue is at its configured cap.
var ErrFull = errors.New("rqueue: queue full")

// Entry is one queued request.
type Entry struct {
	RequestID  uint64
	Priority   int // higher is more urgent
	EnqueueTime time.Time
	Deadline   time.Time // zero means no deadline
	index      int       // heap bookkeeping
}

// Queue is a bounded binary-heap priority queue, safe for concurrent callers.
// Cancellation is tracked out-of-band (the caller's Request.Cancelled) so the
// heap never mutates an entry once pushed except for its heap index.
type Queue struct {
	mu          sync.Mutex
	cap         int
	items       priorityHeap
	isCancelled func(requestID uint64) bool
}

// New builds a queue with the given capacity. isCancelled is consulted by
// DequeueReady to skip entries whose owning request has been cancelled.
func New(capacity int, isCancelled func(requestID uint64) bool) *Queue {
	return &Queue{cap: capacity, isCancelled: isCancelled}
}

// Enqueue adds an entry, O(log n). Fails with ErrFull at capacity; the
// admission gate's own queue-depth reservation should make this unreachable
// in practice.
func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return ErrFull
	}
	heap.Push(&q.items, e)
	return nil
}

// DequeueReady pops the highest-priority entry whose request has not been
// cancelled. Entries found cancelled are discarded (the caller is
// responsible for running their release guards) and the next candidate is
// considered, so this can pop more than one heap entry per call.
func (q *Queue) DequeueReady() (Entry, bool, []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var discarded []Entry
	for len(q.items) > 0 {
		e := heap.Pop(&q.items).(Entry)
		if q.isCancelled != nil && q.isCancelled(e.RequestID) {
			discarded = append(discarded, e)
			continue
		}
		return e, true, discarded
	}
	return Entry{}, false, discarded
}

// Contains does an O(n) scan for requestID, acceptable under the configured
// cap (256). The cancel flag itself lives on the Request, not the queue;
// Contains answers "is request X still queued" without waiting for a dequeue
// pass.
func (q *Queue) Contains(requestID uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.items {
		if e.RequestID == requestID {
			return true
		}
	}
	return false
}

// Snapshot reports depth and the oldest enqueue time, for health and metrics.
func (q *Queue) Snapshot() (depth int, oldest time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth = len(q.items)
	for _, e := range q.items {
		if oldest.IsZero() || e.EnqueueTime.Before(oldest) {
			oldest = e.EnqueueTime
		}
	}
	return depth, oldest
}

// priorityHeap implements container/heap.Interface; higher Priority pops
// first, ties break FIFO on EnqueueTime.
type priorityHeap []Entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueueTime.Before(h[j].EnqueueTime)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	e := x.(Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
