// Copyright 2025 James Ross

// Package kv implements the paged key/value cache: a fixed-capacity global
// pool of reference-counted pages and a per-request page table mapping
// logical positions to page ids. The allocator design (slot slice + free
// list + refcounts protected by a single guard) follows the same shape as a
// model loader's slot/reference/allocation bookkeeping, adapted here to
// token pages instead of whole backend runners.
package kv

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned when no free page remains in the pool.
var ErrPoolExhausted = errors.New("kv: page pool exhausted")

// PageID identifies one page in the global pool.
type PageID uint32

// Pool is the global page pool. Allocation and release are O(1) and
// protected by a single mutex; the critical section never does more than a
// free-list pop/push, so it never blocks a batcher iteration for more than
// that single operation.
type Pool struct {
	mu       sync.Mutex
	capacity int // tokens per page
	free     []PageID
	refcount []uint32 // indexed by PageID
}

// NewPool builds a pool with totalPages pages, each holding capacity tokens.
func NewPool(totalPages, capacity int) *Pool {
	p := &Pool{
		capacity: capacity,
		free:     make([]PageID, totalPages),
		refcount: make([]uint32, totalPages),
	}
	for i := 0; i < totalPages; i++ {
		p.free[i] = PageID(i)
	}
	return p
}

// Capacity returns the fixed token capacity of every page (16 by default).
func (p *Pool) Capacity() int { return p.capacity }

// Free returns the number of pages currently on the free list.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Alloc pops a page off the free list with refcount 1.
func (p *Pool) Alloc() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return 0, ErrPoolExhausted
	}
	id := p.free[n-1]
	p.free = p.free[:n-1]
	p.refcount[id] = 1
	return id, nil
}

// Retain increments a page's refcount, for sharing across prefix caches.
func (p *Pool) Retain(id PageID) {
	p.mu.Lock()
	p.refcount[id]++
	p.mu.Unlock()
}

// Release decrements a page's refcount; the page returns to the free list
// iff the refcount drops to zero.
func (p *Pool) Release(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refcount[id] == 0 {
		return
	}
	p.refcount[id]--
	if p.refcount[id] == 0 {
		p.free = append(p.free, id)
	}
}

// Table is a per-request page table: an ordered, contiguous list of pages
// covering the request's logical key/value positions.
type Table struct {
	pool        *Pool
	pages       []PageID
	logicalLen  int // number of valid token positions across all pages
}

// NewTable builds an empty page table bound to pool.
func NewTable(pool *Pool) *Table {
	return &Table{pool: pool}
}

// Reserve allocates enough new pages to hold tokens additional logical
// positions starting from the table's current length. On partial failure,
// already-allocated pages in this call are released before returning the
// error, leaving the table unchanged.
func (t *Table) Reserve(tokens int) error {
	if tokens <= 0 {
		return nil
	}
	cap := t.pool.Capacity()
	have := len(t.pages)*cap - t.logicalLen // free slots in the last page, if any
	need := tokens - have
	if need <= 0 {
		t.logicalLen += tokens
		return nil
	}
	pagesNeeded := (need + cap - 1) / cap
	allocated := make([]PageID, 0, pagesNeeded)
	for i := 0; i < pagesNeeded; i++ {
		id, err := t.pool.Alloc()
		if err != nil {
			for _, a := range allocated {
				t.pool.Release(a)
			}
			return err
		}
		allocated = append(allocated, id)
	}
	t.pages = append(t.pages, allocated...)
	t.logicalLen += tokens
	return nil
}

// Advance records the allocation of one more decode position; it allocates a
// new page exactly when the logical length would cross a page boundary.
func (t *Table) Advance() error {
	cap := t.pool.Capacity()
	if t.logicalLen%cap == 0 {
		id, err := t.pool.Alloc()
		if err != nil {
			return err
		}
		t.pages = append(t.pages, id)
	}
	t.logicalLen++
	return nil
}

// Len reports the table's current logical length.
func (t *Table) Len() int { return t.logicalLen }

// Pages returns the ordered list of page ids backing this table.
func (t *Table) Pages() []PageID {
	out := make([]PageID, len(t.pages))
	copy(out, t.pages)
	return out
}

// Release returns every page in the table to the pool (decrementing
// refcounts) and empties the table. Called when a request reaches a
// terminal state.
func (t *Table) Release() {
	for _, id := range t.pages {
		t.pool.Release(id)
	}
	t.pages = nil
	t.logicalLen = 0
}
