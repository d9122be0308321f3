// Package queue implements the scheduler's priority queue and the
// background monitor that expands accepted plans into allocation
// requests (spec.md §4.2).
package queue

import (
	"sort"
	"sync"

	"github.com/fenwicklabs/testkiln/pkg/types"
)

// Filter reports whether a request's requirement shape is currently
// satisfiable, used by PopReady to avoid head-of-line blocking from an
// unsatisfiable top entry (spec.md §4.2).
type Filter func(req *types.AllocationRequest) bool

// MatchAny builds a Filter from the set of currently-available
// requirement shapes reported by the resource manager.
func MatchAny(shapes map[string]struct{}, shapeOf func(types.HardwareRequirements) string) Filter {
	return func(req *types.AllocationRequest) bool {
		_, ok := shapes[shapeOf(req.Requirements)]
		return ok
	}
}

// PriorityQueue is a single-writer/multi-reader ordered multiset of
// AllocationRequests. Ordering key is (-priority, submitted_at,
// insertion_seq): strict priority, then FIFO within equal priority,
// then a deterministic tiebreak.
type PriorityQueue struct {
	mu      sync.Mutex
	items   []*types.AllocationRequest
	nextSeq uint64
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Push enqueues a request, assigning it the next insertion sequence if
// it doesn't already carry one (re-queued requests keep their original
// SubmittedAt and InsertionSeq so FIFO position is preserved).
func (q *PriorityQueue) Push(req *types.AllocationRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.InsertionSeq == 0 {
		q.nextSeq++
		req.InsertionSeq = q.nextSeq
	} else if req.InsertionSeq > q.nextSeq {
		q.nextSeq = req.InsertionSeq
	}
	q.items = append(q.items, req)
}

// less implements the queue's total order: higher priority first, then
// earlier submission, then lower insertion sequence.
func less(a, b *types.AllocationRequest) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.InsertionSeq < b.InsertionSeq
}

// PopReady removes and returns the highest-priority, earliest-FIFO
// request for which filter returns true. Returns nil if no request in
// the queue currently satisfies filter.
func (q *PriorityQueue) PopReady(filter Filter) *types.AllocationRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, it := range q.items {
		if !filter(it) {
			continue
		}
		if best == -1 || less(it, q.items[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	req := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return req
}

// PeekNext returns (without removing) the highest-priority request
// currently in the queue, ignoring satisfiability.
func (q *PriorityQueue) PeekNext() *types.AllocationRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(q.items); i++ {
		if less(q.items[i], q.items[best]) {
			best = i
		}
	}
	return q.items[best]
}

// Cancel removes a pending request by test ID. Returns true if a
// request was found and removed.
func (q *PriorityQueue) Cancel(testID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.TestID == testID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of requests currently queued.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a priority-ordered copy of the queue's contents, for
// diagnostics and tests.
func (q *PriorityQueue) Snapshot() []*types.AllocationRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.AllocationRequest, len(q.items))
	copy(out, q.items)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
