package report

import (
	"slices"
	"sync"
)

// BoundedQueue is an ordered, capacity-limited buffer of records.
// When full, the oldest record is dropped to make room for the newest.
type BoundedQueue struct {
	mu    sync.Mutex
	items []Record
	limit int
}

// NewBoundedQueue creates a queue holding at most limit records
func NewBoundedQueue(limit int) *BoundedQueue {
	return &BoundedQueue{limit: max(limit, 0)}
}

// Enqueue appends rec to the tail and evicts from the head until the queue is
// within its limit. It returns how many records were evicted; with a limit of
// zero the new record itself is the one dropped.
func (q *BoundedQueue) Enqueue(rec Record) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, rec)
	return q.trimLocked()
}

// Snapshot returns the current contents, oldest first, without modifying the queue
func (q *BoundedQueue) Snapshot() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// RemoveSynced removes exactly the records whose IDs are given. Records that are
// not listed keep their position.
func (q *BoundedQueue) RemoveSynced(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	before := len(q.items)
	q.items = slices.DeleteFunc(q.items, func(r Record) bool {
		_, ok := set[r.ID]
		return ok
	})
	return before - len(q.items)
}

// SetLimit changes the capacity. Lowering it evicts the oldest records right away.
func (q *BoundedQueue) SetLimit(limit int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.limit = max(limit, 0)
	return q.trimLocked()
}

// Limit returns the current capacity
func (q *BoundedQueue) Limit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// Len returns the number of queued records
func (q *BoundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Room returns how many records fit before eviction starts
func (q *BoundedQueue) Room() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return max(q.limit-len(q.items), 0)
}

func (q *BoundedQueue) trimLocked() int {
	excess := len(q.items) - q.limit
	if excess <= 0 {
		return 0
	}
	q.items = slices.Delete(q.items, 0, excess)
	return excess
}
