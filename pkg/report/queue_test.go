package report

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(title string) Record {
	return NewRecord(title, "", time.Unix(0, 0), nil)
}

func titles(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Title
	}
	return out
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestBoundedQueue_NeverExceedsLimit(t *testing.T) {
	for limit := 0; limit <= 5; limit++ {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			q := NewBoundedQueue(limit)
			for i := 0; i < 20; i++ {
				q.Enqueue(rec(fmt.Sprintf("r%d", i)))
				require.LessOrEqual(t, q.Len(), limit)
			}
			assert.Equal(t, limit, q.Len())
		})
	}
}

func TestBoundedQueue_EvictsOldest(t *testing.T) {
	q := NewBoundedQueue(3)

	for _, title := range []string{"A", "B", "C"} {
		require.Equal(t, 0, q.Enqueue(rec(title)))
	}
	require.Equal(t, 1, q.Enqueue(rec("D")))

	assert.Equal(t, []string{"B", "C", "D"}, titles(q.Snapshot()))
}

func TestBoundedQueue_ZeroLimit(t *testing.T) {
	q := NewBoundedQueue(0)

	assert.Equal(t, 1, q.Enqueue(rec("A")))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Snapshot())
}

func TestBoundedQueue_NegativeLimitClamped(t *testing.T) {
	q := NewBoundedQueue(-4)

	assert.Equal(t, 0, q.Limit())
	q.Enqueue(rec("A"))
	assert.Equal(t, 0, q.Len())
}

func TestBoundedQueue_SnapshotDoesNotMutate(t *testing.T) {
	q := NewBoundedQueue(5)
	q.Enqueue(rec("A"))
	q.Enqueue(rec("B"))

	snap := q.Snapshot()
	snap[0].Title = "changed"
	snap = append(snap, rec("C"))

	assert.Equal(t, []string{"A", "B"}, titles(q.Snapshot()))
	assert.Len(t, snap, 3)
}

func TestBoundedQueue_RemoveSyncedKeepsLaterRecords(t *testing.T) {
	q := NewBoundedQueue(5)
	q.Enqueue(rec("A"))
	q.Enqueue(rec("B"))

	snap := q.Snapshot()
	q.Enqueue(rec("C"))
	q.Enqueue(rec("D"))

	removed := q.RemoveSynced(ids(snap))

	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"C", "D"}, titles(q.Snapshot()))
}

func TestBoundedQueue_RemoveSyncedIgnoresEvicted(t *testing.T) {
	q := NewBoundedQueue(2)
	q.Enqueue(rec("A"))
	q.Enqueue(rec("B"))

	snap := q.Snapshot()

	// A is evicted while the snapshot is in flight
	q.Enqueue(rec("C"))

	removed := q.RemoveSynced(ids(snap))

	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"C"}, titles(q.Snapshot()))
}

func TestBoundedQueue_RemoveSyncedEmpty(t *testing.T) {
	q := NewBoundedQueue(2)
	q.Enqueue(rec("A"))

	assert.Equal(t, 0, q.RemoveSynced(nil))
	assert.Equal(t, 1, q.Len())
}

func TestBoundedQueue_SetLimit(t *testing.T) {
	q := NewBoundedQueue(5)
	for _, title := range []string{"A", "B", "C", "D"} {
		q.Enqueue(rec(title))
	}

	evicted := q.SetLimit(2)

	assert.Equal(t, 2, evicted)
	assert.Equal(t, []string{"C", "D"}, titles(q.Snapshot()))

	// Raising the limit keeps everything
	assert.Equal(t, 0, q.SetLimit(10))
	assert.Equal(t, 8, q.Room())
}

func TestBoundedQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewBoundedQueue(10)

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(rec(fmt.Sprintf("g%d-%d", g, i)))
				_ = q.Snapshot()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 10, q.Len())
}
