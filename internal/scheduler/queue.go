package scheduler

import "github.com/cogitolabs/cogmesh/internal/fibheap"

// PriorityQueue is the minimal queue surface the scheduler needs. It exists
// so tests can substitute a fake queue; heapQueue is the production
// implementation backed by the Fibonacci heap.
type PriorityQueue interface {
	// Insert adds an id with the given key. The id must not already be
	// queued; the scheduler's tracking index enforces that.
	Insert(id string, key float64)
	// DecreaseKey lowers the key of a queued id. It reports false if the id
	// is not queued or the new key is not lower.
	DecreaseKey(id string, key float64) bool
	// Key returns the current key for a queued id.
	Key(id string) (float64, bool)
	// ExtractMin removes and returns the id with the lowest key.
	ExtractMin() (string, bool)
	// Len returns the number of queued ids.
	Len() int
}

// heapQueue adapts fibheap.Heap to PriorityQueue, keeping the id -> entry
// handle index that decrease-key requires.
type heapQueue struct {
	heap    *fibheap.Heap
	entries map[string]*fibheap.Entry
}

// NewQueue returns a Fibonacci-heap-backed priority queue.
func NewQueue() PriorityQueue {
	return &heapQueue{
		heap:    fibheap.New(),
		entries: make(map[string]*fibheap.Entry),
	}
}

func (q *heapQueue) Insert(id string, key float64) {
	q.entries[id] = q.heap.Insert(id, key)
}

func (q *heapQueue) DecreaseKey(id string, key float64) bool {
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	if key >= e.Key() {
		return false
	}
	if err := q.heap.DecreaseKey(e, key); err != nil {
		return false
	}
	return true
}

func (q *heapQueue) Key(id string) (float64, bool) {
	e, ok := q.entries[id]
	if !ok {
		return 0, false
	}
	return e.Key(), true
}

func (q *heapQueue) ExtractMin() (string, bool) {
	e := q.heap.ExtractMin()
	if e == nil {
		return "", false
	}
	delete(q.entries, e.Value)
	return e.Value, true
}

func (q *heapQueue) Len() int { return q.heap.Len() }
