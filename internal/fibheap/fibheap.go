// Package fibheap implements a Fibonacci heap keyed by float64 with the
// min-heap convention: the entry with the lowest key is served first.
//
// The heap provides the classic amortized bounds: Insert and DecreaseKey are
// O(1), ExtractMin is O(log n). Entries returned by Insert act as stable
// handles for DecreaseKey. The heap is not concurrency-safe; the scheduler
// serializes all access under its own lock.
package fibheap

import (
	"fmt"
	"math"
)

// Entry is a single heap node. The Value is an opaque identifier owned by the
// caller (the scheduler stores the task id here).
type Entry struct {
	Value string

	key    float64
	degree int
	marked bool

	parent *Entry
	child  *Entry
	// left/right form the circular doubly linked sibling list.
	left  *Entry
	right *Entry
}

// Key returns the entry's current key.
func (e *Entry) Key() float64 { return e.key }

// Heap is a Fibonacci heap.
type Heap struct {
	min *Entry
	n   int
}

// New creates an empty heap.
func New() *Heap {
	return &Heap{}
}

// Len returns the number of entries in the heap.
func (h *Heap) Len() int { return h.n }

// Min returns the entry with the smallest key without removing it, or nil if
// the heap is empty.
func (h *Heap) Min() *Entry { return h.min }

// Insert adds a value with the given key and returns its entry handle.
func (h *Heap) Insert(value string, key float64) *Entry {
	e := &Entry{Value: value, key: key}
	e.left = e
	e.right = e
	h.meldRoot(e)
	h.n++
	return e
}

// meldRoot splices e into the root list and updates the min pointer.
func (h *Heap) meldRoot(e *Entry) {
	if h.min == nil {
		e.left = e
		e.right = e
		h.min = e
		return
	}
	// Splice e to the right of min.
	e.left = h.min
	e.right = h.min.right
	h.min.right.left = e
	h.min.right = e
	if e.key < h.min.key {
		h.min = e
	}
}

// ExtractMin removes and returns the entry with the smallest key, or nil if
// the heap is empty.
func (h *Heap) ExtractMin() *Entry {
	z := h.min
	if z == nil {
		return nil
	}

	// Promote z's children to the root list.
	if z.child != nil {
		c := z.child
		for {
			next := c.right
			c.parent = nil
			c.left = c
			c.right = c
			h.meldRoot(c)
			if next == z.child {
				break
			}
			c = next
		}
		z.child = nil
	}

	// Remove z from the root list.
	if z.right == z {
		h.min = nil
	} else {
		z.left.right = z.right
		z.right.left = z.left
		h.min = z.right
		h.consolidate()
	}
	h.n--

	z.left = nil
	z.right = nil
	return z
}

// consolidate merges root trees of equal degree until every root has a
// distinct degree, then rebuilds the min pointer.
func (h *Heap) consolidate() {
	// Max degree is bounded by log_phi(n).
	maxDegree := int(math.Log2(float64(h.n)+1)*2) + 2
	byDegree := make([]*Entry, maxDegree)

	// Snapshot the root list: linking mutates it while we iterate.
	var roots []*Entry
	cur := h.min
	for {
		roots = append(roots, cur)
		cur = cur.right
		if cur == h.min {
			break
		}
	}

	for _, x := range roots {
		d := x.degree
		for byDegree[d] != nil {
			y := byDegree[d]
			if y.key < x.key {
				x, y = y, x
			}
			h.link(y, x)
			byDegree[d] = nil
			d++
		}
		byDegree[d] = x
	}

	// Rebuild the root list and min pointer from the degree table.
	h.min = nil
	for _, e := range byDegree {
		if e == nil {
			continue
		}
		e.left = e
		e.right = e
		h.meldRoot(e)
	}
}

// link makes y a child of x. Both must be roots and x.key <= y.key.
func (h *Heap) link(y, x *Entry) {
	// Detach y from the root list.
	y.left.right = y.right
	y.right.left = y.left

	y.parent = x
	y.marked = false
	if x.child == nil {
		y.left = y
		y.right = y
		x.child = y
	} else {
		y.left = x.child
		y.right = x.child.right
		x.child.right.left = y
		x.child.right = y
	}
	x.degree++
}

// DecreaseKey lowers an entry's key. Raising a key is not a native Fibonacci
// heap operation and is rejected with an error.
func (h *Heap) DecreaseKey(e *Entry, key float64) error {
	if key > e.key {
		return fmt.Errorf("decrease key: new key %g exceeds current key %g", key, e.key)
	}
	e.key = key
	p := e.parent
	if p != nil && e.key < p.key {
		h.cut(e, p)
		h.cascadingCut(p)
	}
	if e.key < h.min.key {
		h.min = e
	}
	return nil
}

// cut detaches e from its parent p and moves it to the root list.
func (h *Heap) cut(e, p *Entry) {
	if e.right == e {
		p.child = nil
	} else {
		e.left.right = e.right
		e.right.left = e.left
		if p.child == e {
			p.child = e.right
		}
	}
	p.degree--

	e.parent = nil
	e.marked = false
	e.left = e
	e.right = e
	h.meldRoot(e)
}

// cascadingCut walks up from a node that lost a child, cutting marked
// ancestors until it reaches an unmarked node or a root.
func (h *Heap) cascadingCut(e *Entry) {
	p := e.parent
	if p == nil {
		return
	}
	if !e.marked {
		e.marked = true
		return
	}
	h.cut(e, p)
	h.cascadingCut(p)
}
