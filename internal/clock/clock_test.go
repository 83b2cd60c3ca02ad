package clock

import "testing"

func TestTickMonotonic(t *testing.T) {
	c := New()
	if got := c.Counter("p1"); got != 0 {
		t.Fatalf("fresh counter = %d, want 0", got)
	}

	prev := uint64(0)
	for i := 0; i < 10; i++ {
		n := c.Tick("p1")
		if n <= prev {
			t.Fatalf("tick %d: counter %d not strictly greater than %d", i, n, prev)
		}
		prev = n
	}
	if c.Counter("p1") != 10 {
		t.Fatalf("counter = %d, want 10", c.Counter("p1"))
	}
}

func TestHeadDeterministic(t *testing.T) {
	a := New()
	b := New()
	// Build the same state through different tick orders.
	a.Tick("p1")
	a.Tick("p1")
	a.Tick("p2")
	b.Tick("p2")
	b.Tick("p1")
	b.Tick("p1")

	if a.Head() != b.Head() {
		t.Fatal("same counter map must yield the same head")
	}
	if a.Head() == New().Head() {
		t.Fatal("non-empty clock must not share the empty clock's head")
	}
}

func TestHeadChangesOnTick(t *testing.T) {
	c := New()
	h0 := c.Head()
	c.Tick("p1")
	if c.Head() == h0 {
		t.Fatal("head unchanged after tick")
	}
}

// Scenario: {} -> tick p1 -> {p1:1} -> tick p1 -> {p1:2} -> merge {p2:1} ->
// {p1:2, p2:1}; merging the same input again is a no-op.
func TestMergeConvergence(t *testing.T) {
	c := New()
	c.Tick("p1")
	c.Tick("p1")
	c.Merge(map[string]uint64{"p2": 1})

	snap := c.Snapshot()
	if snap["p1"] != 2 || snap["p2"] != 1 || len(snap) != 2 {
		t.Fatalf("snapshot = %v, want {p1:2 p2:1}", snap)
	}

	before := c.Head()
	c.Merge(map[string]uint64{"p2": 1})
	if c.Head() != before {
		t.Fatal("idempotent merge changed the head")
	}
}

func TestMergeCommutative(t *testing.T) {
	x := map[string]uint64{"p1": 3, "p2": 1}
	y := map[string]uint64{"p2": 5, "p3": 2}

	a := New()
	a.Merge(x)
	a.Merge(y)

	b := New()
	b.Merge(y)
	b.Merge(x)

	if a.Head() != b.Head() {
		t.Fatal("merge must be commutative")
	}
	snap := a.Snapshot()
	if snap["p1"] != 3 || snap["p2"] != 5 || snap["p3"] != 2 {
		t.Fatalf("snapshot = %v, want element-wise max", snap)
	}
}

// A merge never lowers a counter, even from a stale snapshot.
func TestMergeNeverRegresses(t *testing.T) {
	c := New()
	c.Tick("p1")
	c.Tick("p1")
	c.MergeFrom("p1", map[string]uint64{"p1": 1})
	if c.Counter("p1") != 2 {
		t.Fatalf("counter regressed to %d, want 2", c.Counter("p1"))
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	c := New()
	c.Tick("p1")
	snap := c.Snapshot()
	snap["p1"] = 99
	if c.Counter("p1") != 1 {
		t.Fatal("mutating a snapshot must not affect the clock")
	}
}
