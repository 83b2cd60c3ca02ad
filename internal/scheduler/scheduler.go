// Package scheduler admits thought nodes into a priority queue once their
// dependencies are satisfied. It owns the queue tracking index and the
// pending set; the dependency graph owns the nodes themselves.
//
// Invariant: a node id appears in at most one of {queue, pending set} at any
// time, and the tracking index mirrors queue membership exactly.
package scheduler

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cogitolabs/cogmesh/internal/graph"
)

// Graph is the dependency-graph surface the scheduler consumes. *graph.Graph
// satisfies it; tests may substitute a fake. Status and Attempts exist
// because Node returns a shared pointer whose mutable fields must only be
// read under the graph's lock.
type Graph interface {
	Node(id string) (*graph.ThoughtNode, error)
	Status(id string) (graph.Status, error)
	Attempts(id string) (int, error)
	IsReady(id string) bool
	Successors(id string) []string
	Transition(id string, to graph.Status) error
}

// Config tunes a Scheduler. Zero values select the defaults.
type Config struct {
	Policy Policy
	// Queue overrides the Fibonacci-heap queue; used by tests.
	Queue PriorityQueue
	// Now overrides the wall clock; used by tests to pin wait-time bonuses.
	Now func() time.Time
}

// Scheduler orders ready nodes by composite priority. All methods are safe
// for concurrent use; mutations are serialized under one mutex because the
// heap and tracking index are not concurrently mutable.
type Scheduler struct {
	mu      sync.Mutex
	graph   Graph
	queue   PriorityQueue
	policy  Policy
	now     func() time.Time
	pending map[string]struct{}
}

// New creates a scheduler over the given dependency graph.
func New(g Graph, cfg Config) *Scheduler {
	if cfg.Queue == nil {
		cfg.Queue = NewQueue()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	return &Scheduler{
		graph:   g,
		queue:   cfg.Queue,
		policy:  cfg.Policy,
		now:     cfg.Now,
		pending: make(map[string]struct{}),
	}
}

// AddTask submits a node for scheduling. Duplicate submissions of a tracked
// or pending id are silently ignored. A node whose dependencies are not yet
// completed goes to the pending set and keeps status Pending; a ready node is
// keyed, queued, and marked Scheduled.
func (s *Scheduler) AddTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admit(id)
}

// admit performs the shared admission path for AddTask and ReschedulePending.
// Caller must hold the lock.
func (s *Scheduler) admit(id string) error {
	if _, ok := s.queue.Key(id); ok {
		return nil // already queued
	}
	if _, ok := s.pending[id]; ok {
		return nil // already waiting on dependencies
	}

	node, err := s.graph.Node(id)
	if err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	status, err := s.graph.Status(id)
	if err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	if status != graph.StatusPending {
		// Processing, terminal, or already scheduled elsewhere: nothing to do.
		return nil
	}

	if !s.graph.IsReady(id) {
		s.pending[id] = struct{}{}
		return nil
	}

	key := s.keyFor(node)
	if err := s.graph.Transition(id, graph.StatusScheduled); err != nil {
		return fmt.Errorf("add task %s: %w", id, err)
	}
	s.queue.Insert(id, key)
	return nil
}

// keyFor computes the composite priority key for a node. Priority, CreatedAt,
// and Confidence are immutable after creation; the attempt count is not and
// is read through the graph.
func (s *Scheduler) keyFor(n *graph.ThoughtNode) float64 {
	age := s.now().Sub(n.Meta.CreatedAt)
	if age < 0 {
		age = 0
	}
	attempts, err := s.graph.Attempts(n.ID)
	if err != nil {
		attempts = 0
	}
	return s.policy.Key(n.Priority, len(s.graph.Successors(n.ID)), age, n.Meta.Confidence, attempts)
}

// NextTask extracts the lowest-key scheduled node, marks it Processing, and
// returns it. It returns nil when the queue is empty. Nodes canceled while
// queued are discarded lazily here.
func (s *Scheduler) NextTask() *graph.ThoughtNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		id, ok := s.queue.ExtractMin()
		if !ok {
			return nil
		}
		status, err := s.graph.Status(id)
		if err != nil {
			// Removed from the graph while queued; drop the stale entry.
			continue
		}
		if status != graph.StatusScheduled {
			// Canceled (or otherwise moved on) while queued.
			continue
		}
		if err := s.graph.Transition(id, graph.StatusProcessing); err != nil {
			log.Printf("[scheduler] transition %s to processing: %v", id, err)
			continue
		}
		node, err := s.graph.Node(id)
		if err != nil {
			continue
		}
		return node
	}
}

// UpdatePriority lowers a queued node's key in place. Raising a key is a
// documented no-op: the Fibonacci heap only supports decrease-key natively,
// and no caller needs in-place increases.
func (s *Scheduler) UpdatePriority(id string, key float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.queue.Key(id)
	if !ok {
		return
	}
	if key >= cur {
		log.Printf("[scheduler] update priority %s: %g >= current %g, ignoring (increase unsupported)", id, key, cur)
		return
	}
	s.queue.DecreaseKey(id, key)
}

// ReschedulePending re-evaluates every pending node. Nodes that no longer
// exist in the graph are dropped; nodes whose dependencies have all completed
// are admitted to the queue.
func (s *Scheduler) ReschedulePending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.pending {
		if _, err := s.graph.Node(id); err != nil {
			delete(s.pending, id)
			continue
		}
		if !s.graph.IsReady(id) {
			continue
		}
		delete(s.pending, id)
		if err := s.admit(id); err != nil {
			log.Printf("[scheduler] reschedule %s: %v", id, err)
		}
	}
}

// Drop removes a node from the pending set, if present. Queued entries are
// invalidated lazily by NextTask once the node's status leaves Scheduled.
func (s *Scheduler) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Tracked reports whether the id is queued or pending.
func (s *Scheduler) Tracked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue.Key(id); ok {
		return true
	}
	_, ok := s.pending[id]
	return ok
}

// QueueLen returns the number of queued (ready, scheduled) nodes.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// PendingLen returns the number of nodes waiting on dependencies.
func (s *Scheduler) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
