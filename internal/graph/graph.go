package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors surfaced by graph operations. Callers match them with
// errors.Is.
var (
	ErrDuplicateNode   = errors.New("duplicate node id")
	ErrNodeNotFound    = errors.New("node not found")
	ErrDependencyCycle = errors.New("edge would create a dependency cycle")
	ErrFinalStatus     = errors.New("node status is final")
)

// Graph is the dependency DAG. All operations are concurrency-safe, but the
// scheduler serializes status mutations: the graph guards its own maps, it
// does not arbitrate between writers.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*ThoughtNode
	// succ[a] holds the nodes that depend on a; pred[b] holds b's
	// dependencies. Both maps are maintained incrementally by AddEdge.
	succ map[string]map[string]struct{}
	pred map[string]map[string]struct{}
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*ThoughtNode),
		succ:  make(map[string]map[string]struct{}),
		pred:  make(map[string]map[string]struct{}),
	}
}

// AddNode registers a node and wires edges for its declared dependencies.
// Every declared dependency must already exist; the whole call fails without
// side effects otherwise. A zero CreatedAt or empty Status is filled in with
// defaults by the caller, not here; the graph stores what it is given.
func (g *Graph) AddNode(n *ThoughtNode) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("add node: missing id")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("add node %s: %w", n.ID, ErrDuplicateNode)
	}
	for _, dep := range n.Dependencies {
		if _, ok := g.nodes[dep]; !ok {
			return fmt.Errorf("add node %s: dependency %s: %w", n.ID, dep, ErrNodeNotFound)
		}
	}

	g.nodes[n.ID] = n
	g.succ[n.ID] = make(map[string]struct{})
	g.pred[n.ID] = make(map[string]struct{})
	for _, dep := range n.Dependencies {
		g.succ[dep][n.ID] = struct{}{}
		g.pred[n.ID][dep] = struct{}{}
	}
	return nil
}

// AddEdge records that `to` depends on `from`. The edge is rejected if either
// endpoint is unknown, if it is self-referential, or if `from` is reachable
// from `to` (which would close a cycle). The reachability check runs before
// any mutation.
func (g *Graph) AddEdge(from, to string) error {
	if from == to {
		return fmt.Errorf("add edge %s -> %s: %w", from, to, ErrDependencyCycle)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("add edge: source %s: %w", from, ErrNodeNotFound)
	}
	toNode, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("add edge: destination %s: %w", to, ErrNodeNotFound)
	}
	if _, ok := g.succ[from][to]; ok {
		return nil // edge already present
	}
	if g.reachable(to, from) {
		return fmt.Errorf("add edge %s -> %s: %w", from, to, ErrDependencyCycle)
	}

	g.succ[from][to] = struct{}{}
	g.pred[to][from] = struct{}{}
	toNode.Dependencies = append(toNode.Dependencies, from)
	return nil
}

// reachable reports whether `target` can be reached from `start` by following
// successor edges. Caller must hold the lock.
func (g *Graph) reachable(start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.succ[cur] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Node returns the node with the given id. The returned pointer is shared:
// Status and Meta.AttemptCount change concurrently, so callers read them
// through Status and Attempts rather than off the struct.
func (g *Graph) Node(id string) (*ThoughtNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return n, nil
}

// Status returns a node's current status under the graph lock.
func (g *Graph) Status(id string) (Status, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return "", fmt.Errorf("status %s: %w", id, ErrNodeNotFound)
	}
	return n.Status, nil
}

// Attempts returns a node's attempt count under the graph lock.
func (g *Graph) Attempts(id string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return 0, fmt.Errorf("attempts %s: %w", id, ErrNodeNotFound)
	}
	return n.Meta.AttemptCount, nil
}

// IncrementAttempts adds one execution attempt to a node and returns the new
// count. Attempt bookkeeping lives under the graph lock so readers never see
// a torn update against a concurrent status transition.
func (g *Graph) IncrementAttempts(id string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return 0, fmt.Errorf("increment attempts %s: %w", id, ErrNodeNotFound)
	}
	n.Meta.AttemptCount++
	return n.Meta.AttemptCount, nil
}

// Successors returns the ids of nodes that depend on id, sorted for
// deterministic iteration.
func (g *Graph) Successors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.succ[id])
}

// Predecessors returns the ids of nodes that id depends on, sorted.
func (g *Graph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.pred[id])
}

// IsReady reports whether every dependency of id has completed. Unknown ids
// are never ready.
func (g *Graph) IsReady(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	for dep := range g.pred[id] {
		n, ok := g.nodes[dep]
		if !ok || n.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Transition moves a node to a new status, enforcing the state machine.
func (g *Graph) Transition(id string, to Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("transition %s: %w", id, ErrNodeNotFound)
	}
	if !validTransition(n.Status, to) {
		return transitionError(id, n.Status, to)
	}
	n.Status = to
	return nil
}

// Remove deletes a node and all edges touching it. Nodes are removed only on
// explicit cancellation or garbage collection, never implicitly.
func (g *Graph) Remove(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNodeNotFound)
	}
	for dep := range g.pred[id] {
		delete(g.succ[dep], id)
	}
	for dependent := range g.succ[id] {
		delete(g.pred[dependent], id)
	}
	delete(g.nodes, id)
	delete(g.succ, id)
	delete(g.pred, id)
	return nil
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
