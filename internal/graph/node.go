// Package graph provides the thought-node dependency DAG at the core of the
// cogmesh scheduler. It owns the task nodes, their directed dependency edges,
// and the node status state machine. The graph rejects duplicate node IDs and
// any edge that would introduce a cycle, and answers readiness queries used
// by the scheduler to gate admission.
package graph

import (
	"fmt"
	"time"
)

// NodeType classifies a thought node.
type NodeType string

const (
	TypeQuestion      NodeType = "question"
	TypeHypothesis    NodeType = "hypothesis"
	TypeAnalysis      NodeType = "analysis"
	TypeDecomposition NodeType = "decomposition"
	TypeSynthesis     NodeType = "synthesis"
)

// Status is a node's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Final reports whether a status permits no further transitions.
// Failed is final only once the retry budget is exhausted; the graph cannot
// know the budget, so Failed nodes may still transition back to Pending and
// the orchestrator enforces the budget.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Metadata carries per-node bookkeeping that influences scheduling priority.
type Metadata struct {
	CreatedAt    time.Time `json:"created_at"`
	AttemptCount int       `json:"attempt_count"`
	Confidence   float64   `json:"confidence"`
}

// ThoughtNode is a single task in the dependency graph. Nodes are owned
// exclusively by the Graph; heap entries and announcements reference them by
// ID only. Content lives in the content store behind ContentRef.
type ThoughtNode struct {
	ID           string   `json:"id"`
	ContentRef   string   `json:"content_ref"`
	Type         NodeType `json:"type"`
	Dependencies []string `json:"dependencies,omitempty"`
	Priority     float64  `json:"priority"`
	Status       Status   `json:"status"`
	Meta         Metadata `json:"meta"`
}

// validTransition encodes the status state machine:
//
//	Pending -> Scheduled -> Processing -> {Completed | Failed}
//	Failed -> Pending            (retry, budget enforced by the caller)
//	Pending | Scheduled -> Canceled
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusScheduled || to == StatusCanceled
	case StatusScheduled:
		return to == StatusProcessing || to == StatusCanceled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// transitionError builds the error returned for an illegal status change.
func transitionError(id string, from, to Status) error {
	if from.Final() {
		return fmt.Errorf("node %s: %w: status is %s", id, ErrFinalStatus, from)
	}
	return fmt.Errorf("node %s: invalid status transition %s -> %s", id, from, to)
}
