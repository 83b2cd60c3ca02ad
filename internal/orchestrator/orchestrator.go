// Package orchestrator runs the scheduling loop: extract the next ready
// node, decide local versus distributed execution, invoke the executor or
// announce the task to the mesh, and re-admit dependents when work
// completes. All collaborators are constructor-injected so independent
// orchestrators can coexist in one process.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogitolabs/cogmesh/internal/clock"
	"github.com/cogitolabs/cogmesh/internal/contentstore"
	"github.com/cogitolabs/cogmesh/internal/coord"
	"github.com/cogitolabs/cogmesh/internal/events"
	"github.com/cogitolabs/cogmesh/internal/graph"
	"github.com/cogitolabs/cogmesh/internal/resolve"
	"github.com/cogitolabs/cogmesh/internal/scheduler"
	"github.com/cogitolabs/cogmesh/internal/storage"
)

// TaskExecutor performs the actual work of a node. The orchestrator has no
// knowledge of what execution entails; it only awaits the result bytes or an
// error.
type TaskExecutor interface {
	Execute(ctx context.Context, node *graph.ThoughtNode) ([]byte, error)
}

// Clock is the Merkle clock surface the orchestrator consumes.
// *clock.MerkleClock satisfies it.
type Clock interface {
	Tick(peerID string) uint64
	MergeFrom(origin string, snapshot map[string]uint64)
	Head() clock.Head
	Snapshot() map[string]uint64
}

// PubSub is the announcement transport surface. *coord.PubSub satisfies it.
type PubSub interface {
	Publish(topic string, v any) error
	Subscribe(topic string, h coord.Handler)
}

// Directory is the peer-set view used for responsibility resolution.
// *peers.Directory satisfies it.
type Directory interface {
	Self() string
	Upsert(id, address string)
	SetClockHead(id, head string)
	Candidates() []resolve.Peer
	ReportSuccess(id string)
	ReportTimeout(id string)
}

// ExecutionError wraps an executor failure. It is recorded on the node and
// in the journal, never returned to the scheduling loop.
type ExecutionError struct {
	TaskID string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute task %s: %v", e.TaskID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// DistributePolicy decides whether a node should be announced to the mesh
// instead of executed locally.
type DistributePolicy func(*graph.ThoughtNode) bool

// DistributeAbovePriority returns a policy that distributes nodes whose base
// priority is at or above the threshold (higher base priority is used here
// as a crude complexity estimate).
func DistributeAbovePriority(threshold float64) DistributePolicy {
	return func(n *graph.ThoughtNode) bool { return n.Priority >= threshold }
}

// Config tunes an Orchestrator. Zero values select the defaults.
type Config struct {
	// MaxAttempts bounds local retries and re-announcements alike.
	MaxAttempts int
	// MaxConcurrent bounds in-flight executions.
	MaxConcurrent int
	// AckTimeout is how long the originator waits for a completion notice
	// before reclaiming an announced task with a fresh announcement.
	AckTimeout time.Duration
	// Distribute decides local vs distributed execution. Nil means all
	// tasks run locally.
	Distribute DistributePolicy
	// PollInterval is the idle loop wake-up fallback.
	PollInterval time.Duration
}

func (c *Config) fillDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// Deps are the orchestrator's injected collaborators. Graph, Scheduler,
// Clock, Executor, and Store are required. PubSub and Directory enable the
// distributed path; Journal and Bus are optional observers.
type Deps struct {
	Graph     *graph.Graph
	Scheduler *scheduler.Scheduler
	Clock     Clock
	Executor  TaskExecutor
	Store     contentstore.Store
	PubSub    PubSub
	Directory Directory
	Journal   *storage.Journal
	Bus       *events.Bus
}

// Orchestrator drives the scheduling loop for one peer.
type Orchestrator struct {
	cfg  Config
	deps Deps
	self string

	sem  chan struct{}
	kick chan struct{}

	mu      sync.Mutex
	timers  map[string]*time.Timer // task id -> reclaim timer
	claimed map[string]string      // task id -> responsible peer of last announcement

	wg sync.WaitGroup
}

// New creates an orchestrator and, when a PubSub is present, subscribes the
// announcement and completion handlers.
func New(deps Deps, cfg Config) *Orchestrator {
	cfg.fillDefaults()
	self := ""
	if deps.Directory != nil {
		self = deps.Directory.Self()
	}
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		self:    self,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		kick:    make(chan struct{}, 1),
		timers:  make(map[string]*time.Timer),
		claimed: make(map[string]string),
	}
	if deps.PubSub != nil {
		deps.PubSub.Subscribe(coord.TopicAnnounce, o.handleAnnounce)
		deps.PubSub.Subscribe(coord.TopicComplete, o.handleComplete)
	}
	return o
}

// CreateTask registers a node in the graph and submits it for scheduling.
// Missing fields get defaults: a generated id, a Pending status, and the
// current time as CreatedAt.
func (o *Orchestrator) CreateTask(n *graph.ThoughtNode) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = graph.StatusPending
	}
	if n.Meta.CreatedAt.IsZero() {
		n.Meta.CreatedAt = time.Now()
	}
	if err := o.deps.Graph.AddNode(n); err != nil {
		return err
	}
	o.journal(n.ID, "", string(graph.StatusPending), "created")
	o.publishEvent(events.Event{Type: events.TaskCreated, TaskID: n.ID})
	if err := o.deps.Scheduler.AddTask(n.ID); err != nil {
		return err
	}
	o.wake()
	return nil
}

// Cancel cancels a task that has not started processing. Canceled is
// terminal; dependents of a canceled node stay blocked until they are
// canceled too.
func (o *Orchestrator) Cancel(taskID string) error {
	prev, err := o.deps.Graph.Status(taskID)
	if err != nil {
		return err
	}
	if err := o.deps.Graph.Transition(taskID, graph.StatusCanceled); err != nil {
		return err
	}
	o.deps.Scheduler.Drop(taskID)
	o.journal(taskID, string(prev), string(graph.StatusCanceled), "canceled by operator")
	o.publishEvent(events.Event{Type: events.TaskCanceled, TaskID: taskID})
	return nil
}

// Run drives the loop until the context is canceled, then waits for
// in-flight executions to settle.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		node := o.deps.Scheduler.NextTask()
		if node == nil {
			select {
			case <-ctx.Done():
				o.wg.Wait()
				return
			case <-o.kick:
			case <-ticker.C:
			}
			continue
		}
		o.dispatch(ctx, node)
	}
}

// dispatch routes one extracted node to local execution or distribution.
// The scheduler has already marked it Processing.
func (o *Orchestrator) dispatch(ctx context.Context, node *graph.ThoughtNode) {
	o.journal(node.ID, string(graph.StatusScheduled), string(graph.StatusProcessing), "dispatched")
	o.publishEvent(events.Event{Type: events.TaskStarted, TaskID: node.ID})

	if o.cfg.Distribute != nil && o.deps.PubSub != nil && o.cfg.Distribute(node) {
		o.distribute(node)
		return
	}
	o.runLocal(ctx, node)
}

// runLocal executes a node on this peer. The executor call runs on its own
// goroutine, bounded by the concurrency limit, so the loop keeps extracting.
func (o *Orchestrator) runLocal(ctx context.Context, node *graph.ThoughtNode) {
	o.sem <- struct{}{}
	o.wg.Add(1)
	go func() {
		defer func() {
			<-o.sem
			o.wg.Done()
		}()

		out, err := o.deps.Executor.Execute(ctx, node)
		if err != nil {
			o.failLocal(node, &ExecutionError{TaskID: node.ID, Cause: err})
			return
		}
		cid, err := o.deps.Store.Put(out)
		if err != nil {
			o.failLocal(node, &ExecutionError{TaskID: node.ID, Cause: fmt.Errorf("store result: %w", err)})
			return
		}
		o.complete(node.ID, string(cid), o.self)
	}()
}

// failLocal absorbs an execution failure into node state: retry while the
// budget lasts, otherwise the node is Failed permanently and its dependents
// stay blocked.
func (o *Orchestrator) failLocal(node *graph.ThoughtNode, execErr *ExecutionError) {
	if err := o.deps.Graph.Transition(node.ID, graph.StatusFailed); err != nil {
		log.Printf("[orchestrator] fail %s: %v", node.ID, err)
		return
	}
	attempts, err := o.deps.Graph.IncrementAttempts(node.ID)
	if err != nil {
		log.Printf("[orchestrator] fail %s: %v", node.ID, err)
		return
	}

	if attempts < o.cfg.MaxAttempts {
		o.journal(node.ID, string(graph.StatusProcessing), string(graph.StatusFailed),
			fmt.Sprintf("%v (retry %d/%d)", execErr, attempts, o.cfg.MaxAttempts))
		if err := o.deps.Graph.Transition(node.ID, graph.StatusPending); err != nil {
			log.Printf("[orchestrator] retry %s: %v", node.ID, err)
			return
		}
		if err := o.deps.Scheduler.AddTask(node.ID); err != nil {
			log.Printf("[orchestrator] re-admit %s: %v", node.ID, err)
		}
		o.wake()
		return
	}

	o.journal(node.ID, string(graph.StatusProcessing), string(graph.StatusFailed),
		fmt.Sprintf("%v (budget exhausted)", execErr))
	o.publishEvent(events.Event{Type: events.TaskFailed, TaskID: node.ID, Err: execErr.Error()})
	log.Printf("[orchestrator] task %s failed permanently after %d attempts", node.ID, attempts)
}

// complete finalizes a task, records the result, and re-admits dependents.
// Completion is idempotent: a second notice for an already-completed task is
// ignored (last-writer-wins at the result consumer).
func (o *Orchestrator) complete(taskID, resultCID, executor string) {
	o.stopReclaim(taskID)

	if err := o.deps.Graph.Transition(taskID, graph.StatusCompleted); err != nil {
		// Already completed (duplicate notice) or canceled mid-flight.
		log.Printf("[orchestrator] complete %s: %v", taskID, err)
		return
	}
	if o.deps.Journal != nil {
		if err := o.deps.Journal.RecordResult(taskID, resultCID, executor); err != nil {
			log.Printf("[orchestrator] journal result %s: %v", taskID, err)
		}
	}
	o.journal(taskID, string(graph.StatusProcessing), string(graph.StatusCompleted), "executor "+executor)
	o.publishEvent(events.Event{Type: events.TaskCompleted, TaskID: taskID, ResultRef: resultCID})
	o.deps.Scheduler.ReschedulePending()
	o.wake()
}

// wake nudges the loop out of its idle wait.
func (o *Orchestrator) wake() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) journal(taskID, from, to, detail string) {
	if o.deps.Journal == nil {
		return
	}
	if err := o.deps.Journal.RecordTransition(taskID, from, to, detail); err != nil {
		log.Printf("[orchestrator] journal %s: %v", taskID, err)
	}
}

func (o *Orchestrator) publishEvent(e events.Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(e)
	}
}
