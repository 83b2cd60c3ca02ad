package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cogitolabs/cogmesh/internal/contentstore"
	"github.com/cogitolabs/cogmesh/internal/coord"
	"github.com/cogitolabs/cogmesh/internal/events"
	"github.com/cogitolabs/cogmesh/internal/graph"
	"github.com/cogitolabs/cogmesh/internal/peers"
	"github.com/cogitolabs/cogmesh/internal/scheduler"
)

// execFunc adapts a function to TaskExecutor.
type execFunc func(ctx context.Context, node *graph.ThoughtNode) ([]byte, error)

func (f execFunc) Execute(ctx context.Context, node *graph.ThoughtNode) ([]byte, error) {
	return f(ctx, node)
}

// eventLog collects bus events under a lock so tests can assert on them from
// the main goroutine.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) record(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(typ events.Type, taskID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ && e.TaskID == taskID {
			n++
		}
	}
	return n
}

func (l *eventLog) last(typ events.Type, taskID string) (events.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == typ && l.events[i].TaskID == taskID {
			return l.events[i], true
		}
	}
	return events.Event{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newLocalOrchestrator builds a local-only orchestrator over fresh state.
func newLocalOrchestrator(t *testing.T, exec TaskExecutor, cfg Config) (*Orchestrator, *graph.Graph, *eventLog) {
	t.Helper()
	g := graph.New()
	sched := scheduler.New(g, scheduler.Config{})
	store, err := contentstore.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	logged := &eventLog{}
	bus.Subscribe(logged.record)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	o := New(Deps{
		Graph:     g,
		Scheduler: sched,
		Executor:  exec,
		Store:     store,
		Bus:       bus,
	}, cfg)
	return o, g, logged
}

func nodeStatus(t *testing.T, g *graph.Graph, id string) graph.Status {
	t.Helper()
	s, err := g.Status(id)
	if err != nil {
		t.Fatalf("Status(%s): %v", id, err)
	}
	return s
}

func TestLocalExecutionUnblocksDependent(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := execFunc(func(_ context.Context, n *graph.ThoughtNode) ([]byte, error) {
		mu.Lock()
		order = append(order, n.ID)
		mu.Unlock()
		return []byte("result of " + n.ID), nil
	})
	o, g, logged := newLocalOrchestrator(t, exec, Config{})

	if err := o.CreateTask(&graph.ThoughtNode{ID: "root", Type: graph.TypeQuestion, Priority: 5}); err != nil {
		t.Fatalf("CreateTask root: %v", err)
	}
	if err := o.CreateTask(&graph.ThoughtNode{
		ID: "child", Type: graph.TypeAnalysis, Priority: 1, Dependencies: []string{"root"},
	}); err != nil {
		t.Fatalf("CreateTask child: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	waitFor(t, "both tasks completed", func() bool {
		return nodeStatus(t, g, "root") == graph.StatusCompleted &&
			nodeStatus(t, g, "child") == graph.StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "root" || order[1] != "child" {
		t.Fatalf("execution order = %v, want [root child]", order)
	}
	if ev, ok := logged.last(events.TaskCompleted, "root"); !ok || ev.ResultRef == "" {
		t.Fatalf("completion event for root missing or without result ref: %+v", ev)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	exec := execFunc(func(context.Context, *graph.ThoughtNode) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, fmt.Errorf("transient failure %d", calls)
		}
		return []byte("ok"), nil
	})
	o, g, logged := newLocalOrchestrator(t, exec, Config{MaxAttempts: 3})

	if err := o.CreateTask(&graph.ThoughtNode{ID: "flaky", Priority: 1}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	waitFor(t, "flaky task completed", func() bool {
		return nodeStatus(t, g, "flaky") == graph.StatusCompleted
	})

	attempts, _ := g.Attempts("flaky")
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if logged.count(events.TaskFailed, "flaky") != 0 {
		t.Fatal("transient failures must not emit a failed event")
	}
}

// A task that keeps failing exhausts its retry budget, fails permanently,
// and its dependent never starts.
func TestRetryExhaustionBlocksDependent(t *testing.T) {
	exec := execFunc(func(_ context.Context, n *graph.ThoughtNode) ([]byte, error) {
		if n.ID == "doomed" {
			return nil, errors.New("always fails")
		}
		return []byte("ok"), nil
	})
	o, g, logged := newLocalOrchestrator(t, exec, Config{MaxAttempts: 3})

	if err := o.CreateTask(&graph.ThoughtNode{ID: "doomed", Priority: 1}); err != nil {
		t.Fatalf("CreateTask doomed: %v", err)
	}
	if err := o.CreateTask(&graph.ThoughtNode{
		ID: "waiter", Priority: 1, Dependencies: []string{"doomed"},
	}); err != nil {
		t.Fatalf("CreateTask waiter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	waitFor(t, "permanent failure", func() bool {
		return nodeStatus(t, g, "doomed") == graph.StatusFailed &&
			logged.count(events.TaskFailed, "doomed") == 1
	})

	attempts, _ := g.Attempts("doomed")
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	// The dependent stays blocked rather than failing cascade-style.
	if got := nodeStatus(t, g, "waiter"); got != graph.StatusPending {
		t.Fatalf("waiter status = %s, want pending", got)
	}
	if logged.count(events.TaskStarted, "waiter") != 0 {
		t.Fatal("waiter must never start")
	}
}

func TestCancelBeforeProcessing(t *testing.T) {
	exec := execFunc(func(_ context.Context, n *graph.ThoughtNode) ([]byte, error) {
		return []byte("ok"), nil
	})
	o, g, logged := newLocalOrchestrator(t, exec, Config{})

	if err := o.CreateTask(&graph.ThoughtNode{ID: "a", Priority: 1}); err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	if err := o.CreateTask(&graph.ThoughtNode{
		ID: "b", Priority: 1, Dependencies: []string{"a"},
	}); err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}

	// b is still pending on a; cancel it before the loop ever runs.
	if err := o.Cancel("b"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := nodeStatus(t, g, "b"); got != graph.StatusCanceled {
		t.Fatalf("b status = %s, want canceled", got)
	}
	if logged.count(events.TaskCanceled, "b") != 1 {
		t.Fatal("expected one canceled event")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	waitFor(t, "a completed", func() bool {
		return nodeStatus(t, g, "a") == graph.StatusCompleted
	})
	time.Sleep(50 * time.Millisecond)
	if logged.count(events.TaskStarted, "b") != 0 {
		t.Fatal("canceled task must never start")
	}
	if got := nodeStatus(t, g, "b"); got != graph.StatusCanceled {
		t.Fatalf("b status = %s after run, want canceled", got)
	}
}

func TestCancelCompletedTaskRejected(t *testing.T) {
	exec := execFunc(func(context.Context, *graph.ThoughtNode) ([]byte, error) {
		return []byte("ok"), nil
	})
	o, g, _ := newLocalOrchestrator(t, exec, Config{})

	if err := o.CreateTask(&graph.ThoughtNode{ID: "a", Priority: 1}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)
	waitFor(t, "a completed", func() bool {
		return nodeStatus(t, g, "a") == graph.StatusCompleted
	})

	if err := o.Cancel("a"); err == nil {
		t.Fatal("canceling a completed task must fail")
	}
}

// A duplicate completion notice is ignored: one completed event, status
// unchanged.
func TestDuplicateCompletionIgnored(t *testing.T) {
	exec := execFunc(func(context.Context, *graph.ThoughtNode) ([]byte, error) {
		return nil, errors.New("unused")
	})
	o, g, logged := newLocalOrchestrator(t, exec, Config{})
	dir := peers.NewDirectory("self-peer")
	o.deps.Directory = dir
	o.self = dir.Self()

	if err := o.CreateTask(&graph.ThoughtNode{ID: "t1", Priority: 1}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// CreateTask admits the ready node as Scheduled; walk it to Processing
	// by hand since the loop is not running.
	if err := g.Transition("t1", graph.StatusProcessing); err != nil {
		t.Fatalf("to processing: %v", err)
	}

	comp := completionFor("t1", "remote-peer", "cid-1")
	o.applyCompletion(comp)
	o.applyCompletion(comp)

	if got := nodeStatus(t, g, "t1"); got != graph.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	if n := logged.count(events.TaskCompleted, "t1"); n != 1 {
		t.Fatalf("completed events = %d, want 1", n)
	}
	rec, ok := dir.Get("remote-peer")
	if !ok || rec.Reliability <= 0.5 {
		t.Fatalf("executor reliability not rewarded: %+v", rec)
	}
}

// A failure notice from the executor counts against the retry budget like a
// timeout would.
func TestFailureNoticeExhaustsBudget(t *testing.T) {
	exec := execFunc(func(context.Context, *graph.ThoughtNode) ([]byte, error) {
		return nil, errors.New("unused")
	})
	o, g, logged := newLocalOrchestrator(t, exec, Config{MaxAttempts: 1})
	dir := peers.NewDirectory("self-peer")
	o.deps.Directory = dir
	o.self = dir.Self()

	if err := o.CreateTask(&graph.ThoughtNode{ID: "t1", Priority: 1}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := g.Transition("t1", graph.StatusProcessing); err != nil {
		t.Fatalf("to processing: %v", err)
	}

	comp := completionFor("t1", "remote-peer", "")
	comp.OK = false
	comp.Err = "remote executor crashed"
	o.applyCompletion(comp)

	if got := nodeStatus(t, g, "t1"); got != graph.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if logged.count(events.TaskFailed, "t1") != 1 {
		t.Fatal("expected one failed event")
	}
	rec, _ := dir.Get("remote-peer")
	if rec.Reliability >= 0.5 {
		t.Fatalf("unreliable executor not penalized: %+v", rec)
	}
}

func completionFor(taskID, executor, cid string) coord.Completion {
	return coord.Completion{
		TaskID:       taskID,
		ResultCID:    cid,
		ExecutorPeer: executor,
		OK:           true,
	}
}

// A directory holding only the local peer always resolves to self, so
// single-node distribution degenerates to local execution.
func TestResponsibleForSelfOnly(t *testing.T) {
	exec := execFunc(func(context.Context, *graph.ThoughtNode) ([]byte, error) {
		return []byte("ok"), nil
	})
	o, _, _ := newLocalOrchestrator(t, exec, Config{})
	dir := peers.NewDirectory("only-peer")
	o.deps.Directory = dir
	o.self = dir.Self()

	for _, task := range []string{"t1", "t2", "t3"} {
		ann := coord.Announcement{TaskID: task, ClockHead: "head-1"}
		peer, ok := o.responsibleFor(ann)
		if !ok || peer.ID != "only-peer" {
			t.Fatalf("responsible for %s = %v %v, want self", task, peer, ok)
		}
	}
}
