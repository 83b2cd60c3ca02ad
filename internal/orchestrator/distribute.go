package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cogitolabs/cogmesh/internal/coord"
	"github.com/cogitolabs/cogmesh/internal/events"
	"github.com/cogitolabs/cogmesh/internal/graph"
	"github.com/cogitolabs/cogmesh/internal/resolve"
)

// distribute announces a Processing node to the mesh. The clock is ticked
// first so the announcement carries a head unique to this distribution
// event; every peer resolves responsibility against that head and reaches
// the same answer. The originator arms a reclaim timer in case no
// completion notice arrives.
func (o *Orchestrator) distribute(node *graph.ThoughtNode) {
	o.deps.Clock.Tick(o.self)
	head := o.deps.Clock.Head()

	attempts, err := o.deps.Graph.Attempts(node.ID)
	if err != nil {
		log.Printf("[orchestrator] announce %s: %v", node.ID, err)
		return
	}
	attempt := attempts + 1

	ann := coord.Announcement{
		TaskID:     node.ID,
		ContentRef: node.ContentRef,
		NodeType:   string(node.Type),
		Priority:   node.Priority,
		OriginPeer: o.self,
		ClockHead:  head.Hex(),
		Clock:      o.deps.Clock.Snapshot(),
		Attempt:    attempt,
		Timestamp:  time.Now().Unix(),
	}
	if err := o.deps.PubSub.Publish(coord.TopicAnnounce, ann); err != nil {
		log.Printf("[orchestrator] announce %s: %v", node.ID, err)
	}

	// Our own publish does not loop back through the subscription, so the
	// originator resolves responsibility directly.
	responsible, ok := o.responsibleFor(ann)
	if !ok {
		o.reclaim(node.ID, "")
		return
	}
	if responsible.ID == o.self {
		o.executeAnnounced(ann)
		return
	}

	o.armReclaim(node.ID, responsible.ID)
	log.Printf("[orchestrator] task %.8s announced, responsible peer %.8s (attempt %d)",
		node.ID, responsible.ID, attempt)
}

// responsibleFor resolves the executor for an announcement against the
// current peer view. The target key binds the task id to the announced
// clock head, so re-announcements land on a fresh target.
func (o *Orchestrator) responsibleFor(ann coord.Announcement) (resolve.Peer, bool) {
	head, err := hex.DecodeString(ann.ClockHead)
	if err != nil {
		head = []byte(ann.ClockHead)
	}
	target := resolve.TargetKey(ann.TaskID, head)
	return resolve.Responsible(target, o.deps.Directory.Candidates())
}

// armReclaim schedules a re-announcement if no completion notice arrives in
// time. Any previous timer for the task is replaced.
func (o *Orchestrator) armReclaim(taskID, responsible string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[taskID]; ok {
		t.Stop()
	}
	o.claimed[taskID] = responsible
	o.timers[taskID] = time.AfterFunc(o.cfg.AckTimeout, func() {
		o.reclaim(taskID, responsible)
	})
}

// stopReclaim cancels the pending reclaim for a task, if any.
func (o *Orchestrator) stopReclaim(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[taskID]; ok {
		t.Stop()
		delete(o.timers, taskID)
	}
	delete(o.claimed, taskID)
}

// reclaim takes back an announced task whose responsible peer never
// reported completion. The unresponsive peer's reliability is penalized and
// the task is re-announced under a fresh clock head, until the retry budget
// runs out.
func (o *Orchestrator) reclaim(taskID, blame string) {
	o.stopReclaim(taskID)

	status, err := o.deps.Graph.Status(taskID)
	if err != nil || status != graph.StatusProcessing {
		return // completed or canceled in the meantime
	}
	if blame != "" {
		o.deps.Directory.ReportTimeout(blame)
	}

	attempts, err := o.deps.Graph.IncrementAttempts(taskID)
	if err != nil {
		log.Printf("[orchestrator] reclaim %s: %v", taskID, err)
		return
	}

	if attempts >= o.cfg.MaxAttempts {
		if err := o.deps.Graph.Transition(taskID, graph.StatusFailed); err != nil {
			log.Printf("[orchestrator] reclaim %s: %v", taskID, err)
			return
		}
		detail := fmt.Sprintf("%v after %d announcements", coord.ErrAckTimeout, attempts)
		o.journal(taskID, string(graph.StatusProcessing), string(graph.StatusFailed), detail)
		o.publishEvent(events.Event{Type: events.TaskFailed, TaskID: taskID, Err: detail})
		log.Printf("[orchestrator] task %s failed permanently: %s", taskID, detail)
		return
	}

	log.Printf("[orchestrator] reclaiming task %.8s from %.8s, re-announcing", taskID, blame)
	node, err := o.deps.Graph.Node(taskID)
	if err != nil {
		return
	}
	o.distribute(node)
}

// handleAnnounce is the subscription callback for task announcements. Every
// peer merges the announced clock, refreshes its peer view, and resolves
// responsibility; only the responsible peer executes.
func (o *Orchestrator) handleAnnounce(from string, payload json.RawMessage) {
	var ann coord.Announcement
	if err := json.Unmarshal(payload, &ann); err != nil {
		log.Printf("[orchestrator] bad announcement from %.8s: %v", from, err)
		return
	}
	o.deps.Clock.MergeFrom(ann.OriginPeer, ann.Clock)
	o.deps.Directory.Upsert(from, "")
	o.deps.Directory.Upsert(ann.OriginPeer, "")
	o.deps.Directory.SetClockHead(ann.OriginPeer, ann.ClockHead)

	if ann.OriginPeer == o.self {
		return // a forwarded copy of our own announcement
	}
	responsible, ok := o.responsibleFor(ann)
	if !ok || responsible.ID != o.self {
		return
	}
	o.executeAnnounced(ann)
}

// executeAnnounced runs an announced task on this peer and broadcasts the
// outcome. The node is ephemeral here; only the originator holds it in a
// graph.
func (o *Orchestrator) executeAnnounced(ann coord.Announcement) {
	o.sem <- struct{}{}
	o.wg.Add(1)
	go func() {
		defer func() {
			<-o.sem
			o.wg.Done()
		}()

		node := &graph.ThoughtNode{
			ID:         ann.TaskID,
			ContentRef: ann.ContentRef,
			Type:       graph.NodeType(ann.NodeType),
			Priority:   ann.Priority,
			Status:     graph.StatusProcessing,
		}
		out, err := o.deps.Executor.Execute(context.Background(), node)
		if err != nil {
			o.finishAnnounced(ann, coord.Completion{
				TaskID:       ann.TaskID,
				ExecutorPeer: o.self,
				OK:           false,
				Err:          err.Error(),
			})
			return
		}
		cid, err := o.deps.Store.Put(out)
		if err != nil {
			o.finishAnnounced(ann, coord.Completion{
				TaskID:       ann.TaskID,
				ExecutorPeer: o.self,
				OK:           false,
				Err:          fmt.Sprintf("store result: %v", err),
			})
			return
		}
		o.finishAnnounced(ann, coord.Completion{
			TaskID:       ann.TaskID,
			ResultCID:    string(cid),
			ExecutorPeer: o.self,
			OK:           true,
		})
	}()
}

// finishAnnounced stamps and broadcasts a completion notice. When this peer
// is also the originator the outcome is applied directly, since our own
// publishes do not loop back.
func (o *Orchestrator) finishAnnounced(ann coord.Announcement, comp coord.Completion) {
	o.deps.Clock.Tick(o.self)
	comp.ClockHead = o.deps.Clock.Head().Hex()
	comp.Clock = o.deps.Clock.Snapshot()
	comp.Timestamp = time.Now().Unix()

	if err := o.deps.PubSub.Publish(coord.TopicComplete, comp); err != nil {
		log.Printf("[orchestrator] completion notice %s: %v", comp.TaskID, err)
	}
	if ann.OriginPeer == o.self {
		o.applyCompletion(comp)
	}
}

// handleComplete is the subscription callback for completion notices.
func (o *Orchestrator) handleComplete(from string, payload json.RawMessage) {
	var comp coord.Completion
	if err := json.Unmarshal(payload, &comp); err != nil {
		log.Printf("[orchestrator] bad completion from %.8s: %v", from, err)
		return
	}
	o.deps.Clock.MergeFrom(comp.ExecutorPeer, comp.Clock)
	o.deps.Directory.Upsert(from, "")
	o.deps.Directory.Upsert(comp.ExecutorPeer, "")
	o.deps.Directory.SetClockHead(comp.ExecutorPeer, comp.ClockHead)
	o.applyCompletion(comp)
}

// applyCompletion folds a completion notice into local task state. Notices
// for tasks we do not originate are clock-merge only. A failure notice
// counts against the retry budget just like a timeout, but fires
// immediately.
func (o *Orchestrator) applyCompletion(comp coord.Completion) {
	status, err := o.deps.Graph.Status(comp.TaskID)
	if err != nil {
		return // not a task this peer originated
	}
	if status != graph.StatusProcessing {
		return // duplicate or late notice
	}
	if comp.OK {
		// The executor may be unknown when the notice is applied directly
		// rather than arriving over the wire; register it before rewarding.
		o.deps.Directory.Upsert(comp.ExecutorPeer, "")
		o.deps.Directory.ReportSuccess(comp.ExecutorPeer)
		o.complete(comp.TaskID, comp.ResultCID, comp.ExecutorPeer)
		return
	}
	log.Printf("[orchestrator] task %.8s failed on %.8s: %s", comp.TaskID, comp.ExecutorPeer, comp.Err)
	o.reclaim(comp.TaskID, comp.ExecutorPeer)
}
