package coord

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// testNode bundles an identity, transport, and pubsub for in-process tests.
type testNode struct {
	id Identity
	tr *Transport
	ps *PubSub
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	tr := NewTransport(id)
	if err := tr.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(tr.Close)
	id.Address = tr.Addr()
	return &testNode{id: id, tr: tr, ps: NewPubSub(id, tr)}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishReachesConnectedPeer(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	var mu sync.Mutex
	var got []Announcement
	b.ps.Subscribe(TopicAnnounce, func(from string, payload json.RawMessage) {
		var ann Announcement
		if err := json.Unmarshal(payload, &ann); err != nil {
			t.Errorf("unmarshal announcement: %v", err)
			return
		}
		if from != a.id.PeerID {
			t.Errorf("from = %.8s, want %.8s", from, a.id.PeerID)
		}
		mu.Lock()
		got = append(got, ann)
		mu.Unlock()
	})

	if err := a.tr.Connect(b.tr.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "hello exchange", func() bool {
		return len(a.tr.ConnectedPeers()) == 1 && len(b.tr.ConnectedPeers()) == 1
	})

	ann := Announcement{TaskID: "t1", OriginPeer: a.id.PeerID, ClockHead: "head", Attempt: 1}
	if err := a.ps.Publish(TopicAnnounce, ann); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "announcement delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].TaskID != "t1" || got[0].OriginPeer != a.id.PeerID {
		t.Fatalf("received %+v", got[0])
	}
}

// A publish on one end of a chain reaches the far end through forwarding,
// and the middle peer's re-broadcast does not double-deliver anywhere.
func TestForwardingAcrossChain(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	var mu sync.Mutex
	counts := map[string]int{}
	subscribe := func(n *testNode, name string) {
		n.ps.Subscribe(TopicComplete, func(from string, payload json.RawMessage) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		})
	}
	subscribe(b, "b")
	subscribe(c, "c")

	// Chain topology: a <-> b <-> c.
	if err := a.tr.Connect(b.tr.Addr()); err != nil {
		t.Fatalf("connect a-b: %v", err)
	}
	if err := c.tr.Connect(b.tr.Addr()); err != nil {
		t.Fatalf("connect c-b: %v", err)
	}
	waitFor(t, "chain setup", func() bool {
		return len(b.tr.ConnectedPeers()) == 2
	})

	comp := Completion{TaskID: "t9", ExecutorPeer: a.id.PeerID, OK: true}
	if err := a.ps.Publish(TopicComplete, comp); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "forwarded delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["b"] >= 1 && counts["c"] >= 1
	})

	// Give any duplicate a chance to arrive, then assert exactly-once.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if counts["b"] != 1 || counts["c"] != 1 {
		t.Fatalf("delivery counts = %v, want exactly once each", counts)
	}
}

func TestUnsignedEnvelopeDropped(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	var mu sync.Mutex
	delivered := 0
	b.ps.Subscribe(TopicAnnounce, func(string, json.RawMessage) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	if err := a.tr.Connect(b.tr.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "hello exchange", func() bool {
		return len(a.tr.ConnectedPeers()) == 1
	})

	// Bypass Publish and send a tampered envelope directly.
	env := a.id.NewEnvelope(TopicAnnounce, json.RawMessage(`{"task_id":"evil"}`))
	env.Payload = json.RawMessage(`{"task_id":"tampered"}`)
	for _, peer := range a.tr.ConnectedPeers() {
		if err := a.tr.Send(peer, env); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// Follow with a valid envelope; only it should be delivered.
	if err := a.ps.Publish(TopicAnnounce, Announcement{TaskID: "legit"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, "valid delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered = %d, want only the valid envelope", delivered)
	}
}
