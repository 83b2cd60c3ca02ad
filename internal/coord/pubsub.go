package coord

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	defaultMaxHops = 10
	seenTTL        = 10 * time.Minute
	maxSeen        = 10000
)

// Handler consumes a deserialized payload for one topic. from is the
// authenticated peer id of the envelope's original author.
type Handler func(from string, payload json.RawMessage)

// PubSub layers topic subscription, signature verification, deduplication,
// and bounded-hop forwarding on top of the Transport. Every peer re-forwards
// an envelope at most once, so a broadcast reaches the whole mesh even when
// connectivity is partial.
type PubSub struct {
	mu        sync.RWMutex
	identity  Identity
	transport *Transport
	handlers  map[string][]Handler
	seen      map[string]time.Time // envelope id -> first seen
}

// NewPubSub wires a PubSub over a transport and takes over its envelope
// handler.
func NewPubSub(id Identity, t *Transport) *PubSub {
	ps := &PubSub{
		identity:  id,
		transport: t,
		handlers:  make(map[string][]Handler),
		seen:      make(map[string]time.Time),
	}
	t.OnEnvelope(ps.handleEnvelope)
	return ps
}

// Subscribe registers a handler for a topic. Multiple handlers per topic are
// invoked in registration order.
func (ps *PubSub) Subscribe(topic string, h Handler) {
	ps.mu.Lock()
	ps.handlers[topic] = append(ps.handlers[topic], h)
	ps.mu.Unlock()
}

// Publish marshals v, wraps it in a signed envelope, and broadcasts it to
// all connected peers. The envelope is marked seen locally so a forwarded
// copy is never re-processed by the author.
func (ps *PubSub) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	env := ps.identity.NewEnvelope(topic, payload)
	ps.markSeen(env.ID)
	return ps.transport.Broadcast(env, "")
}

// handleEnvelope verifies, dedups, dispatches, and forwards an incoming
// envelope. relay is the id of the adjacent connection the envelope arrived
// on, which may differ from the original author on a forwarded copy.
func (ps *PubSub) handleEnvelope(env *Envelope, relay string) {
	if env.Topic == TopicHello {
		return // identification only, handled by the transport
	}
	if err := env.Verify(); err != nil {
		log.Printf("[coord] dropping envelope %.8s on %s: %v", env.ID, env.Topic, err)
		return
	}
	if ps.hasSeen(env.ID) {
		return
	}
	ps.markSeen(env.ID)

	ps.mu.RLock()
	handlers := ps.handlers[env.Topic]
	ps.mu.RUnlock()
	for _, h := range handlers {
		h(env.Sender.PeerID, env.Payload)
	}

	// Forward with a bounded hop count. The signature excludes Hops, so the
	// original author's signature stays valid.
	if env.Hops+1 < env.MaxHops {
		fwd := *env
		fwd.Hops = env.Hops + 1
		if err := ps.transport.Broadcast(&fwd, relay); err != nil {
			log.Printf("[coord] forward envelope %.8s: %v", env.ID, err)
		}
	}
}

func (ps *PubSub) hasSeen(id string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.seen[id]
	return ok
}

func (ps *PubSub) markSeen(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.seen[id] = time.Now()
	if len(ps.seen) > maxSeen {
		cutoff := time.Now().Add(-seenTTL)
		for k, at := range ps.seen {
			if at.Before(cutoff) {
				delete(ps.seen, k)
			}
		}
	}
}
