// Package clock implements the Merkle clock used to stamp task announcements
// for causal ordering. Each peer keeps a monotonic counter; the clock's head
// is a digest computed deterministically over the sorted counter map, so two
// peers holding the same counters always derive the same head.
//
// The clock orders announcements; it does not resolve content conflicts.
package clock

import (
	"encoding/binary"
	"encoding/hex"
	"log"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"
)

// HeadLength is the byte length of a clock head digest.
const HeadLength = 32

// Head is the deterministic digest of a clock's counter map.
type Head [HeadLength]byte

// Hex returns the lowercase hex encoding of the head.
func (h Head) Hex() string { return hex.EncodeToString(h[:]) }

// MerkleClock is a per-peer logical clock with a derived head digest. Tick
// and Merge are atomic with respect to each other: no caller ever observes a
// half-updated counter map or a stale head.
type MerkleClock struct {
	mu       sync.RWMutex
	counters map[string]uint64
	head     Head
}

// New creates an empty clock. The head of an empty clock is the digest of
// zero counters, which is itself deterministic.
func New() *MerkleClock {
	c := &MerkleClock{counters: make(map[string]uint64)}
	c.head = digest(c.counters)
	return c
}

// Tick strictly increments the counter for peerID (creating it at 1) and
// recomputes the head. It returns the new counter value.
func (c *MerkleClock) Tick(peerID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[peerID]++
	c.head = digest(c.counters)
	return c.counters[peerID]
}

// Merge folds a remote counter snapshot into the clock, taking the
// element-wise maximum over the union of peer keys. Merge is commutative and
// idempotent, so views converge regardless of delivery order or duplication.
func (c *MerkleClock) Merge(snapshot map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for peer, n := range snapshot {
		if n > c.counters[peer] {
			c.counters[peer] = n
			changed = true
		}
	}
	if changed {
		c.head = digest(c.counters)
	}
}

// MergeFrom is Merge plus a desync check: if the snapshot's own origin peer
// reports a counter lower than one we have already recorded for it, the peer
// appears to have regressed. That is logged as a warning and otherwise
// self-heals: the element-wise maximum simply keeps the higher value.
func (c *MerkleClock) MergeFrom(origin string, snapshot map[string]uint64) {
	c.mu.RLock()
	known := c.counters[origin]
	c.mu.RUnlock()
	if reported, ok := snapshot[origin]; ok && reported < known {
		log.Printf("[clock] desync: peer %s reports counter %d, previously saw %d", origin, reported, known)
	}
	c.Merge(snapshot)
}

// Counter returns the current counter for a peer (0 if absent).
func (c *MerkleClock) Counter(peerID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[peerID]
}

// Snapshot returns a copy of the counter map, suitable for embedding in an
// announcement.
func (c *MerkleClock) Snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Head returns the current head digest.
func (c *MerkleClock) Head() Head {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// digest computes SHA3-256 over the (peerID, counter) pairs in sorted peer
// order. Sorting makes the digest a pure function of the map contents.
func digest(counters map[string]uint64) Head {
	peers := make([]string, 0, len(counters))
	for p := range counters {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	h := sha3.New256()
	var buf [8]byte
	for _, p := range peers {
		h.Write([]byte(p))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(buf[:], counters[p])
		h.Write(buf[:])
	}
	var head Head
	h.Sum(head[:0])
	return head
}
