// Package peers maintains the local view of the peer set used for
// responsibility resolution. The view is eventually consistent: peers are
// learned from announcements and bootstrap configuration, not from any
// strongly synchronized membership protocol.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/cogitolabs/cogmesh/internal/resolve"
)

// Reliability score bounds and adjustment steps. The score is a heuristic
// weighting input only; responsibility resolution stays correct without it.
const (
	initialReliability = 0.5
	successDelta       = 0.05
	timeoutDelta       = 0.1
	minReliability     = 0.0
	maxReliability     = 1.0
)

// PeerRecord describes a known peer.
type PeerRecord struct {
	ID            string
	Key           resolve.Key
	Address       string
	LastClockHead string
	Reliability   float64
	LastSeen      time.Time
}

// Directory is a mutex-guarded registry of peer records.
type Directory struct {
	mu      sync.RWMutex
	self    string
	records map[string]*PeerRecord
	now     func() time.Time
}

// NewDirectory creates a directory that always contains the local peer.
func NewDirectory(selfID string) *Directory {
	d := &Directory{
		self:    selfID,
		records: make(map[string]*PeerRecord),
		now:     time.Now,
	}
	d.records[selfID] = &PeerRecord{
		ID:          selfID,
		Key:         resolve.PeerKey(selfID),
		Reliability: initialReliability,
		LastSeen:    d.now(),
	}
	return d
}

// Self returns the local peer id.
func (d *Directory) Self() string { return d.self }

// Upsert records a peer sighting. New peers start at the initial reliability;
// existing records keep their score and refresh address and last-seen time.
func (d *Directory) Upsert(id, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		rec = &PeerRecord{
			ID:          id,
			Key:         resolve.PeerKey(id),
			Reliability: initialReliability,
		}
		d.records[id] = rec
	}
	if address != "" {
		rec.Address = address
	}
	rec.LastSeen = d.now()
}

// SetClockHead stores the most recent clock head observed from a peer.
func (d *Directory) SetClockHead(id, head string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[id]; ok {
		rec.LastClockHead = head
	}
}

// Get returns a copy of a peer record.
func (d *Directory) Get(id string) (PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records sorted by peer id. The sort keeps
// iteration deterministic for resolution and logging.
func (d *Directory) List() []PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Candidates returns the peer set as resolver input.
func (d *Directory) Candidates() []resolve.Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]resolve.Peer, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, resolve.Peer{ID: rec.ID, Key: rec.Key})
	}
	return out
}

// Remove deletes a peer record. The local peer cannot be removed.
func (d *Directory) Remove(id string) {
	if id == d.self {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, id)
}

// ReportSuccess nudges a peer's reliability up after a completed task.
func (d *Directory) ReportSuccess(id string) {
	d.adjust(id, successDelta)
}

// ReportTimeout nudges a peer's reliability down after an unacknowledged
// announcement.
func (d *Directory) ReportTimeout(id string) {
	d.adjust(id, -timeoutDelta)
}

func (d *Directory) adjust(id string, delta float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return
	}
	rec.Reliability += delta
	if rec.Reliability > maxReliability {
		rec.Reliability = maxReliability
	}
	if rec.Reliability < minReliability {
		rec.Reliability = minReliability
	}
}

// Len returns the number of known peers, including self.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}
