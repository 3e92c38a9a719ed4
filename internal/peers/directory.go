package peers

import (
	"log/slog"
	"sync"
	"time"
)

// PeerRecord describes a discovered remote instance. InstanceKey is unique
// per process run, not per user.
type PeerRecord struct {
	InstanceKey string
	Addr        string
	Port        int
	DisplayName string
	LastSeen    time.Time
}

// Directory tracks known peers. It has its own mutex, separate from the task
// set lock, because discovery events arrive on a different schedule than
// reconciliation.
type Directory struct {
	mu    sync.Mutex
	peers map[string]PeerRecord
}

// NewDirectory creates an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{
		peers: make(map[string]PeerRecord),
	}
}

// Upsert adds or refreshes a peer record, stamping LastSeen with now when the
// record carries a zero value.
func (d *Directory) Upsert(record PeerRecord) {
	if record.LastSeen.IsZero() {
		record.LastSeen = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, known := d.peers[record.InstanceKey]
	d.peers[record.InstanceKey] = record

	if !known {
		slog.Info("Discovered peer", "name", record.DisplayName, "addr", record.Addr, "port", record.Port)
	}
}

// Remove drops a peer after an explicit withdrawal. Removing an unknown peer
// is a no-op.
func (d *Directory) Remove(instanceKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[instanceKey]; ok {
		delete(d.peers, instanceKey)
		slog.Info("Peer removed", "instance", instanceKey)
	}
}

// Snapshot returns a copy of all known peers.
func (d *Directory) Snapshot() []PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PeerRecord, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// SweepStale evicts peers whose LastSeen predates the cutoff and returns the
// number removed. Sweeping an empty directory is fine.
func (d *Directory) SweepStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, p := range d.peers {
		if p.LastSeen.Before(cutoff) {
			delete(d.peers, key)
			removed++
			slog.Info("Removed stale peer", "instance", key, "name", p.DisplayName, "last_seen", p.LastSeen)
		}
	}
	return removed
}
