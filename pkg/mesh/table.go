package mesh

import (
	"slices"
	"sync"
	"time"
)

// NodeRecord is the last known state of one peer.
type NodeRecord struct {
	ID        NodeID
	Detecting bool
	LastSeen  time.Time
	RSSI      int // dBm, valid when HasRSSI
	HasRSSI   bool
}

// NodeTable is a concurrent registry of peers. Every method takes the same
// lock, and records only leave the table as copies.
type NodeTable struct {
	mu    sync.Mutex
	nodes map[NodeID]*NodeRecord
}

func NewNodeTable() *NodeTable {
	return &NodeTable{nodes: make(map[NodeID]*NodeRecord)}
}

// Upsert records a detection vote from id and refreshes its liveness.
func (t *NodeTable) Upsert(id NodeID, detecting bool, now time.Time) (created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, created := t.lookupOrCreate(id)
	rec.Detecting = detecting
	rec.LastSeen = now
	return created
}

// Touch refreshes liveness only. A previous Detecting value is kept; a new
// record starts out not detecting.
func (t *NodeTable) Touch(id NodeID, now time.Time) (created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, created := t.lookupOrCreate(id)
	rec.LastSeen = now
	return created
}

// ObserveSignal attaches a signal strength reading to a known peer.
func (t *NodeTable) ObserveSignal(id NodeID, rssi int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.nodes[id]; ok {
		rec.RSSI = rssi
		rec.HasRSSI = true
	}
}

// Prune evicts every peer not heard from for longer than timeout and
// returns the evicted ids in ascending order.
func (t *NodeTable) Prune(now time.Time, timeout time.Duration) []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []NodeID
	for id, rec := range t.nodes {
		if now.Sub(rec.LastSeen) > timeout {
			delete(t.nodes, id)
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}

// Counts returns the number of known peers and how many of them are
// detecting, both taken under a single lock acquisition.
func (t *NodeTable) Counts() (active, detecting int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.nodes {
		if rec.Detecting {
			detecting++
		}
	}
	return len(t.nodes), detecting
}

func (t *NodeTable) ActiveCount() int {
	active, _ := t.Counts()
	return active
}

func (t *NodeTable) DetectingCount() int {
	_, detecting := t.Counts()
	return detecting
}

func (t *NodeTable) Get(id NodeID) (NodeRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.nodes[id]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

// Snapshot copies every record, sorted by id.
func (t *NodeTable) Snapshot() []NodeRecord {
	t.mu.Lock()
	out := make([]NodeRecord, 0, len(t.nodes))
	for _, rec := range t.nodes {
		out = append(out, *rec)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b NodeRecord) int { return int(a.ID) - int(b.ID) })
	return out
}

func (t *NodeTable) lookupOrCreate(id NodeID) (*NodeRecord, bool) {
	if rec, ok := t.nodes[id]; ok {
		return rec, false
	}
	rec := &NodeRecord{ID: id}
	t.nodes[id] = rec
	return rec, true
}
