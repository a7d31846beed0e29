package dht

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcast/crypto"
)

// Config holds the routing table parameters.
type Config struct {
	// BucketSize is the capacity K of each bucket.
	BucketSize int
	// NodeTTL is how long a peer stays eligible without being heard
	// from before it becomes an eviction candidate.
	NodeTTL time.Duration
	// EvictAfter is the grace period for a flagged peer whose liveness
	// probe never resolves.
	EvictAfter time.Duration
}

// DefaultConfig returns the reference parameters.
func DefaultConfig() Config {
	return Config{
		BucketSize: DefaultBucketSize,
		NodeTTL:    5 * time.Minute,
		EvictAfter: 30 * time.Second,
	}
}

// BucketSample is the forward set drawn from one bucket, tagged with
// the bucket index so the caller can derive the height to carry.
type BucketSample struct {
	Index int
	Peers []*PeerNode
}

// RoutingTable maps each peer to the bucket matching its prefix
// length relative to the local id. One table-wide RWMutex guards all
// access; bucket counts are small enough that finer locking buys
// nothing.
type RoutingTable struct {
	self    crypto.NodeID
	buckets [crypto.IDBits]*KBucket
	cfg     Config
	mu      sync.RWMutex
}

// NewRoutingTable creates an empty routing table for the local id.
func NewRoutingTable(self crypto.NodeID, cfg Config) *RoutingTable {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.NodeTTL <= 0 {
		cfg.NodeTTL = DefaultConfig().NodeTTL
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = DefaultConfig().EvictAfter
	}

	rt := &RoutingTable{self: self, cfg: cfg}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(cfg.BucketSize)
	}
	return rt
}

// SelfID returns the local node id.
func (rt *RoutingTable) SelfID() crypto.NodeID {
	return rt.self
}

// BucketIndex returns the bucket a peer belongs in: the number of
// leading bits its id shares with the local id. The local id itself
// maps to crypto.IDBits, outside the table.
func (rt *RoutingTable) BucketIndex(id crypto.NodeID) int {
	return rt.self.PrefixLen(id)
}

// AddNode inserts or refreshes a peer in its bucket. The local id is
// never inserted. When the bucket policy parks the candidate, the
// returned peer is the flagged entry the caller should probe. Adding
// an unreachable candidate is not an error; the probe simply fails
// later.
func (rt *RoutingTable) AddNode(node *PeerNode) (InsertResult, *PeerNode) {
	idx := rt.BucketIndex(node.ID)
	if idx >= crypto.IDBits {
		return Rejected, nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	result, probe := rt.buckets[idx].Insert(node, rt.cfg.NodeTTL)

	if result == Inserted {
		logrus.WithFields(logrus.Fields{
			"function": "AddNode",
			"peer":     node.String(),
			"bucket":   idx,
		}).Debug("Peer added to routing table")
	}
	return result, probe
}

// PeersAtOrAbove returns every peer in buckets with index >= height.
// Lower buckets are excluded by construction; the diffusion algorithm
// treats them as already covered.
func (rt *RoutingTable) PeersAtOrAbove(height int) []*PeerNode {
	if height < 0 {
		height = 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []*PeerNode
	for i := height; i < crypto.IDBits; i++ {
		out = append(out, rt.buckets[i].Peers()...)
	}
	return out
}

// SampleAtOrAbove draws up to count random peers from every non-empty
// bucket with index >= height. This is the per-message forward set:
// fan-out is bounded per bucket, not per table.
func (rt *RoutingTable) SampleAtOrAbove(height, count int) []BucketSample {
	if height < 0 {
		height = 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []BucketSample
	for i := height; i < crypto.IDBits; i++ {
		peers := rt.buckets[i].Sample(count)
		if len(peers) > 0 {
			out = append(out, BucketSample{Index: i, Peers: peers})
		}
	}
	return out
}

// SampleBucket draws up to count random peers from one bucket.
func (rt *RoutingTable) SampleBucket(index, count int) []*PeerNode {
	if index < 0 || index >= crypto.IDBits {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[index].Sample(count)
}

// nodeHeap is a max-heap by distance to a target, keeping the closest
// count nodes while scanning the table.
type nodeHeap struct {
	nodes     []*PeerNode
	distances []crypto.NodeID
	target    crypto.NodeID
}

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	return h.distances[j].Less(h.distances[i])
}

func (h *nodeHeap) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.distances[i], h.distances[j] = h.distances[j], h.distances[i]
}

func (h *nodeHeap) Push(x interface{}) {
	n := x.(*PeerNode)
	h.nodes = append(h.nodes, n)
	h.distances = append(h.distances, n.ID.Distance(h.target))
}

func (h *nodeHeap) Pop() interface{} {
	last := len(h.nodes) - 1
	n := h.nodes[last]
	h.nodes = h.nodes[:last]
	h.distances = h.distances[:last]
	return n
}

// Closest returns up to count known peers ordered by XOR distance to
// the target, closest first. Used to answer find-nodes queries.
func (rt *RoutingTable) Closest(target crypto.NodeID, count int) []*PeerNode {
	if count <= 0 {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	h := &nodeHeap{
		nodes:     make([]*PeerNode, 0, count),
		distances: make([]crypto.NodeID, 0, count),
		target:    target,
	}
	for _, bucket := range rt.buckets {
		for _, n := range bucket.Peers() {
			if h.Len() < count {
				heap.Push(h, n)
				continue
			}
			if n.ID.Distance(target).Less(h.distances[0]) {
				heap.Pop(h)
				heap.Push(h, n)
			}
		}
	}

	out := make([]*PeerNode, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(*PeerNode)
	}
	return out
}

// ResolveProbe settles a liveness probe verdict for the given peer.
func (rt *RoutingTable) ResolveProbe(id crypto.NodeID, alive bool) {
	idx := rt.BucketIndex(id)
	if idx >= crypto.IDBits {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].ResolveProbe(id, alive)
}

// RemoveNode deletes a peer from its bucket, if present.
func (rt *RoutingTable) RemoveNode(id crypto.NodeID) bool {
	idx := rt.BucketIndex(id)
	if idx >= crypto.IDBits {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].Remove(id)
}

// DropStale evicts expired peers from every bucket and returns the
// eviction count.
func (rt *RoutingTable) DropStale() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	removed := 0
	for _, b := range rt.buckets {
		removed += b.DropStale(rt.cfg.NodeTTL, rt.cfg.EvictAfter)
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "DropStale",
			"removed":  removed,
		}).Debug("Evicted stale peers")
	}
	return removed
}

// IdlePeers returns up to perBucket random peers per bucket that have
// not been heard from within olderThan. The ping routine probes them.
func (rt *RoutingTable) IdlePeers(olderThan time.Duration, perBucket int) []*PeerNode {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []*PeerNode
	for _, b := range rt.buckets {
		for _, n := range b.Sample(perBucket) {
			if n.IsStale(olderThan) {
				out = append(out, n)
			}
		}
	}
	return out
}

// Len returns the total number of peers across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, b := range rt.buckets {
		total += b.Len()
	}
	return total
}

// Report logs a per-bucket occupancy summary.
func (rt *RoutingTable) Report() {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	for i, b := range rt.buckets {
		if b.Len() == 0 {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "Report",
			"bucket":   i,
			"peers":    b.Len(),
		}).Debug("Routing table bucket")
	}
}
