package dht

import (
	"math/rand"
	"time"

	"github.com/opd-ai/kadcast/crypto"
)

// DefaultBucketSize is the K parameter: the capacity of one bucket.
const DefaultBucketSize = 20

// InsertResult is the outcome of a bucket insertion. Bucket-full and
// replacement-denied are policy outcomes, not errors.
type InsertResult int

const (
	// Inserted: the peer took a free slot.
	Inserted InsertResult = iota
	// Refreshed: the peer was already present; its timestamp was
	// updated and it moved to the most-recently-seen position.
	Refreshed
	// Rejected: the bucket is full and its oldest entry is alive, so
	// the candidate was discarded (anti-churn).
	Rejected
	// Pending: the bucket is full and its oldest entry looks stale; the
	// candidate is parked until a liveness probe settles the slot.
	Pending
)

// String returns the result name.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Refreshed:
		return "refreshed"
	case Rejected:
		return "rejected"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// flaggedProbe tracks the oldest node of a full bucket while a
// liveness probe is outstanding.
type flaggedProbe struct {
	id crypto.NodeID
	at time.Time
}

// KBucket is a fixed-capacity collection of peers sharing a distance
// range, ordered least-recently-seen first. It is not safe for
// concurrent use; the routing table serializes access.
type KBucket struct {
	nodes    []*PeerNode
	capacity int
	pending  *PeerNode
	flagged  *flaggedProbe
}

// NewKBucket creates a bucket with the given capacity.
func NewKBucket(capacity int) *KBucket {
	if capacity <= 0 {
		capacity = DefaultBucketSize
	}
	return &KBucket{
		nodes:    make([]*PeerNode, 0, capacity),
		capacity: capacity,
	}
}

// Insert applies the anti-churn insertion policy. When the result is
// Pending, the returned peer is the flagged oldest entry the caller
// must probe for liveness; it is nil otherwise.
func (b *KBucket) Insert(node *PeerNode, nodeTTL time.Duration) (InsertResult, *PeerNode) {
	if i := b.indexOf(node.ID); i >= 0 {
		existing := b.nodes[i]
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		b.nodes = append(b.nodes, existing)
		existing.Addr = node.Addr
		existing.Refresh()
		return Refreshed, nil
	}

	if len(b.nodes) < b.capacity {
		b.nodes = append(b.nodes, node)
		return Inserted, nil
	}

	oldest := b.nodes[0]
	if b.flagged != nil {
		// A probe is already outstanding; the newest candidate takes
		// the pending slot.
		b.pending = node
		return Pending, nil
	}
	if !oldest.IsStale(nodeTTL) {
		return Rejected, nil
	}

	b.flagged = &flaggedProbe{id: oldest.ID, at: time.Now()}
	b.pending = node
	return Pending, oldest
}

// ResolveProbe settles an outstanding liveness probe for the flagged
// node. If alive, the node is refreshed and the pending candidate
// dropped; if not, the node is evicted and the candidate takes its
// slot.
func (b *KBucket) ResolveProbe(id crypto.NodeID, alive bool) {
	if b.flagged == nil || b.flagged.id != id {
		return
	}
	b.flagged = nil

	i := b.indexOf(id)
	if alive {
		if i >= 0 {
			n := b.nodes[i]
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append(b.nodes, n)
			n.Refresh()
		}
		b.pending = nil
		return
	}

	if i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	}
	b.insertPending()
}

// DropStale evicts nodes unseen for longer than nodeTTL, except the
// flagged node while its probe is pending; a flagged node whose probe
// never resolved within evictAfter is evicted too. Returns the number
// of evictions.
func (b *KBucket) DropStale(nodeTTL, evictAfter time.Duration) int {
	if b.flagged != nil && time.Since(b.flagged.at) > evictAfter {
		b.ResolveProbe(b.flagged.id, false)
	}

	kept := b.nodes[:0]
	removed := 0
	for _, n := range b.nodes {
		probing := b.flagged != nil && b.flagged.id == n.ID
		if n.IsStale(nodeTTL) && !probing {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	b.nodes = kept
	if removed > 0 {
		b.insertPending()
	}
	return removed
}

// Sample returns up to count peers picked uniformly at random without
// replacement.
func (b *KBucket) Sample(count int) []*PeerNode {
	if count <= 0 || len(b.nodes) == 0 {
		return nil
	}
	idxs := rand.Perm(len(b.nodes))
	if count > len(idxs) {
		count = len(idxs)
	}
	out := make([]*PeerNode, 0, count)
	for _, i := range idxs[:count] {
		out = append(out, b.nodes[i])
	}
	return out
}

// Peers returns a copy of the bucket contents, oldest first.
func (b *KBucket) Peers() []*PeerNode {
	out := make([]*PeerNode, len(b.nodes))
	copy(out, b.nodes)
	return out
}

// Remove deletes the peer with the given id, if present.
func (b *KBucket) Remove(id crypto.NodeID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.insertPending()
	return true
}

// Contains reports whether the peer with the given id is present.
func (b *KBucket) Contains(id crypto.NodeID) bool {
	return b.indexOf(id) >= 0
}

// Len returns the number of peers in the bucket.
func (b *KBucket) Len() int {
	return len(b.nodes)
}

func (b *KBucket) indexOf(id crypto.NodeID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// insertPending promotes the parked candidate into a free slot, if
// both exist and the candidate is still fresh.
func (b *KBucket) insertPending() {
	if b.pending == nil || len(b.nodes) >= b.capacity {
		return
	}
	b.nodes = append(b.nodes, b.pending)
	b.pending = nil
}
