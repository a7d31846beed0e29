package dht

import (
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/kadcast/crypto"
	"github.com/opd-ai/kadcast/transport"
)

// PeerNode is one known peer: its derived identifier, its UDP
// endpoint and when it was last heard from. A PeerNode is owned by
// exactly one bucket slot; its fields are mutated only under the
// routing table lock.
type PeerNode struct {
	ID       crypto.NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// NewPeerNode creates a peer with the given id and address, marked as
// seen now.
func NewPeerNode(id crypto.NodeID, addr *net.UDPAddr) *PeerNode {
	return &PeerNode{
		ID:       id,
		Addr:     addr,
		LastSeen: time.Now(),
	}
}

// PeerNodeFromAddr creates a peer whose id is derived from its
// address. Used for bootstrap seeds, where the address is all that is
// known.
func PeerNodeFromAddr(addr *net.UDPAddr) *PeerNode {
	return NewPeerNode(crypto.NodeIDFromAddr(addr), addr)
}

// Refresh marks the peer as seen now.
func (n *PeerNode) Refresh() {
	n.LastSeen = time.Now()
}

// IsStale reports whether the peer has not been heard from within ttl.
func (n *PeerNode) IsStale(ttl time.Duration) bool {
	return time.Since(n.LastSeen) > ttl
}

// NodeInfo returns the peer's wire representation for Nodes packets.
func (n *PeerNode) NodeInfo() transport.NodeInfo {
	return transport.NodeInfo{ID: n.ID, Addr: n.Addr}
}

// String returns a short description for logging.
func (n *PeerNode) String() string {
	return fmt.Sprintf("%s@%s", n.ID.String()[:8], n.Addr)
}
