package kadcast

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcast/crypto"
	"github.com/opd-ai/kadcast/dht"
	"github.com/opd-ai/kadcast/transport"
)

// Peer is one node of a kadcast overlay. It owns the UDP transport,
// the routing table, the discovery routines and the diffusion engine,
// and is the only type applications need.
type Peer struct {
	opts   Options
	id     crypto.NodeID
	public *net.UDPAddr

	tr     *transport.UDPTransport
	table  *dht.RoutingTable
	disc   *dht.Discoverer
	engine *Engine
}

// NewPeer creates and starts a peer bound to opts.ListenAddr. The
// node id is derived from the public address, so peers behind NAT
// must set PublicAddr to their externally visible endpoint.
func NewPeer(opts Options) (*Peer, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	tr, err := transport.NewUDP(opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("binding transport: %w", err)
	}

	public := tr.LocalAddr()
	if opts.PublicAddr != "" {
		public, err = net.ResolveUDPAddr("udp", opts.PublicAddr)
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("resolving public address: %w", err)
		}
	}

	id := crypto.NodeIDFromAddr(public)
	header := transport.Header{SenderID: id, SenderPort: uint16(public.Port)}

	table := dht.NewRoutingTable(id, dht.Config{
		BucketSize: opts.BucketSize,
		NodeTTL:    opts.NodeTTL,
	})
	disc := dht.NewDiscoverer(table, tr, header, dht.DiscoveryConfig{
		PingInterval: opts.PingInterval,
		PingTimeout:  opts.PingTimeout,
		Recursive:    opts.RecursiveDiscovery,
	})
	engine, err := NewEngine(table, tr, header, opts, func(id crypto.NodeID, addr *net.UDPAddr) {
		disc.Observe(id, addr)
	})
	if err != nil {
		tr.Close()
		return nil, err
	}

	disc.Start()
	engine.Start()

	logrus.WithFields(logrus.Fields{
		"function": "NewPeer",
		"id":       id.String(),
		"addr":     public.String(),
	}).Info("Kadcast peer started")

	return &Peer{
		opts:   opts,
		id:     id,
		public: public,
		tr:     tr,
		table:  table,
		disc:   disc,
		engine: engine,
	}, nil
}

// ID returns the node identifier of this peer.
func (p *Peer) ID() crypto.NodeID {
	return p.id
}

// Addr returns the public address the node id is derived from.
func (p *Peer) Addr() *net.UDPAddr {
	return p.public
}

// NumPeers returns the current routing table occupancy.
func (p *Peer) NumPeers() int {
	return p.table.Len()
}

// Bootstrap joins the overlay through the given "ip:port" seeds.
func (p *Peer) Bootstrap(ctx context.Context, seeds []string) error {
	addrs := make([]*net.UDPAddr, 0, len(seeds))
	for _, s := range seeds {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			return fmt.Errorf("resolving seed %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return p.disc.Bootstrap(ctx, addrs)
}

// Broadcast diffuses a payload to the whole overlay. Delivery is best
// effort: the erasure coding tolerates datagram loss, but no
// acknowledgement or retransmission exists. Payloads beyond the
// configured maximum fail with ErrPayloadTooLarge.
func (p *Peer) Broadcast(payload []byte) error {
	return p.engine.Broadcast(payload)
}

// Incoming returns the channel of broadcasts received from the
// overlay. The peer's own broadcasts are never delivered locally.
func (p *Peer) Incoming() <-chan Message {
	return p.engine.Incoming()
}

// Close stops the peer and releases the socket.
func (p *Peer) Close() error {
	p.engine.Stop()
	p.disc.Stop()
	return p.tr.Close()
}
