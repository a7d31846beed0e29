package dht

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcast/crypto"
	"github.com/opd-ai/kadcast/transport"
)

// DiscoveryConfig holds the liveness and table maintenance
// parameters.
type DiscoveryConfig struct {
	// PingInterval is how often each bucket's idle peers are probed.
	PingInterval time.Duration
	// PingTimeout bounds how long a probe waits for a pong.
	PingTimeout time.Duration
	// SweepInterval is how often stale entries are evicted.
	SweepInterval time.Duration
	// Recursive enables querying newly discovered peers for more
	// peers. Disable only in closed test networks.
	Recursive bool
}

// DefaultDiscoveryConfig returns the reference parameters.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		PingInterval:  1 * time.Minute,
		PingTimeout:   5 * time.Second,
		SweepInterval: 1 * time.Minute,
		Recursive:     true,
	}
}

// Discoverer maintains routing table freshness independent of
// broadcast traffic: it answers and issues pings, serves find-nodes
// queries from the table and feeds responses back into it.
type Discoverer struct {
	table  *RoutingTable
	tr     transport.Transport
	header transport.Header
	cfg    DiscoveryConfig

	probes  map[crypto.NodeID]chan struct{}
	probeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// NewDiscoverer creates a discoverer for the given table. The header
// identifies the local node in outgoing packets.
func NewDiscoverer(table *RoutingTable, tr transport.Transport, header transport.Header, cfg DiscoveryConfig) *Discoverer {
	def := DefaultDiscoveryConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Discoverer{
		table:  table,
		tr:     tr,
		header: header,
		cfg:    cfg,
		probes: make(map[crypto.NodeID]chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers the control packet handlers and launches the
// maintenance routines.
func (d *Discoverer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return
	}
	d.active = true

	d.tr.RegisterHandler(transport.PacketPing, d.handlePing)
	d.tr.RegisterHandler(transport.PacketPong, d.handlePong)
	d.tr.RegisterHandler(transport.PacketFindNodes, d.handleFindNodes)
	d.tr.RegisterHandler(transport.PacketNodes, d.handleNodes)

	d.wg.Add(2)
	go d.pingRoutine()
	go d.sweepRoutine()
}

// Stop halts the maintenance routines and waits for in-flight probes.
func (d *Discoverer) Stop() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Bootstrap seeds the routing table: each seed is inserted by its
// address-derived id and asked for the peers closest to the local
// node. Discovered peers are queried in turn when recursive discovery
// is enabled.
func (d *Discoverer) Bootstrap(ctx context.Context, seeds []*net.UDPAddr) error {
	if len(seeds) == 0 {
		return errors.New("no bootstrap seeds provided")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"seeds":    len(seeds),
	}).Info("Bootstrapping routing table")

	for _, seed := range seeds {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		node := PeerNodeFromAddr(seed)
		if node.ID == d.table.SelfID() {
			continue
		}
		d.Observe(node.ID, seed)

		// Ping establishes liveness; find-nodes pulls the seed's view
		// of the neighbourhood around the local id.
		if err := d.tr.Send(transport.MarshalPing(d.header), seed); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"seed":     seed.String(),
				"error":    err.Error(),
			}).Warn("Unable to ping bootstrap seed")
		}
		if err := d.tr.Send(transport.MarshalFindNodes(d.header, d.table.SelfID()), seed); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"seed":     seed.String(),
				"error":    err.Error(),
			}).Warn("Unable to reach bootstrap seed")
		}
	}
	return nil
}

// Observe records contact with a peer: it is inserted or refreshed in
// the table, and if the bucket policy demands a liveness probe of its
// oldest entry, the probe is launched. Returns the insertion outcome.
func (d *Discoverer) Observe(id crypto.NodeID, addr *net.UDPAddr) InsertResult {
	result, probe := d.table.AddNode(NewPeerNode(id, addr))
	if probe != nil {
		go d.probe(probe)
	}
	return result
}

// probe pings a flagged peer and reports the verdict to the table.
// The replacement is forfeited if the peer answers in time.
func (d *Discoverer) probe(node *PeerNode) {
	d.probeMu.Lock()
	if _, outstanding := d.probes[node.ID]; outstanding {
		d.probeMu.Unlock()
		return
	}
	pong := make(chan struct{})
	d.probes[node.ID] = pong
	d.probeMu.Unlock()

	defer func() {
		d.probeMu.Lock()
		delete(d.probes, node.ID)
		d.probeMu.Unlock()
	}()

	if err := d.tr.Send(transport.MarshalPing(d.header), node.Addr); err != nil {
		d.table.ResolveProbe(node.ID, false)
		return
	}

	select {
	case <-pong:
		d.table.ResolveProbe(node.ID, true)
	case <-time.After(d.cfg.PingTimeout):
		logrus.WithFields(logrus.Fields{
			"function": "probe",
			"peer":     node.String(),
		}).Debug("Liveness probe timed out, evicting")
		d.table.ResolveProbe(node.ID, false)
	case <-d.ctx.Done():
	}
}

// handlePing answers with a pong and records the sender.
func (d *Discoverer) handlePing(p *transport.Packet, addr *net.UDPAddr) {
	reply := replyAddr(p.Header, addr)
	d.Observe(p.Header.SenderID, reply)

	if err := d.tr.Send(transport.MarshalPong(d.header), reply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePing",
			"peer":     reply.String(),
			"error":    err.Error(),
		}).Warn("Unable to send pong")
	}
}

// handlePong settles any outstanding probe for the sender and
// refreshes it in the table.
func (d *Discoverer) handlePong(p *transport.Packet, addr *net.UDPAddr) {
	d.probeMu.Lock()
	if ch, ok := d.probes[p.Header.SenderID]; ok {
		delete(d.probes, p.Header.SenderID)
		close(ch)
	}
	d.probeMu.Unlock()

	d.Observe(p.Header.SenderID, replyAddr(p.Header, addr))
}

// handleFindNodes answers with the closest known peers to the target.
func (d *Discoverer) handleFindNodes(p *transport.Packet, addr *net.UDPAddr) {
	reply := replyAddr(p.Header, addr)
	d.Observe(p.Header.SenderID, reply)

	target, err := transport.ParseFindNodes(p.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFindNodes",
			"peer":     reply.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed find-nodes")
		return
	}

	closest := d.table.Closest(target, d.table.cfg.BucketSize)
	infos := make([]transport.NodeInfo, 0, len(closest))
	for _, n := range closest {
		if n.ID == p.Header.SenderID {
			continue
		}
		infos = append(infos, n.NodeInfo())
	}

	if err := d.tr.Send(transport.MarshalNodes(d.header, infos), reply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFindNodes",
			"peer":     reply.String(),
			"error":    err.Error(),
		}).Warn("Unable to send nodes response")
	}
}

// handleNodes inserts every advertised peer and, when recursive
// discovery is on, queries peers seen for the first time.
func (d *Discoverer) handleNodes(p *transport.Packet, addr *net.UDPAddr) {
	d.Observe(p.Header.SenderID, replyAddr(p.Header, addr))

	nodes, err := transport.ParseNodes(p.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleNodes",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed nodes response")
		return
	}

	for _, info := range nodes {
		if info.ID == d.table.SelfID() {
			continue
		}
		result := d.Observe(info.ID, info.Addr)
		if result == Inserted && d.cfg.Recursive {
			if err := d.tr.Send(transport.MarshalFindNodes(d.header, d.table.SelfID()), info.Addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleNodes",
					"peer":     info.Addr.String(),
					"error":    err.Error(),
				}).Debug("Recursive find-nodes failed")
			}
		}
	}
}

// pingRoutine periodically probes idle peers so dead entries make
// room for fresh candidates.
func (d *Discoverer) pingRoutine() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for _, n := range d.table.IdlePeers(d.table.cfg.NodeTTL/2, 1) {
				if err := d.tr.Send(transport.MarshalPing(d.header), n.Addr); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "pingRoutine",
						"peer":     n.String(),
						"error":    err.Error(),
					}).Debug("Keepalive ping failed")
				}
			}
		}
	}
}

// sweepRoutine periodically evicts peers that outlived their TTL.
func (d *Discoverer) sweepRoutine() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.table.DropStale()
			if logrus.IsLevelEnabled(logrus.DebugLevel) {
				d.table.Report()
			}
		}
	}
}

// replyAddr is the canonical endpoint of a packet's sender: the
// datagram source IP with the verified port claimed in the header.
func replyAddr(h transport.Header, addr *net.UDPAddr) *net.UDPAddr {
	return &net.UDPAddr{IP: addr.IP, Port: int(h.SenderPort), Zone: addr.Zone}
}
