package kadcast

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/opd-ai/kadcast/crypto"
	"github.com/opd-ai/kadcast/dht"
	"github.com/opd-ai/kadcast/transport"
)

// ErrPayloadTooLarge is returned by Broadcast when the payload exceeds
// the configured maximum or the shard count limit.
var ErrPayloadTooLarge = transport.ErrPayloadTooLarge

// Message is a broadcast delivered to the local application. From is
// the last-hop relay, not necessarily the originator; the protocol
// does not track message provenance.
type Message struct {
	Payload []byte
	From    crypto.NodeID
	Height  uint8
}

// observeFunc records protocol-level contact with a peer.
type observeFunc func(id crypto.NodeID, addr *net.UDPAddr)

// Engine implements the height-bounded diffusion. Each received
// message is reassembled once, delivered to the application once and
// forwarded to a bounded sample of every bucket the carried height has
// not yet covered.
type Engine struct {
	table     *dht.RoutingTable
	tr        transport.Transport
	header    transport.Header
	encoder   *transport.Encoder
	assembler *transport.Assembler
	observe   observeFunc

	// seen suppresses replays. An entry is added the moment a message
	// is delivered or originated, so late shards of the same id are
	// dropped before they reach the assembler. seenMu makes the
	// check-and-mark atomic: concurrent decodes of the same id must
	// not both win.
	seen   *expirable.LRU[crypto.MessageID, struct{}]
	seenMu sync.Mutex

	beta       int
	sem        *semaphore.Weighted
	sweepEvery time.Duration
	incoming   chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// NewEngine creates a diffusion engine. The header identifies the
// local node in forwarded datagrams; observe may be nil.
func NewEngine(table *dht.RoutingTable, tr transport.Transport, header transport.Header, opts Options, observe observeFunc) (*Engine, error) {
	enc, err := transport.NewEncoder(opts.encoderConfig())
	if err != nil {
		return nil, err
	}

	timeout := opts.ReassemblyTimeout
	if timeout <= 0 {
		timeout = transport.DefaultReassemblyTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		table:      table,
		tr:         tr,
		header:     header,
		encoder:    enc,
		assembler:  transport.NewAssembler(timeout, nil),
		observe:    observe,
		seen:       expirable.NewLRU[crypto.MessageID, struct{}](opts.SeenCacheSize, nil, opts.SeenTTL),
		beta:       opts.Beta,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrentSends)),
		sweepEvery: timeout / 2,
		incoming:   make(chan Message, opts.IncomingBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start registers the broadcast handler and launches the reassembly
// sweep routine.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return
	}
	e.active = true

	e.tr.RegisterHandler(transport.PacketBroadcast, e.handleBroadcast)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.assembler.Run(e.ctx, e.sweepEvery)
	}()
}

// Stop halts the engine and waits for in-flight forwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// Incoming returns the delivery channel. Messages are dropped when the
// consumer falls behind the channel capacity.
func (e *Engine) Incoming() <-chan Message {
	return e.incoming
}

// Broadcast originates a message: the payload is erasure coded once
// and its shards sent to a bounded sample of every bucket. The local
// node never receives its own broadcast.
func (e *Engine) Broadcast(payload []byte) error {
	eb, err := e.encoder.Encode(e.header, payload)
	if err != nil {
		return err
	}

	e.markSeen(eb.MessageID)
	logrus.WithFields(logrus.Fields{
		"function":   "Broadcast",
		"message_id": eb.MessageID.String(),
		"bytes":      len(payload),
		"shards":     eb.NumShards(),
	}).Debug("Originating broadcast")

	e.forward(eb, 0)
	return nil
}

// handleBroadcast feeds one shard through replay suppression and
// reassembly, then delivers and relays the decoded message.
func (e *Engine) handleBroadcast(p *transport.Packet, addr *net.UDPAddr) {
	if p.Header.SenderID == e.table.SelfID() {
		return
	}
	if e.observe != nil {
		e.observe(p.Header.SenderID, &net.UDPAddr{IP: addr.IP, Port: int(p.Header.SenderPort), Zone: addr.Zone})
	}

	bp, err := transport.ParseBroadcast(p.Header, p.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleBroadcast",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed broadcast shard")
		return
	}

	// Shards of already-delivered messages never reach the assembler,
	// so a replayed shard cannot reopen a reassembly buffer.
	if _, dup := e.seen.Get(bp.MessageID); dup {
		return
	}

	frame, err := e.assembler.Add(bp)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleBroadcast",
			"message_id": bp.MessageID.String(),
			"error":      err.Error(),
		}).Debug("Discarding undecodable message")
		return
	}
	if frame == nil {
		return
	}

	if e.markSeen(frame.MessageID) {
		return
	}

	e.deliver(Message{Payload: frame.Payload, From: p.Header.SenderID, Height: frame.Height})
	e.relay(frame)
}

// markSeen records a message id and reports whether it was already
// present. Two relays can decode the same message concurrently when
// their shard sets complete at the same time; exactly one caller wins.
func (e *Engine) markSeen(id crypto.MessageID) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if _, dup := e.seen.Get(id); dup {
		return true
	}
	e.seen.Add(id, struct{}{})
	return false
}

// deliver hands a message to the application without blocking the
// packet path.
func (e *Engine) deliver(msg Message) {
	select {
	case e.incoming <- msg:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"bytes":    len(msg.Payload),
		}).Warn("Consumer lagging, dropping delivered broadcast")
	}
}

// relay re-encodes a decoded message under the local sender identity
// and forwards it from the height it arrived with. Encoding is
// deterministic, so the relayed shards carry the original message id.
func (e *Engine) relay(frame *transport.Frame) {
	eb, err := e.encoder.Encode(e.header, frame.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "relay",
			"message_id": frame.MessageID.String(),
			"error":      err.Error(),
		}).Warn("Unable to re-encode message for relay")
		return
	}
	e.forward(eb, int(frame.Height))
}

// forward sends the shard set to up to beta random peers in every
// bucket with index >= height. A recipient drawn from bucket b
// receives height b+1, so buckets the sender already covered are
// never walked again downstream.
func (e *Engine) forward(eb *transport.EncodedBroadcast, height int) {
	for _, sample := range e.table.SampleAtOrAbove(height, e.beta) {
		datagrams := eb.Datagrams(uint8(sample.Index + 1))
		for _, peer := range sample.Peers {
			if err := e.sem.Acquire(e.ctx, 1); err != nil {
				return
			}
			e.wg.Add(1)
			go func(peer *dht.PeerNode) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				e.sendAll(datagrams, peer)
			}(peer)
		}
	}
}

// sendAll writes every shard datagram to one peer. A send failure
// abandons the remaining shards for that peer only; redundancy and
// other relays cover the loss.
func (e *Engine) sendAll(datagrams [][]byte, peer *dht.PeerNode) {
	for _, d := range datagrams {
		if err := e.tr.Send(d, peer.Addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendAll",
				"peer":     peer.String(),
				"error":    err.Error(),
			}).Warn("Forwarding to peer failed")
			return
		}
	}
}
