package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/reedsolomon"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcast/crypto"
)

// DefaultReassemblyTimeout is how long a partial message waits for
// further shards before being discarded.
const DefaultReassemblyTimeout = 60 * time.Second

// Frame is a fully reassembled broadcast message.
type Frame struct {
	MessageID crypto.MessageID
	Height    uint8
	Payload   []byte
}

// reassemblyBuffer accumulates shards for one in-flight message until
// decode succeeds or the timeout sweep removes it.
type reassemblyBuffer struct {
	shards       [][]byte
	received     int
	dataShards   int
	parityShards int
	shardSize    int
	payloadLen   uint32
	height       uint8
	lastArrival  time.Time
}

// Assembler routes incoming broadcast shards to per-message
// reassembly buffers and emits each payload once decodable. Shard
// arrival order is irrelevant. The caller is responsible for dropping
// shards of already-delivered message ids; the assembler only bounds
// and reclaims its own partial state.
type Assembler struct {
	mu      sync.Mutex
	buffers map[crypto.MessageID]*reassemblyBuffer
	timeout time.Duration
	clk     clock.Clock
}

// NewAssembler creates an assembler whose partial buffers expire
// after the given timeout. A nil clock uses the wall clock; tests
// inject a mock.
func NewAssembler(timeout time.Duration, clk clock.Clock) *Assembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Assembler{
		buffers: make(map[crypto.MessageID]*reassemblyBuffer),
		timeout: timeout,
		clk:     clk,
	}
}

// Add feeds one shard to its message's buffer, creating the buffer on
// first sight. It returns the reassembled frame exactly once, when
// enough distinct shards have arrived; otherwise nil. Shards whose
// parameters disagree with the buffer are rejected.
func (a *Assembler) Add(p *BroadcastPacket) (*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buffers[p.MessageID]
	if !ok {
		total := int(p.DataShards) + int(p.ParityShards)
		if total > maxTotalShards {
			// A shard set this size can never decode; allocating a
			// buffer for it would pin memory until the sweep.
			return nil, fmt.Errorf("%w: %d shards exceeds the %d shard limit", ErrMalformedPacket, total, maxTotalShards)
		}
		if int(p.PayloadLen) > int(p.DataShards)*len(p.Shard) {
			return nil, fmt.Errorf("%w: payload length exceeds shard capacity", ErrMalformedPacket)
		}
		b = &reassemblyBuffer{
			shards:       make([][]byte, total),
			dataShards:   int(p.DataShards),
			parityShards: int(p.ParityShards),
			shardSize:    len(p.Shard),
			payloadLen:   p.PayloadLen,
			height:       p.Height,
		}
		a.buffers[p.MessageID] = b
	}

	if int(p.DataShards) != b.dataShards || int(p.ParityShards) != b.parityShards ||
		p.PayloadLen != b.payloadLen || len(p.Shard) != b.shardSize {
		return nil, fmt.Errorf("%w: shard parameters disagree with buffer", ErrMalformedPacket)
	}

	b.lastArrival = a.clk.Now()
	if p.Height < b.height {
		b.height = p.Height
	}
	if b.shards[p.ShardIndex] == nil {
		b.shards[p.ShardIndex] = p.Shard
		b.received++
	}

	if b.received < b.dataShards {
		return nil, nil
	}

	frame, err := a.decode(p.MessageID, b)
	delete(a.buffers, p.MessageID)
	return frame, err
}

// decode reconstructs the payload from the buffered shards and checks
// its digest against the message id.
func (a *Assembler) decode(id crypto.MessageID, b *reassemblyBuffer) (*Frame, error) {
	rs, err := reedsolomon.New(b.dataShards, b.parityShards)
	if err != nil {
		return nil, fmt.Errorf("building erasure decoder: %w", err)
	}
	if err := rs.ReconstructData(b.shards); err != nil {
		return nil, fmt.Errorf("reconstructing payload: %w", err)
	}

	joined := bytes.Join(b.shards[:b.dataShards], nil)
	payload := joined[:b.payloadLen]

	if crypto.NewMessageID(payload) != id {
		return nil, fmt.Errorf("%w: decoded payload digest mismatch", ErrMalformedPacket)
	}
	return &Frame{MessageID: id, Height: b.height, Payload: payload}, nil
}

// Pending returns the number of in-flight reassembly buffers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Sweep drops buffers that received no shard within the timeout and
// returns how many were removed. The partial messages are silently
// lost; no retransmission is requested.
func (a *Assembler) Sweep() int {
	cutoff := a.clk.Now().Add(-a.timeout)

	a.mu.Lock()
	removed := 0
	for id, b := range a.buffers {
		if b.lastArrival.Before(cutoff) {
			delete(a.buffers, id)
			removed++
		}
	}
	a.mu.Unlock()

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"removed":  removed,
		}).Debug("Dropped expired reassembly buffers")
	}
	return removed
}

// Run sweeps expired buffers on the given interval until the context
// is cancelled.
func (a *Assembler) Run(ctx context.Context, interval time.Duration) {
	ticker := a.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}
