package transport

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/opd-ai/kadcast/crypto"
)

// Defaults mirroring the reference protocol parameters.
const (
	DefaultMaxDatagramSize = 1300
	DefaultRedundancy      = 0.15
	DefaultMinParityShards = 5
	DefaultMaxPayloadSize  = 128 * 1024
)

// maxTotalShards is the shard count limit of the GF(2^8) Reed-Solomon
// code.
const maxTotalShards = 256

// ErrPayloadTooLarge is returned when a broadcast payload exceeds the
// configured maximum or cannot be represented within the shard count
// limit. It is the only transport error surfaced to an originating
// caller.
var ErrPayloadTooLarge = errors.New("payload too large")

// EncoderConfig holds the erasure coding parameters.
type EncoderConfig struct {
	// MaxDatagramSize bounds the size of one emitted datagram,
	// including all headers.
	MaxDatagramSize int
	// Redundancy is the fraction of additional parity data generated
	// per payload byte.
	Redundancy float64
	// MinParityShards is the parity floor applied to small payloads.
	MinParityShards int
	// MaxPayloadSize is the largest accepted broadcast payload.
	MaxPayloadSize int
}

// DefaultEncoderConfig returns the reference parameters: 1300-byte
// datagrams, 15% redundancy, at least 5 parity shards.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		MaxDatagramSize: DefaultMaxDatagramSize,
		Redundancy:      DefaultRedundancy,
		MinParityShards: DefaultMinParityShards,
		MaxPayloadSize:  DefaultMaxPayloadSize,
	}
}

// Encoder turns broadcast payloads into sets of loss-tolerant shard
// datagrams. Encoding is deterministic: the same payload always
// produces the same shards and message id.
type Encoder struct {
	cfg EncoderConfig
}

// NewEncoder creates an encoder, applying defaults for unset fields.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	def := DefaultEncoderConfig()
	if cfg.MaxDatagramSize == 0 {
		cfg.MaxDatagramSize = def.MaxDatagramSize
	}
	if cfg.Redundancy == 0 {
		cfg.Redundancy = def.Redundancy
	}
	if cfg.MinParityShards == 0 {
		cfg.MinParityShards = def.MinParityShards
	}
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = def.MaxPayloadSize
	}
	if cfg.MaxDatagramSize <= BroadcastOverhead {
		return nil, fmt.Errorf("max datagram size %d does not fit the %d byte broadcast overhead",
			cfg.MaxDatagramSize, BroadcastOverhead)
	}
	if cfg.MinParityShards < 1 {
		return nil, errors.New("at least one parity shard is required")
	}
	return &Encoder{cfg: cfg}, nil
}

// EncodedBroadcast is a payload encoded into shards, ready to be
// marshaled at any forwarding height.
type EncodedBroadcast struct {
	MessageID    crypto.MessageID
	header       Header
	shards       [][]byte
	dataShards   int
	parityShards int
	payloadLen   uint32
}

// Encode splits the payload into source shards sized to fit one
// datagram each, generates parity shards per the redundancy factor
// and returns the shard set. Payloads beyond the configured maximum
// fail with ErrPayloadTooLarge. Zero-length payloads are valid.
func (e *Encoder) Encode(h Header, payload []byte) (*EncodedBroadcast, error) {
	if len(payload) > e.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d",
			ErrPayloadTooLarge, len(payload), e.cfg.MaxPayloadSize)
	}

	maxShard := e.cfg.MaxDatagramSize - BroadcastOverhead
	dataShards := (len(payload) + maxShard - 1) / maxShard
	if dataShards == 0 {
		dataShards = 1
	}
	shardSize := (len(payload) + dataShards - 1) / dataShards
	if shardSize == 0 {
		shardSize = 1
	}

	parityShards := int(float64(len(payload)) * e.cfg.Redundancy / float64(shardSize))
	if parityShards < e.cfg.MinParityShards {
		parityShards = e.cfg.MinParityShards
	}
	if dataShards+parityShards > maxTotalShards {
		return nil, fmt.Errorf("%w: %d bytes needs %d shards, limit is %d",
			ErrPayloadTooLarge, len(payload), dataShards+parityShards, maxTotalShards)
	}

	shards := make([][]byte, dataShards+parityShards)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
		if i < dataShards {
			start := i * shardSize
			if start < len(payload) {
				copy(shards[i], payload[start:])
			}
		}
	}

	rs, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("building erasure coder: %w", err)
	}
	if err := rs.Encode(shards); err != nil {
		return nil, fmt.Errorf("encoding parity shards: %w", err)
	}

	return &EncodedBroadcast{
		MessageID:    crypto.NewMessageID(payload),
		header:       h,
		shards:       shards,
		dataShards:   dataShards,
		parityShards: parityShards,
		payloadLen:   uint32(len(payload)),
	}, nil
}

// NumShards returns the total shard count of the encoded message.
func (eb *EncodedBroadcast) NumShards() int {
	return len(eb.shards)
}

// Datagrams marshals every shard as a datagram carrying the given
// height. Output order carries no meaning; datagrams may be sent in
// any order and some may be lost.
func (eb *EncodedBroadcast) Datagrams(height uint8) [][]byte {
	out := make([][]byte, len(eb.shards))
	for i, shard := range eb.shards {
		p := &BroadcastPacket{
			Header:       eb.header,
			MessageID:    eb.MessageID,
			Height:       height,
			DataShards:   uint16(eb.dataShards),
			ParityShards: uint16(eb.parityShards),
			PayloadLen:   eb.payloadLen,
			ShardIndex:   uint16(i),
			Shard:        shard,
		}
		out[i] = p.Marshal()
	}
	return out
}
