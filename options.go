package kadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/kadcast/transport"
)

// Options configures a Peer. Start from DefaultOptions and override
// what you need; NewPeer rejects inconsistent combinations.
type Options struct {
	// ListenAddr is the UDP address to bind, e.g. "0.0.0.0:9000".
	// A port of 0 picks an ephemeral port.
	ListenAddr string

	// PublicAddr is the externally reachable "ip:port" of this peer,
	// used to derive its node id. Empty means the transport's bound
	// address, which only works when peers can reach it directly.
	PublicAddr string

	// BucketSize is the capacity K of each routing table bucket.
	BucketSize int

	// Beta bounds how many peers per bucket a message is forwarded to.
	Beta int

	// MaxDatagramSize bounds emitted datagram size, headers included.
	MaxDatagramSize int

	// FECRedundancy is the fraction of parity data generated per
	// payload byte.
	FECRedundancy float64

	// MinParityShards is the parity floor applied to small payloads.
	MinParityShards int

	// MaxPayloadSize is the largest accepted broadcast payload.
	MaxPayloadSize int

	// SeenTTL is how long a delivered message id suppresses replays.
	SeenTTL time.Duration

	// SeenCacheSize bounds the replay suppression cache.
	SeenCacheSize int

	// ReassemblyTimeout is how long a partial message waits for
	// further shards before being discarded.
	ReassemblyTimeout time.Duration

	// PingInterval is how often idle routing table peers are probed.
	PingInterval time.Duration

	// PingTimeout bounds how long a liveness probe waits for a pong.
	PingTimeout time.Duration

	// NodeTTL is how long a silent peer stays in the routing table.
	NodeTTL time.Duration

	// RecursiveDiscovery queries newly discovered peers for more
	// peers. Disable only in closed test networks.
	RecursiveDiscovery bool

	// IncomingBuffer is the delivery channel capacity. Messages are
	// dropped when the consumer falls this far behind.
	IncomingBuffer int

	// MaxConcurrentSends bounds parallel forwarding goroutines.
	MaxConcurrentSends int
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		ListenAddr:         "0.0.0.0:9000",
		BucketSize:         20,
		Beta:               3,
		MaxDatagramSize:    transport.DefaultMaxDatagramSize,
		FECRedundancy:      transport.DefaultRedundancy,
		MinParityShards:    transport.DefaultMinParityShards,
		MaxPayloadSize:     transport.DefaultMaxPayloadSize,
		SeenTTL:            5 * time.Minute,
		SeenCacheSize:      4096,
		ReassemblyTimeout:  transport.DefaultReassemblyTimeout,
		PingInterval:       1 * time.Minute,
		PingTimeout:        5 * time.Second,
		NodeTTL:            5 * time.Minute,
		RecursiveDiscovery: true,
		IncomingBuffer:     64,
		MaxConcurrentSends: 64,
	}
}

// validate rejects option combinations the stack cannot run with.
func (o Options) validate() error {
	if o.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if o.BucketSize <= 0 {
		return fmt.Errorf("bucket size must be positive, got %d", o.BucketSize)
	}
	if o.Beta <= 0 {
		return fmt.Errorf("beta must be positive, got %d", o.Beta)
	}
	if o.MaxDatagramSize <= transport.BroadcastOverhead {
		return fmt.Errorf("max datagram size %d does not fit the %d byte broadcast overhead",
			o.MaxDatagramSize, transport.BroadcastOverhead)
	}
	if o.SeenCacheSize <= 0 {
		return fmt.Errorf("seen cache size must be positive, got %d", o.SeenCacheSize)
	}
	if o.IncomingBuffer <= 0 {
		return fmt.Errorf("incoming buffer must be positive, got %d", o.IncomingBuffer)
	}
	if o.MaxConcurrentSends <= 0 {
		return fmt.Errorf("max concurrent sends must be positive, got %d", o.MaxConcurrentSends)
	}
	return nil
}

// encoderConfig maps the erasure coding options to the transport
// layer's configuration.
func (o Options) encoderConfig() transport.EncoderConfig {
	return transport.EncoderConfig{
		MaxDatagramSize: o.MaxDatagramSize,
		Redundancy:      o.FECRedundancy,
		MinParityShards: o.MinParityShards,
		MaxPayloadSize:  o.MaxPayloadSize,
	}
}
