package kadcast

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLocalPeer starts a peer on an ephemeral loopback port with
// parameters tightened for fast tests.
func newLocalPeer(t *testing.T, mutate func(*Options)) *Peer {
	t.Helper()
	opts := DefaultOptions()
	opts.ListenAddr = "127.0.0.1:0"
	opts.PingTimeout = 500 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}

	p, err := NewPeer(opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewPeerRejectsInvalidOptions(t *testing.T) {
	_, err := NewPeer(Options{})
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.ListenAddr = "127.0.0.1:0"
	opts.Beta = 0
	_, err = NewPeer(opts)
	assert.Error(t, err)
}

func TestPeerIDDerivedFromPublicAddr(t *testing.T) {
	p := newLocalPeer(t, nil)
	assert.Equal(t, p.Addr().String(), p.tr.LocalAddr().String(),
		"public address defaults to the bound socket")

	q := newLocalPeer(t, func(o *Options) {
		o.PublicAddr = "203.0.113.7:9000"
	})
	assert.Equal(t, "203.0.113.7:9000", q.Addr().String())
	assert.NotEqual(t, p.ID(), q.ID())
}

func TestPeerBootstrapPopulatesTable(t *testing.T) {
	seed := newLocalPeer(t, nil)
	joiner := newLocalPeer(t, nil)

	require.NoError(t, joiner.Bootstrap(context.Background(), []string{seed.Addr().String()}))

	require.Eventually(t, func() bool {
		return joiner.NumPeers() == 1 && seed.NumPeers() == 1
	}, 5*time.Second, 20*time.Millisecond, "seed and joiner never learned each other")
}

func TestPeerBroadcastReachesEveryNode(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-node network test")
	}

	const n = 8
	peers := make([]*Peer, n)
	for i := range peers {
		// A high beta makes coverage deterministic on this small
		// overlay; every bucket is forwarded in full.
		peers[i] = newLocalPeer(t, func(o *Options) {
			o.Beta = n
		})
	}

	seed := peers[0].Addr().String()
	for _, p := range peers[1:] {
		require.NoError(t, p.Bootstrap(context.Background(), []string{seed}))
	}

	// Recursive discovery converges the small overlay to a full mesh.
	require.Eventually(t, func() bool {
		for _, p := range peers {
			if p.NumPeers() != n-1 {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "overlay never converged")

	payload := []byte(fmt.Sprintf("network payload %d", time.Now().UnixNano()))
	payload = append(payload, bytes.Repeat([]byte{0xAB}, 10*1024)...)
	require.NoError(t, peers[3].Broadcast(payload))

	for i, p := range peers {
		if i == 3 {
			continue
		}
		select {
		case msg := <-p.Incoming():
			assert.True(t, bytes.Equal(payload, msg.Payload), "peer %d received a mangled payload", i)
		case <-time.After(10 * time.Second):
			t.Fatalf("peer %d never received the broadcast", i)
		}
	}

	// Exactly once: no straggler duplicates after the overlay settles.
	time.Sleep(500 * time.Millisecond)
	for i, p := range peers {
		select {
		case <-p.Incoming():
			t.Fatalf("peer %d received a duplicate", i)
		default:
		}
	}
}

func TestPeerOwnBroadcastNotDeliveredLocally(t *testing.T) {
	a := newLocalPeer(t, nil)
	b := newLocalPeer(t, nil)

	require.NoError(t, b.Bootstrap(context.Background(), []string{a.Addr().String()}))
	require.Eventually(t, func() bool {
		return a.NumPeers() == 1 && b.NumPeers() == 1
	}, 5*time.Second, 20*time.Millisecond)

	payload := []byte("one hop")
	require.NoError(t, a.Broadcast(payload))

	select {
	case msg := <-b.Incoming():
		assert.Equal(t, payload, msg.Payload)
		assert.Equal(t, a.ID(), msg.From)
	case <-time.After(5 * time.Second):
		t.Fatal("neighbour never received the broadcast")
	}

	select {
	case <-a.Incoming():
		t.Fatal("originator received its own broadcast")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPeerBroadcastTooLarge(t *testing.T) {
	p := newLocalPeer(t, func(o *Options) {
		o.MaxPayloadSize = 1024
	})

	err := p.Broadcast(bytes.Repeat([]byte{1}, 2048))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
