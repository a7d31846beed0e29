package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kadcast/crypto"
)

func testHeader(t *testing.T) Header {
	t.Helper()
	return Header{
		SenderID:   crypto.NewNodeID(net.ParseIP("192.168.0.1"), 666),
		SenderPort: 666,
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	h := testHeader(t)

	for _, tc := range []struct {
		name string
		data []byte
		want PacketType
	}{
		{"ping", MarshalPing(h), PacketPing},
		{"pong", MarshalPong(h), PacketPong},
	} {
		t.Run(tc.name, func(t *testing.T) {
			parsed, rest, err := ParseHeader(tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, parsed.Type)
			assert.Equal(t, h.SenderID, parsed.SenderID)
			assert.Equal(t, h.SenderPort, parsed.SenderPort)
			assert.Empty(t, rest)
		})
	}
}

func TestFindNodesRoundTrip(t *testing.T) {
	h := testHeader(t)
	target := crypto.NewNodeID(net.ParseIP("10.0.0.1"), 1234)

	data := MarshalFindNodes(h, target)
	parsed, rest, err := ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, PacketFindNodes, parsed.Type)

	got, err := ParseFindNodes(rest)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestNodesRoundTrip(t *testing.T) {
	h := testHeader(t)
	nodes := []NodeInfo{
		{
			ID:   crypto.NewNodeID(net.ParseIP("192.168.1.1"), 666),
			Addr: &net.UDPAddr{IP: net.ParseIP("192.168.1.1").To4(), Port: 666},
		},
		{
			ID:   crypto.NewNodeID(net.ParseIP("2001:db8:85a3::8a2e:370:7334"), 666),
			Addr: &net.UDPAddr{IP: net.ParseIP("2001:db8:85a3::8a2e:370:7334"), Port: 666},
		},
	}

	data := MarshalNodes(h, nodes)
	parsed, rest, err := ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, PacketNodes, parsed.Type)

	got, err := ParseNodes(rest)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range nodes {
		assert.Equal(t, nodes[i].ID, got[i].ID)
		assert.True(t, nodes[i].Addr.IP.Equal(got[i].Addr.IP))
		assert.Equal(t, nodes[i].Addr.Port, got[i].Addr.Port)
	}
}

func TestNodesEmpty(t *testing.T) {
	data := MarshalNodes(testHeader(t), nil)
	_, rest, err := ParseHeader(data)
	require.NoError(t, err)

	got, err := ParseNodes(rest)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBroadcastRoundTrip(t *testing.T) {
	h := testHeader(t)
	payload := []byte{3, 5, 6, 7}
	p := &BroadcastPacket{
		Header:       h,
		MessageID:    crypto.NewMessageID(payload),
		Height:       10,
		DataShards:   1,
		ParityShards: 5,
		PayloadLen:   uint32(len(payload)),
		ShardIndex:   3,
		Shard:        payload,
	}

	data := p.Marshal()
	parsed, rest, err := ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, PacketBroadcast, parsed.Type)

	got, err := ParseBroadcast(parsed, rest)
	require.NoError(t, err)
	assert.Equal(t, p.MessageID, got.MessageID)
	assert.Equal(t, p.Height, got.Height)
	assert.Equal(t, p.DataShards, got.DataShards)
	assert.Equal(t, p.ParityShards, got.ParityShards)
	assert.Equal(t, p.PayloadLen, got.PayloadLen)
	assert.Equal(t, p.ShardIndex, got.ShardIndex)
	assert.Equal(t, p.Shard, got.Shard)
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	_, _, err := ParseHeader(nil)
	assert.ErrorIs(t, err, ErrPacketTooShort)

	_, _, err = ParseHeader(make([]byte, 5))
	assert.ErrorIs(t, err, ErrPacketTooShort)

	bad := MarshalPing(testHeader(t))
	bad[0] = 99
	_, _, err = ParseHeader(bad)
	assert.ErrorIs(t, err, ErrBadVersion)

	unknown := MarshalPing(testHeader(t))
	unknown[1] = 200
	_, _, err = ParseHeader(unknown)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestParseBroadcastRejectsBadShardIndex(t *testing.T) {
	h := testHeader(t)
	p := &BroadcastPacket{
		Header:       h,
		Height:       1,
		DataShards:   2,
		ParityShards: 1,
		PayloadLen:   10,
		ShardIndex:   3, // only shards 0..2 exist
		Shard:        []byte{1, 2, 3},
	}

	parsed, rest, err := ParseHeader(p.Marshal())
	require.NoError(t, err)
	_, err = ParseBroadcast(parsed, rest)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestParseBroadcastRejectsExcessiveShardCount(t *testing.T) {
	h := testHeader(t)
	p := &BroadcastPacket{
		Header:       h,
		Height:       1,
		DataShards:   65535,
		ParityShards: 5535,
		PayloadLen:   1 << 30,
		ShardIndex:   0,
		Shard:        make([]byte, 1237),
	}

	parsed, rest, err := ParseHeader(p.Marshal())
	require.NoError(t, err)
	_, err = ParseBroadcast(parsed, rest)
	assert.ErrorIs(t, err, ErrMalformedPacket,
		"shard counts beyond the erasure code limit must be rejected")
}

func TestParseNodesRejectsTruncated(t *testing.T) {
	h := testHeader(t)
	nodes := []NodeInfo{{
		ID:   crypto.NewNodeID(net.ParseIP("192.168.1.1"), 666),
		Addr: &net.UDPAddr{IP: net.ParseIP("192.168.1.1").To4(), Port: 666},
	}}

	data := MarshalNodes(h, nodes)
	_, rest, err := ParseHeader(data)
	require.NoError(t, err)

	_, err = ParseNodes(rest[:len(rest)-4])
	assert.ErrorIs(t, err, ErrMalformedPacket)
}
