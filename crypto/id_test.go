package crypto

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeIDDeterministic(t *testing.T) {
	ip := net.ParseIP("192.168.1.1")
	a := NewNodeID(ip, 8080)
	b := NewNodeID(ip, 8080)
	assert.Equal(t, a, b, "same address must derive the same id")

	c := NewNodeID(ip, 8081)
	assert.NotEqual(t, a, c, "different port must derive a different id")

	d := NewNodeID(net.ParseIP("192.168.1.2"), 8080)
	assert.NotEqual(t, a, d, "different ip must derive a different id")
}

func TestNewNodeIDIPv4MappedEqualsIPv4(t *testing.T) {
	// net.ParseIP returns a 16-byte form for dotted quads; derivation
	// must not depend on the representation.
	a := NewNodeID(net.IPv4(10, 0, 0, 1), 666)
	b := NewNodeID(net.ParseIP("10.0.0.1"), 666)
	assert.Equal(t, a, b)
}

func TestNewNodeIDIPv6(t *testing.T) {
	ip := net.ParseIP("2001:0db8:85a3::8a2e:0370:7334")
	require.NotNil(t, ip)
	a := NewNodeID(ip, 666)
	b := NewNodeID(ip, 666)
	assert.Equal(t, a, b)
}

func TestVerifySender(t *testing.T) {
	ip := net.ParseIP("192.168.1.1")
	id := NewNodeID(ip, 666)

	assert.True(t, VerifySender(id, ip, 666))
	assert.False(t, VerifySender(id, ip, 667), "wrong port")
	assert.False(t, VerifySender(id, net.ParseIP("192.168.1.2"), 666), "wrong ip")
}

func TestDistanceSymmetric(t *testing.T) {
	a := NewNodeID(net.ParseIP("10.0.0.1"), 1000)
	b := NewNodeID(net.ParseIP("10.0.0.2"), 2000)

	assert.Equal(t, a.Distance(b), b.Distance(a))
	assert.Equal(t, NodeID{}, a.Distance(a), "distance to self is zero")
}

func TestPrefixLen(t *testing.T) {
	var zero NodeID

	assert.Equal(t, IDBits, zero.PrefixLen(zero), "identical ids share all bits")

	firstBit := NodeID{0x80}
	assert.Equal(t, 0, zero.PrefixLen(firstBit), "ids differing in the first bit share none")

	lastBitOfFirstByte := NodeID{0x01}
	assert.Equal(t, 7, zero.PrefixLen(lastBitOfFirstByte))

	secondByte := NodeID{0x00, 0x40}
	assert.Equal(t, 9, zero.PrefixLen(secondByte))

	a := NewNodeID(net.ParseIP("10.0.0.1"), 1000)
	b := NewNodeID(net.ParseIP("10.0.0.2"), 2000)
	assert.Equal(t, a.PrefixLen(b), b.PrefixLen(a), "prefix length is symmetric")
}

func TestPrefixLenOrdersByDistance(t *testing.T) {
	var zero NodeID
	near := NodeID{0x00, 0x00, 0x01} // shares 23 bits
	far := NodeID{0x01}              // shares 7 bits

	assert.Greater(t, zero.PrefixLen(near), zero.PrefixLen(far))
	assert.True(t, zero.Distance(near).Less(zero.Distance(far)))
}

func TestNodeIDStringRoundTrip(t *testing.T) {
	id := NewNodeID(net.ParseIP("192.168.1.1"), 666)
	parsed, err := NodeIDFromString(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = NodeIDFromString("abc")
	assert.Error(t, err)

	_, err = NodeIDFromString("zz000000000000000000000000000000")
	assert.Error(t, err)
}

func TestNewMessageIDDeterministic(t *testing.T) {
	a := NewMessageID([]byte("hello"))
	b := NewMessageID([]byte("hello"))
	c := NewMessageID([]byte("world"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// Zero-length payloads are legal broadcasts.
	empty := NewMessageID(nil)
	assert.NotEqual(t, MessageID{}, empty)
}
