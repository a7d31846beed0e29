package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/bits"
	"net"

	"golang.org/x/crypto/blake2s"
)

const (
	// IDBytes is the length of a node identifier in bytes.
	IDBytes = 16
	// IDBits is the length of a node identifier in bits. It is also the
	// number of buckets in a routing table and the maximum broadcast
	// height.
	IDBits = IDBytes * 8
)

// NodeID identifies a peer on the network. It is derived from the
// peer's UDP address, so equality and XOR distance are defined
// bit-wise over the hash.
type NodeID [IDBytes]byte

// MessageID identifies one broadcast instance. It is the Blake2s-256
// digest of the broadcast payload, generated by the originator and
// preserved unchanged through every relay.
type MessageID [blake2s.Size]byte

// NewNodeID derives a node identifier from an IP address and UDP port.
// The digest input is the little-endian port followed by the raw IP
// octets (4 for IPv4, 16 for IPv6).
func NewNodeID(ip net.IP, port uint16) NodeID {
	var portBytes [2]byte
	binary.LittleEndian.PutUint16(portBytes[:], port)

	h, _ := blake2s.New256(nil)
	h.Write(portBytes[:])
	if v4 := ip.To4(); v4 != nil {
		h.Write(v4)
	} else {
		h.Write(ip.To16())
	}

	var id NodeID
	copy(id[:], h.Sum(nil)[:IDBytes])
	return id
}

// NodeIDFromAddr derives a node identifier from a UDP address.
func NodeIDFromAddr(addr *net.UDPAddr) NodeID {
	return NewNodeID(addr.IP, uint16(addr.Port))
}

// VerifySender reports whether the claimed id matches the id derived
// from the given source IP and claimed port. Packets failing this
// check must be dropped.
func VerifySender(id NodeID, ip net.IP, port uint16) bool {
	expected := NewNodeID(ip, port)
	return bytes.Equal(id[:], expected[:])
}

// Distance returns the XOR distance between two identifiers.
func (id NodeID) Distance(other NodeID) NodeID {
	var dist NodeID
	for i := 0; i < IDBytes; i++ {
		dist[i] = id[i] ^ other[i]
	}
	return dist
}

// PrefixLen returns the number of leading bits shared by the two
// identifiers, i.e. the leading zero count of their XOR distance.
// Identical identifiers share all IDBits bits.
func (id NodeID) PrefixLen(other NodeID) int {
	n := 0
	for i := 0; i < IDBytes; i++ {
		x := id[i] ^ other[i]
		if x == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(x)
		break
	}
	return n
}

// Less compares two distances lexicographically. It is used to order
// peers by closeness to a target.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Equal reports whether two identifiers are the same.
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// String returns the hexadecimal representation of the identifier.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// NodeIDFromString parses a node identifier from its hexadecimal
// representation.
func NodeIDFromString(s string) (NodeID, error) {
	var id NodeID
	if len(s) != IDBytes*2 {
		return id, errors.New("invalid node id length")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], data)
	return id, nil
}

// NewMessageID computes the broadcast identifier for a payload. The
// digest doubles as an integrity check after erasure decoding.
func NewMessageID(payload []byte) MessageID {
	return blake2s.Sum256(payload)
}

// String returns the hexadecimal representation of the identifier.
func (m MessageID) String() string {
	return hex.EncodeToString(m[:])
}
