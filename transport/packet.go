package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/kadcast/crypto"
)

// ProtocolVersion is the wire format version. Packets carrying any
// other version are dropped.
const ProtocolVersion byte = 1

// PacketType identifies the type of a kadcast packet.
type PacketType byte

const (
	PacketPing PacketType = iota + 1
	PacketPong
	PacketFindNodes
	PacketNodes
	PacketBroadcast
)

// String returns a human-readable name for the packet type.
func (pt PacketType) String() string {
	switch pt {
	case PacketPing:
		return "Ping"
	case PacketPong:
		return "Pong"
	case PacketFindNodes:
		return "FindNodes"
	case PacketNodes:
		return "Nodes"
	case PacketBroadcast:
		return "Broadcast"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(pt))
	}
}

// Wire layout sizes. All integers are little-endian.
const (
	// HeaderSize is [version(1)][type(1)][sender id(16)][sender port(2)].
	HeaderSize = 2 + crypto.IDBytes + 2

	// BroadcastHeaderSize is [message id(32)][height(1)][data shards(2)]
	// [parity shards(2)][payload len(4)][shard index(2)].
	BroadcastHeaderSize = 32 + 1 + 2 + 2 + 4 + 2

	// BroadcastOverhead is the number of non-shard bytes in a broadcast
	// datagram.
	BroadcastOverhead = HeaderSize + BroadcastHeaderSize
)

var (
	ErrPacketTooShort  = errors.New("packet too short")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrMalformedPacket = errors.New("malformed packet")
)

// Header is the common prefix of every kadcast packet. The sender's
// IP is taken from the datagram source address; together with
// SenderPort it must re-derive SenderID.
type Header struct {
	Type       PacketType
	SenderID   crypto.NodeID
	SenderPort uint16
}

func (h Header) appendTo(buf []byte) []byte {
	buf = append(buf, ProtocolVersion, byte(h.Type))
	buf = append(buf, h.SenderID[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, h.SenderPort)
	return buf
}

// ParseHeader decodes the common header and returns the remaining
// payload bytes.
func ParseHeader(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, nil, ErrPacketTooShort
	}
	if data[0] != ProtocolVersion {
		return h, nil, ErrBadVersion
	}
	h.Type = PacketType(data[1])
	if h.Type < PacketPing || h.Type > PacketBroadcast {
		return h, nil, fmt.Errorf("%w: unknown type %d", ErrMalformedPacket, data[1])
	}
	copy(h.SenderID[:], data[2:2+crypto.IDBytes])
	h.SenderPort = binary.LittleEndian.Uint16(data[2+crypto.IDBytes:])
	return h, data[HeaderSize:], nil
}

// Packet is a parsed datagram handed to a registered handler. Payload
// holds the bytes following the common header.
type Packet struct {
	Header  Header
	Payload []byte
}

// NodeInfo is one peer entry in a Nodes packet.
type NodeInfo struct {
	ID   crypto.NodeID
	Addr *net.UDPAddr
}

// MarshalPing builds a ping datagram.
func MarshalPing(h Header) []byte {
	h.Type = PacketPing
	return h.appendTo(make([]byte, 0, HeaderSize))
}

// MarshalPong builds a pong datagram.
func MarshalPong(h Header) []byte {
	h.Type = PacketPong
	return h.appendTo(make([]byte, 0, HeaderSize))
}

// MarshalFindNodes builds a find-nodes query for the given target id.
func MarshalFindNodes(h Header, target crypto.NodeID) []byte {
	h.Type = PacketFindNodes
	buf := h.appendTo(make([]byte, 0, HeaderSize+crypto.IDBytes))
	return append(buf, target[:]...)
}

// ParseFindNodes decodes the target id from a find-nodes payload.
func ParseFindNodes(payload []byte) (crypto.NodeID, error) {
	var target crypto.NodeID
	if len(payload) != crypto.IDBytes {
		return target, ErrMalformedPacket
	}
	copy(target[:], payload)
	return target, nil
}

// MarshalNodes builds a nodes response carrying the given peers.
// Entry layout: [ip len(1)][ip 4|16][port(2)][id(16)].
func MarshalNodes(h Header, nodes []NodeInfo) []byte {
	h.Type = PacketNodes
	buf := h.appendTo(make([]byte, 0, HeaderSize+2+len(nodes)*(1+16+2+crypto.IDBytes)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(nodes)))
	for _, n := range nodes {
		ip := n.Addr.IP.To4()
		if ip == nil {
			ip = n.Addr.IP.To16()
		}
		buf = append(buf, byte(len(ip)))
		buf = append(buf, ip...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(n.Addr.Port))
		buf = append(buf, n.ID[:]...)
	}
	return buf
}

// ParseNodes decodes the peer entries from a nodes payload.
func ParseNodes(payload []byte) ([]NodeInfo, error) {
	if len(payload) < 2 {
		return nil, ErrMalformedPacket
	}
	count := int(binary.LittleEndian.Uint16(payload))
	payload = payload[2:]

	nodes := make([]NodeInfo, 0, count)
	for i := 0; i < count; i++ {
		if len(payload) < 1 {
			return nil, ErrMalformedPacket
		}
		ipLen := int(payload[0])
		if ipLen != net.IPv4len && ipLen != net.IPv6len {
			return nil, ErrMalformedPacket
		}
		payload = payload[1:]
		if len(payload) < ipLen+2+crypto.IDBytes {
			return nil, ErrMalformedPacket
		}
		ip := make(net.IP, ipLen)
		copy(ip, payload[:ipLen])
		port := binary.LittleEndian.Uint16(payload[ipLen:])
		var id crypto.NodeID
		copy(id[:], payload[ipLen+2:])
		payload = payload[ipLen+2+crypto.IDBytes:]

		nodes = append(nodes, NodeInfo{
			ID:   id,
			Addr: &net.UDPAddr{IP: ip, Port: int(port)},
		})
	}
	if len(payload) != 0 {
		return nil, ErrMalformedPacket
	}
	return nodes, nil
}

// BroadcastPacket is one erasure-coded shard of a broadcast payload.
// DataShards+ParityShards is the total shard count for the message;
// any DataShards distinct shards reconstruct the payload.
type BroadcastPacket struct {
	Header       Header
	MessageID    crypto.MessageID
	Height       uint8
	DataShards   uint16
	ParityShards uint16
	PayloadLen   uint32
	ShardIndex   uint16
	Shard        []byte
}

// Marshal builds the shard datagram.
func (p *BroadcastPacket) Marshal() []byte {
	h := p.Header
	h.Type = PacketBroadcast
	buf := h.appendTo(make([]byte, 0, BroadcastOverhead+len(p.Shard)))
	buf = append(buf, p.MessageID[:]...)
	buf = append(buf, p.Height)
	buf = binary.LittleEndian.AppendUint16(buf, p.DataShards)
	buf = binary.LittleEndian.AppendUint16(buf, p.ParityShards)
	buf = binary.LittleEndian.AppendUint32(buf, p.PayloadLen)
	buf = binary.LittleEndian.AppendUint16(buf, p.ShardIndex)
	return append(buf, p.Shard...)
}

// ParseBroadcast decodes a broadcast shard from a packet payload.
func ParseBroadcast(h Header, payload []byte) (*BroadcastPacket, error) {
	if len(payload) < BroadcastHeaderSize {
		return nil, ErrPacketTooShort
	}
	p := &BroadcastPacket{Header: h}
	copy(p.MessageID[:], payload[:32])
	p.Height = payload[32]
	p.DataShards = binary.LittleEndian.Uint16(payload[33:])
	p.ParityShards = binary.LittleEndian.Uint16(payload[35:])
	p.PayloadLen = binary.LittleEndian.Uint32(payload[37:])
	p.ShardIndex = binary.LittleEndian.Uint16(payload[41:])
	p.Shard = make([]byte, len(payload)-BroadcastHeaderSize)
	copy(p.Shard, payload[BroadcastHeaderSize:])

	if p.DataShards == 0 {
		return nil, fmt.Errorf("%w: zero data shards", ErrMalformedPacket)
	}
	total := int(p.DataShards) + int(p.ParityShards)
	if total > maxTotalShards {
		// No conforming encoder emits more shards than the erasure
		// code supports; such a message could never decode.
		return nil, fmt.Errorf("%w: %d shards exceeds the %d shard limit", ErrMalformedPacket, total, maxTotalShards)
	}
	if int(p.ShardIndex) >= total {
		return nil, fmt.Errorf("%w: shard index %d of %d", ErrMalformedPacket, p.ShardIndex, total)
	}
	if len(p.Shard) == 0 {
		return nil, fmt.Errorf("%w: empty shard", ErrMalformedPacket)
	}
	return p, nil
}
