// Package transport implements the datagram layer of the kadcast
// protocol: the wire format for control and broadcast packets, the UDP
// listener with per-type handler dispatch, and the erasure-coded
// chunking that makes broadcast payloads tolerant to packet loss
// without retransmission.
//
// A broadcast payload is split into fixed-size source shards plus
// Reed-Solomon parity shards. Each shard travels in its own datagram;
// a receiver can reconstruct the payload from any subset of shards at
// least as large as the source count. Redundancy is front-loaded at
// send time, so a lost datagram is never re-requested.
//
// Example:
//
//	tr, err := transport.NewUDP("0.0.0.0:9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tr.RegisterHandler(transport.PacketPing, func(p *transport.Packet, addr *net.UDPAddr) {
//	    // reply with a pong
//	})
package transport
