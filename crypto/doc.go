// Package crypto provides the identity primitives for the kadcast
// protocol: node identifiers derived from network addresses and
// content-derived broadcast message identifiers.
//
// A NodeID is the Blake2s hash of a peer's UDP endpoint truncated to
// 128 bits. Because the id is a pure function of the address, any
// receiver can verify that a sender's claimed id matches the datagram
// source without a handshake.
package crypto
