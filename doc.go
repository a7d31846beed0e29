// Package kadcast implements a structured peer-to-peer broadcast
// protocol over UDP. Peers organize into a Kademlia-style routing
// table keyed by the XOR metric, and messages propagate by
// height-bounded diffusion: each relay forwards only to buckets the
// message has not covered yet, so the whole overlay is reached with a
// small constant fan-out per hop instead of flooding.
//
// Broadcast payloads are erasure coded with Reed-Solomon before
// transmission, so delivery survives datagram loss without
// acknowledgements or retransmission.
//
// Basic usage:
//
//	opts := kadcast.DefaultOptions()
//	opts.ListenAddr = "0.0.0.0:9000"
//	peer, err := kadcast.NewPeer(opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer peer.Close()
//
//	if err := peer.Bootstrap(ctx, []string{"seed.example.com:9000"}); err != nil {
//		log.Fatal(err)
//	}
//
//	go func() {
//		for msg := range peer.Incoming() {
//			fmt.Printf("received %d bytes\n", len(msg.Payload))
//		}
//	}()
//
//	peer.Broadcast([]byte("hello overlay"))
//
// Node identifiers are derived from each peer's public UDP endpoint,
// so any receiver can verify that a datagram's claimed sender matches
// its source address. No other authentication is performed and
// payloads travel in the clear.
package kadcast
