// Package dht implements the XOR-metric routing table of the kadcast
// protocol and the discovery protocol that keeps it populated.
//
// Peers are kept in fixed-capacity buckets indexed by the number of
// leading bits their id shares with the local id. The table favors
// long-lived peers: a full bucket only replaces its oldest entry after
// a liveness probe goes unanswered.
//
// Example:
//
//	table := dht.NewRoutingTable(selfID, dht.DefaultConfig())
//	disc := dht.NewDiscoverer(table, tr, header, dht.DefaultDiscoveryConfig())
//	disc.Start()
//	err := disc.Bootstrap(ctx, seeds)
package dht
