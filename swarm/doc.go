// Package swarm stores encrypted envelopes on a set of storage nodes.
//
// A Swarm implements Transport by fanning every publish out to all of its
// nodes and reporting one result per node, so that callers can decide how
// many acknowledgements they need. Three node kinds are provided:
//
//   - MemoryNode keeps messages in process, for tests and for NodeServer.
//   - RedisNode keeps messages in Redis lists with per-message expiry.
//   - SecureNode talks to a remote NodeServer over a Noise IK channel.
//
// Example:
//
//	s := swarm.New(swarm.NewMemoryNode("local"), swarm.NewRedisNode("redis", rdb))
//	for _, result := range s.Publish(ctx, recipient, envelope, 14*24*time.Hour) {
//	    if err := <-result; err == nil {
//	        break
//	    }
//	}
package swarm
