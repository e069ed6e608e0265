package broker

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

func xxhashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// ShardRouter picks a Redis endpoint for a queue name using rendezvous
// (highest random weight) hashing, the same algorithm go-redis's own ring
// client uses to spread keys across nodes. Unlike modulo hashing, adding or
// removing a shard only reshuffles the queues mapped to that one shard —
// every other queue keeps its existing shard, which matters here because a
// queue's ack groups and heartbeats must stay colocated with its data for
// the dispatch script's atomicity to hold.
type ShardRouter struct {
	endpoints []string
	hash      *rendezvous.Rendezvous
}

// NewShardRouter builds a router over a fixed set of Redis endpoint
// addresses. Each endpoint should host its own namespace-isolated Client;
// ShardRouter only decides which one a queue belongs to.
func NewShardRouter(endpoints []string) *ShardRouter {
	cp := make([]string, len(endpoints))
	copy(cp, endpoints)
	return &ShardRouter{
		endpoints: cp,
		hash:      rendezvous.New(cp, xxhashString),
	}
}

// ShardFor returns the endpoint address that owns queue.
func (r *ShardRouter) ShardFor(queue string) string {
	return r.hash.Lookup(queue)
}

// AddShard grows the ring; only queues rendezvous-hashed to the new
// endpoint move, every other queue's shard assignment is unaffected.
func (r *ShardRouter) AddShard(endpoint string) {
	r.endpoints = append(r.endpoints, endpoint)
	r.hash.Add(endpoint)
}

// Endpoints returns the current shard set.
func (r *ShardRouter) Endpoints() []string {
	out := make([]string, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}
