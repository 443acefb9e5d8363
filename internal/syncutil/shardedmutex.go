// Package syncutil holds small concurrency helpers shared across the
// arena: per-key locking for things like agent budgets and wallet records,
// where contention between different keys must stay independent.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a fixed-size pool of mutexes keyed by string. The zero
// value is ready to use. Memory stays bounded no matter how many keys are
// seen, at the cost of occasional false sharing between keys that hash to
// the same shard.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
