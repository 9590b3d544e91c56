// Package syncutil provides string-keyed locking primitives.
package syncutil

import "sync"

const shardCount = 256

// ShardedMutex serializes work per string key over a fixed pool of
// mutexes. Memory stays bounded no matter how many distinct keys are
// locked over the process lifetime; two keys hashing to the same shard
// contend with each other, which is harmless for correctness.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns the unlock function.
//
//	defer m.Lock(id)()
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// shardIndex is FNV-1a reduced onto the shard pool.
func shardIndex(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % shardCount
}
