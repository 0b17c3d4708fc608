package lock

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// Keyed is a sharded lock table serializing mutations per conversation id.
// Different conversations proceed in parallel (modulo shard collisions); a
// single global lock across all conversations is deliberately not used.
type Keyed struct {
	shards [shardCount]sync.Mutex
}

func NewKeyed() *Keyed {
	return &Keyed{}
}

func (k *Keyed) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.shards[h.Sum32()%shardCount]
}

func (k *Keyed) Lock(key string) {
	k.shard(key).Lock()
}

func (k *Keyed) Unlock(key string) {
	k.shard(key).Unlock()
}
