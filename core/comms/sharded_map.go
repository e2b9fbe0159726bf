package comms

import (
	"hash/fnv"
	"sync"
)

// DefaultShardCount is the default number of shards (must be power of 2).
const DefaultShardCount = 64

// ShardedMap is a concurrent map split into shards for reduced lock
// contention. Reads and writes lock only one shard; iteration locks shards
// sequentially.
type ShardedMap[K comparable, V any] struct {
	shards    []*mapShard[K, V]
	shardMask uint64
	hashFunc  func(K) uint64
}

type mapShard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewShardedMap creates a sharded map. shardCount is rounded up to a power
// of 2.
func NewShardedMap[K comparable, V any](shardCount int, hashFunc func(K) uint64) *ShardedMap[K, V] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shardCount = nextPowerOf2(shardCount)

	shards := make([]*mapShard[K, V], shardCount)
	for i := range shards {
		shards[i] = &mapShard[K, V]{items: make(map[K]V)}
	}

	return &ShardedMap[K, V]{
		shards:    shards,
		shardMask: uint64(shardCount - 1),
		hashFunc:  hashFunc,
	}
}

// NewStringMap creates a sharded map with string keys hashed via FNV-1a.
func NewStringMap[V any](shardCount int) *ShardedMap[string, V] {
	return NewShardedMap[string, V](shardCount, func(key string) uint64 {
		h := fnv.New64a()
		h.Write([]byte(key))
		return h.Sum64()
	})
}

func (m *ShardedMap[K, V]) getShard(key K) *mapShard[K, V] {
	hash := m.hashFunc(key)
	return m.shards[hash&m.shardMask]
}

// Get retrieves a value from the map.
func (m *ShardedMap[K, V]) Get(key K) (V, bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	val, ok := shard.items[key]
	shard.mu.RUnlock()
	return val, ok
}

// Set stores a value in the map.
func (m *ShardedMap[K, V]) Set(key K, value V) {
	shard := m.getShard(key)
	shard.mu.Lock()
	shard.items[key] = value
	shard.mu.Unlock()
}

// Delete removes a value from the map.
func (m *ShardedMap[K, V]) Delete(key K) {
	shard := m.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// GetOrCreate returns the existing value for a key, or stores and returns the
// value produced by factory. The factory runs under the shard lock so the
// check-then-create is atomic.
func (m *ShardedMap[K, V]) GetOrCreate(key K, factory func() V) (V, bool) {
	shard := m.getShard(key)
	shard.mu.Lock()
	existing, ok := shard.items[key]
	if ok {
		shard.mu.Unlock()
		return existing, true
	}
	created := factory()
	shard.items[key] = created
	shard.mu.Unlock()
	return created, false
}

// Len returns the total number of items across all shards.
func (m *ShardedMap[K, V]) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Values returns all values in the map.
func (m *ShardedMap[K, V]) Values() []V {
	values := make([]V, 0)
	for _, shard := range m.shards {
		shard.mu.RLock()
		for _, v := range shard.items {
			values = append(values, v)
		}
		shard.mu.RUnlock()
	}
	return values
}

// Range iterates over all key-value pairs. If the callback returns false,
// iteration stops. Shards are locked sequentially, not atomically.
func (m *ShardedMap[K, V]) Range(fn func(key K, value V) bool) {
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k, v := range shard.items {
			if !fn(k, v) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Clear removes all entries.
func (m *ShardedMap[K, V]) Clear() {
	for _, shard := range m.shards {
		shard.mu.Lock()
		shard.items = make(map[K]V)
		shard.mu.Unlock()
	}
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
