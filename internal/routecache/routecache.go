// Copyright 2025 The gwrs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package routecache implements the sharded LRU cache that maps a request
// key (path, or path+"?"+query) to a rewritten target plus the chosen
// upstream peer. Shard ownership is decided by rendezvous hashing rather
// than a plain hash-mod-N, so that a future shard-count change (the shard
// count is fixed in the current design, but the hashing scheme is shared
// with other per-listener caches keyed off the same bind set) reshuffles
// only the minimal fraction of keys.
package routecache

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Value is what a cache entry resolves to: the rewritten path+query and
// the upstream peer address it should be dispatched to.
type Value struct {
	Rewritten string
	Peer      string
}

const defaultShards = 16
const defaultShardCapacity = 200

// Cache is a fixed-shard-count LRU keyed by request string. Get performs a
// peek (no recency bump) to avoid upgrading hot readers to writers; Insert
// evicts the shard's least-recently-used entry on overflow.
type Cache struct {
	shards []*lru.Cache[string, Value]
	names  []string
	rv     *rendezvous.Rendezvous
}

// Options configures shard count and per-shard capacity.
type Options struct {
	Shards        int
	ShardCapacity int
}

// New builds a Cache with the given options, defaulting to 16 shards of
// 200 entries each.
func New(opts Options) *Cache {
	shards := opts.Shards
	if shards <= 0 {
		shards = defaultShards
	}
	capacity := opts.ShardCapacity
	if capacity <= 0 {
		capacity = defaultShardCapacity
	}

	c := &Cache{
		shards: make([]*lru.Cache[string, Value], shards),
		names:  make([]string, shards),
	}
	for i := 0; i < shards; i++ {
		l, _ := lru.New[string, Value](capacity)
		c.shards[i] = l
		c.names[i] = strconv.Itoa(i)
	}
	c.rv = rendezvous.New(c.names, xxhash.Sum64String)
	return c
}

func (c *Cache) shardFor(key string) *lru.Cache[string, Value] {
	name := c.rv.Lookup(key)
	idx, _ := strconv.Atoi(name)
	return c.shards[idx]
}

// Get performs a peek lookup: it does not refresh the entry's recency, to
// keep hot-key reads from serializing behind a write lock.
func (c *Cache) Get(key string) (Value, bool) {
	return c.shardFor(key).Peek(key)
}

// Insert stores key→value, evicting the shard's LRU entry on overflow.
func (c *Cache) Insert(key string, value Value) {
	c.shardFor(key).Add(key, value)
}

// Clear empties every shard. Called on rule reload.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.Purge()
	}
}
