// Package chunkloccache memoizes chunk locations: a two-level hash
// (bucket by (inode, chunk index), LRU within a bucket) that amortizes
// master round-trips, plus timestamp-based staleness and explicit
// invalidation/clear-inode for writers and truncate.
package chunkloccache

import (
	"sync"
	"time"

	"github.com/moosefs/moosefs-sub002/apis"
)

// Key identifies one cached chunk location.
type Key struct {
	Inode      apis.Inode
	ChunkIndex apis.ChunkIndex
}

// Entry is the cached value: the chunk's identity plus its raw,
// not-yet-decoded server-list bytes (decoding is the caller's job, so
// this cache stays agnostic to csdataver).
type Entry struct {
	Chunk      apis.ChunkID
	Version    apis.Version
	CSDataVer  int
	CSData     []byte
	insertedAt time.Time
}

type bucket struct {
	// order is LRU-ordered, most-recently-used at the end, bounded by cap.
	order []Key
	items map[Key]Entry
}

// Cache is the bucket-hashed, bounded, retention-aware location cache.
// Zero value is not usable; construct with New.
type Cache struct {
	mu        sync.Mutex
	buckets   []bucket
	bucketCap int
	retention time.Duration
	now       func() time.Time
}

// New constructs a Cache with apis.LCacheBucketCount buckets, each
// capped at apis.LCacheBucketCap entries (LRU eviction beyond that), and
// the given retention window (defaults to apis.DefaultLCacheRetention
// when zero).
func New(retention time.Duration) *Cache {
	if retention <= 0 {
		retention = apis.DefaultLCacheRetention
	}
	c := &Cache{
		buckets:   make([]bucket, apis.LCacheBucketCount),
		bucketCap: apis.LCacheBucketCap,
		retention: retention,
		now:       time.Now,
	}
	for i := range c.buckets {
		c.buckets[i].items = make(map[Key]Entry)
	}
	return c
}

func hashKey(k Key) uint32 {
	// Simple multiplicative hash; the structure doesn't need
	// cryptographic mixing, only spread across buckets.
	h := uint32(2166136261)
	h = (h ^ uint32(k.Inode)) * 16777619
	h = (h ^ uint32(k.ChunkIndex)) * 16777619
	return h
}

func (c *Cache) bucketFor(k Key) *bucket {
	return &c.buckets[hashKey(k)%uint32(len(c.buckets))]
}

// Find returns the cached location for (inode, chunkIndex), or ok=false
// on a miss or a stale (older than the retention window) entry.
func (c *Cache) Find(inode apis.Inode, chunkIndex apis.ChunkIndex) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := Key{inode, chunkIndex}
	b := c.bucketFor(k)
	e, ok := b.items[k]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.insertedAt) > c.retention {
		return Entry{}, false
	}
	c.touch(b, k)
	return e, true
}

// Insert adds or replaces the cached location for (inode, chunkIndex),
// evicting the bucket's least-recently-used entry if this insert would
// exceed the per-bucket capacity.
func (c *Cache) Insert(inode apis.Inode, chunkIndex apis.ChunkIndex, chunk apis.ChunkID, version apis.Version, csdataver int, csdata []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := Key{inode, chunkIndex}
	b := c.bucketFor(k)
	_, existed := b.items[k]
	b.items[k] = Entry{
		Chunk:      chunk,
		Version:    version,
		CSDataVer:  csdataver,
		CSData:     csdata,
		insertedAt: c.now(),
	}
	if existed {
		c.touch(b, k)
		return
	}
	b.order = append(b.order, k)
	if len(b.order) > c.bucketCap {
		evict := b.order[0]
		b.order = b.order[1:]
		delete(b.items, evict)
	}
}

// touch moves k to the most-recently-used end of the bucket's order.
// Caller must hold c.mu.
func (c *Cache) touch(b *bucket, k Key) {
	for i, o := range b.order {
		if o == k {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.order = append(b.order, k)
}

// Invalidate removes a single cached location, forcing the next Find to
// miss (and therefore re-query the master). Idempotent: invalidating an
// already-absent key is a no-op.
func (c *Cache) Invalidate(inode apis.Inode, chunkIndex apis.ChunkIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := Key{inode, chunkIndex}
	b := c.bucketFor(k)
	if _, ok := b.items[k]; !ok {
		return
	}
	delete(b.items, k)
	for i, o := range b.order {
		if o == k {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// ClearInode evicts every cached entry for inode at or past
// fromChunkIndex, used after a truncate to drop now-out-of-range chunks.
func (c *Cache) ClearInode(inode apis.Inode, fromChunkIndex apis.ChunkIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for bi := range c.buckets {
		b := &c.buckets[bi]
		kept := b.order[:0]
		for _, k := range b.order {
			if k.Inode == inode && k.ChunkIndex >= fromChunkIndex {
				delete(b.items, k)
				continue
			}
			kept = append(kept, k)
		}
		b.order = kept
	}
}

// Check reports whether the cached entry for (inode, chunkIndex) still
// matches the given identity -- a post-read sanity check. A mismatch,
// including a miss, means the caller should treat its read as stale
// and refresh.
func (c *Cache) Check(inode apis.Inode, chunkIndex apis.ChunkIndex, chunk apis.ChunkID, version apis.Version) bool {
	e, ok := c.Find(inode, chunkIndex)
	if !ok {
		return false
	}
	return e.Chunk == chunk && e.Version == version
}
