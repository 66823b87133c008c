package chunkloccache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/moosefs/moosefs-sub002/apis"
)

func TestFindMissOnEmptyCache(t *testing.T) {
	c := New(time.Second)
	_, ok := c.Find(1, 0)
	assert.False(t, ok)
}

func TestInsertThenFind(t *testing.T) {
	c := New(time.Second)
	c.Insert(1, 0, 100, 5, 1, []byte("abc"))
	e, ok := c.Find(1, 0)
	assert.True(t, ok)
	assert.Equal(t, apis.ChunkID(100), e.Chunk)
	assert.Equal(t, apis.Version(5), e.Version)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	c := New(time.Second)
	c.Insert(1, 0, 100, 5, 1, nil)
	c.Invalidate(1, 0)
	_, ok := c.Find(1, 0)
	assert.False(t, ok)

	// Second invalidation of the same, now-absent key must be a no-op,
	// Invalidating twice must leave the cache in the same state.
	assert.NotPanics(t, func() { c.Invalidate(1, 0) })
	_, ok = c.Find(1, 0)
	assert.False(t, ok)
}

func TestStaleEntryMisses(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Insert(1, 0, 100, 5, 1, nil)
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Find(1, 0)
	assert.False(t, ok)
}

func TestClearInodeEvictsFromIndexOnward(t *testing.T) {
	c := New(time.Second)
	for i := apis.ChunkIndex(0); i < 5; i++ {
		c.Insert(1, i, apis.ChunkID(i+1), 1, 1, nil)
	}
	c.ClearInode(1, 2)

	for i := apis.ChunkIndex(0); i < 2; i++ {
		_, ok := c.Find(1, i)
		assert.True(t, ok, "chunk %d before the truncate point should remain cached", i)
	}
	for i := apis.ChunkIndex(2); i < 5; i++ {
		_, ok := c.Find(1, i)
		assert.False(t, ok, "chunk %d at/after the truncate point should be evicted", i)
	}
}

func TestBucketLRUEviction(t *testing.T) {
	c := New(time.Second)
	c.bucketCap = 2
	// Force all keys into the same bucket for a deterministic LRU test.
	c.buckets = []bucket{{items: make(map[Key]Entry)}}

	c.Insert(1, 0, 1, 1, 1, nil)
	c.Insert(1, 1, 2, 1, 1, nil)
	// Touch the first key so key (1,1) becomes the LRU victim.
	_, _ = c.Find(1, 0)
	c.Insert(1, 2, 3, 1, 1, nil)

	_, ok0 := c.Find(1, 0)
	_, ok1 := c.Find(1, 1)
	_, ok2 := c.Find(1, 2)
	assert.True(t, ok0)
	assert.False(t, ok1, "least-recently-used entry should have been evicted")
	assert.True(t, ok2)
}

func TestCheckDetectsStaleness(t *testing.T) {
	c := New(time.Second)
	c.Insert(1, 0, 100, 5, 1, nil)
	assert.True(t, c.Check(1, 0, 100, 5))
	assert.False(t, c.Check(1, 0, 100, 6))
	assert.False(t, c.Check(1, 1, 100, 5))
}
