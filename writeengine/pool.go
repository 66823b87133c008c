package writeengine

import (
	"sync"

	"github.com/moosefs/moosefs-sub002/apis"
)

// BlockPool is the fixed free-block pool shared by every open inode: a
// cache_mb-sized count of 64 KiB buffers (apis.CacheBlockCount),
// acquired via a condition variable that blocks when the pool is
// empty, which is how write back-pressure reaches the application.
type BlockPool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	free  []*block
	total int
}

// NewBlockPool constructs a pool sized for cacheMB megabytes (0 or
// negative falls back to apis.DefaultWriteCacheMB).
func NewBlockPool(cacheMB int) *BlockPool {
	if cacheMB <= 0 {
		cacheMB = apis.DefaultWriteCacheMB
	}
	n := apis.CacheBlockCount(cacheMB)
	if n < 1 {
		n = 1
	}
	p := &BlockPool{total: n}
	p.cond = sync.NewCond(&p.mu)
	p.free = make([]*block, 0, n)
	for i := 0; i < n; i++ {
		p.free = append(p.free, newBlock())
	}
	return p
}

// Acquire blocks until a free block is available, then returns it.
func (p *BlockPool) Acquire() *block {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) == 0 {
		p.cond.Wait()
	}
	n := len(p.free)
	b := p.free[n-1]
	p.free = p.free[:n-1]
	return b
}

// Release returns b to the free list and wakes one waiting Acquire.
func (p *BlockPool) Release(b *block) {
	p.mu.Lock()
	b.reset()
	p.free = append(p.free, b)
	p.cond.Signal()
	p.mu.Unlock()
}

// AlmostFull reports whether free blocks have dropped below a third of
// capacity, the threshold at which callers should start throttling
// writers.
func (p *BlockPool) AlmostFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) < p.total/3
}

// Len reports the current free-block count, for tests.
func (p *BlockPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
