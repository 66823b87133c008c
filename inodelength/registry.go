// Package inodelength keeps the single canonical file length shared by
// the read and write engines, with two update modes -- active (waits
// for readers to drain, then publishes and invalidates) and passive
// (publishes and invalidates immediately, used after a successful
// write) -- and the invalidation hook both paths drive into the read
// engine.
package inodelength

import (
	"sync"

	"github.com/moosefs/moosefs-sub002/apis"
)

// Invalidator is implemented by the read engine: it is told which byte
// range of an inode's buffers must be refreshed whenever the canonical
// length changes. Kept as a narrow interface (not a concrete dependency
// on readengine) to avoid an import cycle -- the read engine owns an
// inodelength.Registry, not the other way around.
type Invalidator interface {
	Invalidate(inode apis.Inode, offset uint64, length uint64)
}

type entry struct {
	mu             sync.Mutex
	cond           *sync.Cond
	fleng          uint64
	readersCnt     uint16
	waitingWriters uint16
	lcnt           int
}

// Registry owns one entry per open inode, ref-counted by Acquire/Release.
type Registry struct {
	mu      sync.Mutex
	entries map[apis.Inode]*entry
	invalid Invalidator
}

func NewRegistry(invalidator Invalidator) *Registry {
	return &Registry{entries: make(map[apis.Inode]*entry), invalid: invalidator}
}

// Handle is a ref-counted reference to one inode's length entry.
type Handle struct {
	r     *Registry
	inode apis.Inode
	e     *entry
}

// Acquire returns a Handle for inode, creating its entry (seeded with
// initialLength) on first use. Every Acquire must be matched by Release.
func (r *Registry) Acquire(inode apis.Inode, initialLength uint64) *Handle {
	r.mu.Lock()
	e, ok := r.entries[inode]
	if !ok {
		e = &entry{fleng: initialLength}
		e.cond = sync.NewCond(&e.mu)
		r.entries[inode] = e
	}
	e.lcnt++
	r.mu.Unlock()
	return &Handle{r: r, inode: inode, e: e}
}

// Release drops this handle's reference; when the last reference to an
// idle entry goes away, the entry is removed from the registry.
func (h *Handle) Release() {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	h.e.mu.Lock()
	h.e.lcnt--
	idle := h.e.lcnt == 0 && h.e.readersCnt == 0 && h.e.waitingWriters == 0
	h.e.mu.Unlock()
	if idle {
		delete(h.r.entries, h.inode)
	}
}

// BeginRead registers the calling goroutine as an active reader; it
// must be balanced by EndRead. Reads never block here -- only
// SetLengthActive waits for readers, never the other way around -- so
// read-ahead throughput is never gated on a length update in progress.
func (h *Handle) BeginRead() {
	h.e.mu.Lock()
	h.e.readersCnt++
	h.e.mu.Unlock()
}

func (h *Handle) EndRead() {
	h.e.mu.Lock()
	h.e.readersCnt--
	if h.e.readersCnt == 0 {
		h.e.cond.Broadcast()
	}
	h.e.mu.Unlock()
}

// Length returns the current canonical length.
func (h *Handle) Length() uint64 {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.fleng
}

// SetLengthActive waits for all active readers to drain, then publishes
// newLength and invalidates every buffer overlapping
// [min(old,new), max(old,new)). Used by truncate and explicit
// set-length: the wait guarantees no in-flight read can observe a torn
// length. New reads are not held back while it waits (BeginRead never
// blocks), so a steady stream of reads can keep it waiting.
func (h *Handle) SetLengthActive(newLength uint64) {
	h.e.mu.Lock()
	h.e.waitingWriters++
	for h.e.readersCnt > 0 {
		h.e.cond.Wait()
	}
	h.e.waitingWriters--
	oldLength := h.e.fleng
	h.e.fleng = newLength
	h.e.mu.Unlock()

	h.invalidateRange(oldLength, newLength)
}

// SetLengthPassive raises the length to newLength when that is larger
// (it never lowers it) and invalidates the range between the old length
// and newLength immediately, without waiting for readers. Used after a
// successful write, where the write itself already holds the chunk
// lock that sequences it against concurrent chunk reads.
func (h *Handle) SetLengthPassive(newLength uint64) {
	h.e.mu.Lock()
	oldLength := h.e.fleng
	if newLength > oldLength {
		h.e.fleng = newLength
	}
	h.e.mu.Unlock()

	h.invalidateRange(oldLength, newLength)
}

func (h *Handle) invalidateRange(oldLength, newLength uint64) {
	lo, hi := oldLength, newLength
	if lo > hi {
		lo, hi = hi, lo
	}
	if h.r.invalid != nil && hi > lo {
		h.r.invalid.Invalidate(h.inode, lo, hi-lo)
	}
}
