// Package readengine implements the client-side chunk read path:
// per-inode request planning over an rreq list, a read-ahead
// controller, and a worker pool that resolves each request's chunk
// location and fetches it from the chunkservers (plain or 4/8-way
// erasure split), reassembling the logical byte range. Handles are a
// thin façade in front of engine state guarded by a per-inode mutex.
package readengine

import (
	"fmt"
	"sync"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/applog"
	"github.com/moosefs/moosefs-sub002/chunkloccache"
	"github.com/moosefs/moosefs-sub002/chunklock"
	"github.com/moosefs/moosefs-sub002/connpool"
	"github.com/moosefs/moosefs-sub002/csorder"
	"github.com/moosefs/moosefs-sub002/inodelength"
	"github.com/moosefs/moosefs-sub002/masterclient"
)

// inodeEntry is the per-inode state the engine coordinates: its request
// list, read-ahead controller, and sticky error status. One mutex
// guards all of it.
type inodeEntry struct {
	mu   sync.Mutex
	cond *sync.Cond

	inode   apis.Inode
	lenHand *inodelength.Handle
	ra      readaheadState

	requests []*rreq

	refCount     int
	jobsInFlight int

	status error // sticky: every later Read returns it until the last Close destroys the entry; a later successful fetch does not clear it
}

// Engine owns every open inode's read state plus the shared
// collaborators: master client, location cache, chunk locks, server
// ordering, connection pool, and length registry.
type Engine struct {
	master masterclient.Client
	cache  *chunkloccache.Cache
	locks  *chunklock.Table
	order  *csorder.Order
	pool   *connpool.Pool
	lens   *inodelength.Registry
	cfg    Config
	log    *applog.Logger

	sem chan struct{} // caps concurrently in-flight worker goroutines

	mu     sync.Mutex
	inodes map[apis.Inode]*inodeEntry
}

// InvalidatorHook breaks the construction cycle between Engine and
// inodelength.Registry: the registry needs an Invalidator at
// construction time, but that Invalidator is the Engine itself, which
// needs the already-built registry. Callers construct a hook, build the
// registry with it, build the Engine, then Bind the hook to the Engine.
type InvalidatorHook struct {
	mu     sync.Mutex
	engine *Engine
}

func NewInvalidatorHook() *InvalidatorHook { return &InvalidatorHook{} }

func (h *InvalidatorHook) Bind(e *Engine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine = e
}

func (h *InvalidatorHook) Invalidate(inode apis.Inode, offset, length uint64) {
	h.mu.Lock()
	e := h.engine
	h.mu.Unlock()
	if e != nil {
		e.Invalidate(inode, offset, length)
	}
}

var _ inodelength.Invalidator = (*InvalidatorHook)(nil)

// New constructs a ready Engine. lengths must have been built with an
// InvalidatorHook that is Bound to the returned Engine before any read
// traffic arrives.
func New(master masterclient.Client, cache *chunkloccache.Cache, locks *chunklock.Table, order *csorder.Order, pool *connpool.Pool, lengths *inodelength.Registry, cfg Config) *Engine {
	return &Engine{
		master: master,
		cache:  cache,
		locks:  locks,
		order:  order,
		pool:   pool,
		lens:   lengths,
		cfg:    cfg,
		log:    applog.New(nil, cfg.MinLogEntry),
		sem:    make(chan struct{}, apis.MaxWorkers),
		inodes: make(map[apis.Inode]*inodeEntry),
	}
}

// Handle is a single open-file read session: a thin wrapper carrying
// which inode entry it refers to.
type Handle struct {
	e     *Engine
	inode apis.Inode
	entry *inodeEntry
}

// Open acquires (creating on first use) the inode entry for inode,
// seeded with its current length.
func (e *Engine) Open(inode apis.Inode, fleng uint64) *Handle {
	e.mu.Lock()
	entry, ok := e.inodes[inode]
	if !ok {
		entry = &inodeEntry{inode: inode, lenHand: e.lens.Acquire(inode, fleng)}
		entry.cond = sync.NewCond(&entry.mu)
		e.inodes[inode] = entry
	}
	entry.refCount++
	e.mu.Unlock()
	return &Handle{e: e, inode: inode, entry: entry}
}

// Token is returned by Read; it must be passed to FreeBuffers once the
// application is done with the returned byte slices.
type Token struct {
	reqs []*rreq
}

// Invalidate handles every rreq for inode overlapping [offset, offset+length):
// a filled buffer still referenced by a reader is re-queued for a fresh
// fetch (REFRESH), an unreferenced one is marked NOTNEEDED, and an
// in-flight one has its wake channel closed, so its worker drops the
// cached location the next time its fetch loop starts an attempt.
// Called by InodeLengthRegistry on both
// active and passive length updates, and directly by the write engine
// after a successful chunk write.
func (e *Engine) Invalidate(inode apis.Inode, offset, length uint64) {
	e.mu.Lock()
	entry, ok := e.inodes[inode]
	e.mu.Unlock()
	if !ok {
		return
	}
	lo, hi := offset, offset+length
	entry.mu.Lock()
	for _, r := range entry.requests {
		if !r.overlaps(lo, hi) {
			continue
		}
		switch r.state {
		case StateReady, StateFilled:
			if r.lcnt > 0 {
				// REFRESH -> NEW -> immediate re-enqueue: someone is
				// still waiting on (or holding) this buffer, so it must
				// be refilled rather than dropped.
				r.state = StateRefresh
				e.submit(entry, r)
			} else {
				r.state = StateNotNeeded
			}
		case StateBusy:
			r.interrupt()
		case StateNew, StateInQueue:
			// already unresolved; nothing further to do
		}
	}
	entry.cond.Broadcast()
	entry.mu.Unlock()
}

// Close waits for in-flight background jobs on this inode to drain,
// then, if this was the last handle, destroys the entry.
func (h *Handle) Close() error {
	e := h.e
	entry := h.entry

	entry.mu.Lock()
	for entry.jobsInFlight > 0 {
		entry.cond.Wait()
	}
	entry.refCount--
	last := entry.refCount == 0
	entry.mu.Unlock()

	if last {
		e.mu.Lock()
		if cur, ok := e.inodes[h.inode]; ok && cur == entry {
			delete(e.inodes, h.inode)
		}
		e.mu.Unlock()
		entry.lenHand.Release()
	}
	return nil
}

func (e *Engine) chunkKey(inode apis.Inode, idx apis.ChunkIndex) chunklock.Key {
	return chunklock.Key{Inode: uint32(inode), ChunkIndex: uint32(idx)}
}

// fmtErr is a tiny helper so worker.go can build classified errors
// without importing fmt directly in three places.
func fmtErr(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
