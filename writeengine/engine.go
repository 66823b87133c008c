// Package writeengine implements the client-side chunk write path: a
// per-inode dirty-block cache with coalescing, pipelined chunk-server
// chain writes, and in-flight status tracking, backed by a fixed-size
// free-block pool shared across every open inode. Like readengine, it
// is a handle-scoped façade in front of state guarded by one mutex per
// inode.
package writeengine

import (
	"sync"
	"time"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/applog"
	"github.com/moosefs/moosefs-sub002/chunkloccache"
	"github.com/moosefs/moosefs-sub002/chunklock"
	"github.com/moosefs/moosefs-sub002/connpool"
	"github.com/moosefs/moosefs-sub002/csorder"
	"github.com/moosefs/moosefs-sub002/inodelength"
	"github.com/moosefs/moosefs-sub002/masterclient"
)

// ReadInvalidator lets the write engine tell the read engine to drop
// stale buffers after a successful chunk write, without writeengine
// importing readengine directly.
type ReadInvalidator interface {
	Invalidate(inode apis.Inode, offset, length uint64)
}

// inodeEntry is the per-inode write state: its queued chunk jobs
// (bounded by apis.MaxSimChunks), the canonical max length it has
// observed, and a sticky error status.
type inodeEntry struct {
	mu   sync.Mutex
	cond *sync.Cond

	inode   apis.Inode
	lenHand *inodelength.Handle

	jobs     []*chunkJob
	maxFleng uint64

	refCount int
	status   error
}

// Engine owns every open inode's write state plus the shared
// collaborators: master client, location cache, chunk locks, server
// ordering, connection pool, length registry, and block pool.
type Engine struct {
	master         masterclient.Client
	cache          *chunkloccache.Cache
	locks          *chunklock.Table
	order          *csorder.Order
	pool           *connpool.Pool
	lens           *inodelength.Registry
	blocks         *BlockPool
	readInvalidate ReadInvalidator
	cfg            Config
	log            *applog.Logger

	sem chan struct{} // caps concurrently in-flight chunk-job goroutines

	mu     sync.Mutex
	inodes map[apis.Inode]*inodeEntry
}

// New constructs a ready Engine. lengths should be the same
// inodelength.Registry instance shared with the read engine, so both
// paths observe one canonical file length.
func New(master masterclient.Client, cache *chunkloccache.Cache, locks *chunklock.Table, order *csorder.Order, pool *connpool.Pool, lengths *inodelength.Registry, blocks *BlockPool, readInvalidate ReadInvalidator, cfg Config) *Engine {
	return &Engine{
		master:         master,
		cache:          cache,
		locks:          locks,
		order:          order,
		pool:           pool,
		lens:           lengths,
		blocks:         blocks,
		readInvalidate: readInvalidate,
		cfg:            cfg,
		log:            applog.New(nil, cfg.MinLogEntry),
		sem:            make(chan struct{}, apis.MaxWorkers),
		inodes:         make(map[apis.Inode]*inodeEntry),
	}
}

// WriteCacheAlmostFull reports whether the shared block pool has
// dropped below a third of capacity, for the façade to throttle writers.
func (e *Engine) WriteCacheAlmostFull() bool {
	return e.blocks.AlmostFull()
}

// Handle is a single open-file write session, mirroring readengine.Handle.
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
		entry = &inodeEntry{inode: inode, lenHand: e.lens.Acquire(inode, fleng), maxFleng: fleng}
		entry.cond = sync.NewCond(&entry.mu)
		e.inodes[inode] = entry
	}
	entry.refCount++
	e.mu.Unlock()
	return &Handle{e: e, inode: inode, entry: entry}
}

func (e *Engine) chunkKey(inode apis.Inode, idx apis.ChunkIndex) chunklock.Key {
	return chunklock.Key{Inode: uint32(inode), ChunkIndex: uint32(idx)}
}

// findOpenJob returns the most recently queued job for chunkIndex that
// is still accepting blocks (not yet flushing), or nil. Must be called
// with entry.mu held.
func (entry *inodeEntry) findOpenJob(idx apis.ChunkIndex) *chunkJob {
	for i := len(entry.jobs) - 1; i >= 0; i-- {
		j := entry.jobs[i]
		if j.chunkIndex == idx && !j.closing {
			return j
		}
	}
	return nil
}

// removeJobLocked drops job from entry's queue and wakes any Write
// blocked waiting for a free job slot. Must be called with entry.mu held.
func (entry *inodeEntry) removeJobLocked(job *chunkJob) {
	for i, j := range entry.jobs {
		if j == job {
			entry.jobs = append(entry.jobs[:i], entry.jobs[i+1:]...)
			break
		}
	}
	entry.cond.Broadcast()
}

// submitChunkJob starts job's worker goroutine, gated by the engine's
// concurrency cap.
func (e *Engine) submitChunkJob(entry *inodeEntry, job *chunkJob) {
	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.runChunkJob(entry, job)
	}()
}

// Write stages data at offset into the per-chunk dirty-block queue,
// coalescing into the open chunk job for that chunk and creating one
// (up to apis.MaxSimChunks in flight per inode, blocking past that)
// when none is open. It returns once the data is
// queued; actual chunkserver I/O happens on the job's worker goroutine,
// observable via ChunkWait/Flush.
func (h *Handle) Write(offset uint64, data []byte) (int, error) {
	e := h.e
	entry := h.entry
	n := 0
	for n < len(data) {
		chunkIndex := apis.ChunkIndexOf(offset)
		chunkOff := uint32(offset & (apis.ChunkSize - 1))
		blockPos := uint16(chunkOff / apis.BlockSize)
		blockOff := chunkOff % apis.BlockSize

		avail := apis.BlockSize - int(blockOff)
		take := len(data) - n
		if take > avail {
			take = avail
		}

		entry.mu.Lock()
		if entry.status != nil {
			err := entry.status
			entry.mu.Unlock()
			return n, err
		}

		job := entry.findOpenJob(chunkIndex)
		for job == nil && len(entry.jobs) >= apis.MaxSimChunks {
			entry.cond.Wait()
			job = entry.findOpenJob(chunkIndex)
		}
		newJob := job == nil
		if newJob {
			job = newChunkJob(chunkIndex)
			entry.jobs = append(entry.jobs, job)
		}

		blk := job.tailBlock()
		needNew := blk == nil || blk.sent() || blk.pos != blockPos ||
			blockOff > blk.to || blockOff+uint32(take) < blk.from
		entry.mu.Unlock()

		if needNew {
			nb := e.blocks.Acquire()
			nb.pos = blockPos
			nb.from = blockOff
			nb.to = blockOff
			entry.mu.Lock()
			job.blocks = append(job.blocks, nb)
			blk = nb
		} else {
			entry.mu.Lock()
			if blk.sent() {
				// The pipeline froze this block while we weren't looking;
				// replan this slice from scratch.
				entry.mu.Unlock()
				continue
			}
		}

		copy(blk.data[blockOff:blockOff+uint32(take)], data[n:n+take])
		if blockOff < blk.from {
			blk.from = blockOff
		}
		if blockOff+uint32(take) > blk.to {
			blk.to = blockOff + uint32(take)
		}
		if end := offset + uint64(take); end > entry.maxFleng {
			entry.maxFleng = end
		}
		job.lastAppend = time.Now()
		entry.cond.Broadcast()
		entry.mu.Unlock()

		if newJob {
			e.submitChunkJob(entry, job)
		}

		offset += uint64(take)
		n += take
	}
	return n, nil
}

// GetMaxFleng returns the highest write extent recorded for inode,
// independent of any open handle. Write raises it as soon as data is
// staged, before the chunkserver has acknowledged it.
func (e *Engine) GetMaxFleng(inode apis.Inode) uint64 {
	e.mu.Lock()
	entry, ok := e.inodes[inode]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.maxFleng
}

// GetMaxFleng returns the highest write extent (staged or written)
// recorded for this handle's inode.
func (h *Handle) GetMaxFleng() uint64 {
	return h.e.GetMaxFleng(h.inode)
}

// SetMaxFleng records a floor for the inode's max write extent, used
// when the façade learns of a length from elsewhere (e.g. an append
// reservation) that the write engine hasn't directly observed yet.
func (h *Handle) SetMaxFleng(length uint64) {
	entry := h.entry
	entry.mu.Lock()
	if length > entry.maxFleng {
		entry.maxFleng = length
	}
	entry.mu.Unlock()
}

// ChunkWait blocks until every chunk job known to this inode at call
// time has passed the READY negotiation phase (or failed), so callers
// can sequence subsequent metadata ops behind the negotiation.
func (h *Handle) ChunkWait() {
	entry := h.entry
	entry.mu.Lock()
	jobs := append([]*chunkJob(nil), entry.jobs...)
	for _, j := range jobs {
		for !j.ready {
			entry.cond.Wait()
		}
	}
	entry.mu.Unlock()
}

// Flush blocks until every chunkdata job known to this inode at call
// time completes and the queue drains, then returns the inode's final
// sticky status.
func (h *Handle) Flush() error {
	entry := h.entry

	entry.mu.Lock()
	jobs := append([]*chunkJob(nil), entry.jobs...)
	for _, j := range jobs {
		j.closing = true
	}
	entry.cond.Broadcast()
	entry.mu.Unlock()

	for _, j := range jobs {
		<-j.done
	}

	entry.mu.Lock()
	err := entry.status
	entry.mu.Unlock()
	return err
}

// FlushInode flushes inode without requiring a live Handle, for façade
// operations (e.g. a stat call) that need durability without holding an
// open file descriptor.
func (e *Engine) FlushInode(inode apis.Inode) error {
	e.mu.Lock()
	entry, ok := e.inodes[inode]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	h := &Handle{e: e, inode: inode, entry: entry}
	return h.Flush()
}

// Close flushes then releases this handle; when the last handle on the
// inode is released, its entry (and length-registry reference) is
// destroyed.
func (h *Handle) Close() error {
	err := h.Flush()

	e := h.e
	entry := h.entry
	entry.mu.Lock()
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
	return err
}
