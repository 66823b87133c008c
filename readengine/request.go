package readengine

import (
	"time"

	"github.com/moosefs/moosefs-sub002/apis"
)

// rreq is one entry in an inode's request list: a byte range inside a
// single chunk, in flight or already filled. currentpos and
// splitcurrpos are never updated: each fetch attempt fills buf whole.
type rreq struct {
	offset       uint64
	leng         uint32
	rleng        uint32 // actually filled, valid once state >= FILLED
	currentpos   uint32
	splitcurrpos [8]uint32
	chunkIndex   apis.ChunkIndex
	tryCount     int
	modified     time.Time

	state State
	lcnt  int // application readers currently referencing this buffer

	buf []byte
	err error

	readahead bool // speculative request, not directly requested

	wake chan struct{} // closed to interrupt a parked worker; replaced on reuse
}

func newRreq(offset uint64, leng uint32, chunkIndex apis.ChunkIndex, readahead bool) *rreq {
	return &rreq{
		offset:     offset,
		leng:       leng,
		chunkIndex: chunkIndex,
		state:      StateNew,
		modified:   time.Now(),
		readahead:  readahead,
		wake:       make(chan struct{}),
		buf:        make([]byte, leng),
	}
}

// overlaps reports whether this request's byte range intersects [lo, hi).
func (r *rreq) overlaps(lo, hi uint64) bool {
	rhi := r.offset + uint64(r.leng)
	return r.offset < hi && lo < rhi
}

// covers reports whether this request's range fully contains [lo, hi).
func (r *rreq) covers(lo, hi uint64) bool {
	return r.offset <= lo && hi <= r.offset+uint64(r.leng)
}

// reusable reports whether this request may be attached to by a new
// planning pass instead of spawning a fresh rreq.
func (r *rreq) reusable() bool {
	switch r.state {
	case StateBreak, StateNotNeeded:
		return false
	default:
		return true
	}
}

// interrupt wakes a parked worker so it can re-read state and yield to
// REFRESH or BREAK.
func (r *rreq) interrupt() {
	select {
	case <-r.wake:
		// already closed
	default:
		close(r.wake)
	}
}
