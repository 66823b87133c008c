package readengine

import (
	"github.com/moosefs/moosefs-sub002/apis"
)

// Read resolves [offset, offset+size) against the inode's known length
// and in-flight/ready request list, waits for every sub-range's backing
// rreq to reach a terminal state, and returns the byte slices that
// together satisfy the (possibly short, at EOF) request.
//
// Chunk-boundary clipping: a single rreq never spans more than one
// chunk, so a read crossing chunk boundaries is always split there;
// within a chunk, an existing request is reused only if it fully
// covers the requested sub-range, and partial overlaps get a fresh
// request of their own.
func (h *Handle) Read(offset uint64, size uint32) ([][]byte, *Token, error) {
	e := h.e
	entry := h.entry

	entry.mu.Lock()
	if st := entry.status; st != nil {
		entry.mu.Unlock()
		return nil, nil, st
	}
	fleng := entry.lenHand.Length()
	entry.mu.Unlock()

	if offset >= fleng {
		return nil, &Token{}, nil
	}
	last := offset + uint64(size)
	if last > fleng {
		last = fleng
	}
	if last <= offset {
		return nil, &Token{}, nil
	}

	entry.mu.Lock()
	level := entry.ra.observe(offset, uint32(last-offset), e.cfg.ReadaheadLeng, e.cfg.ReadaheadTrigger)
	pruneIdle(entry)
	evictStale(entry, offset, last)

	var planned []*rreq
	pos := offset
	for pos < last {
		chunkIdx := apis.ChunkIndexOf(pos)
		chunkEnd := (uint64(chunkIdx) + 1) << apis.ChunkSizeBits
		hi := last
		if chunkEnd < hi {
			hi = chunkEnd
		}

		req := findCovering(entry, pos, hi)
		if req == nil {
			req = newRreq(pos, uint32(hi-pos), chunkIdx, false)
			entry.requests = append(entry.requests, req)
			e.submit(entry, req)
		}
		req.lcnt++
		planned = append(planned, req)
		pos = hi
	}

	if level > 0 {
		e.planReadahead(entry, last, level)
	}
	entry.mu.Unlock()

	// Wait for every planned request to reach a terminal state.
	entry.mu.Lock()
	for _, req := range planned {
		for !req.state.Terminal() {
			entry.cond.Wait()
		}
	}
	var firstErr error
	if entry.status != nil {
		firstErr = entry.status
	}
	entry.mu.Unlock()

	if firstErr != nil {
		h.FreeBuffers(&Token{reqs: planned})
		return nil, nil, firstErr
	}

	// Reconstruct the same per-chunk segment boundaries the planning
	// loop used: a reused covering request may extend well past its
	// segment (a whole read-ahead chunk, say), so the request's own
	// length cannot drive the walk.
	out := make([][]byte, 0, len(planned))
	pos = offset
	for _, req := range planned {
		chunkEnd := (uint64(apis.ChunkIndexOf(pos)) + 1) << apis.ChunkSizeBits
		segHi := last
		if chunkEnd < segHi {
			segHi = chunkEnd
		}
		localOff := pos - req.offset
		avail := uint64(req.rleng)
		if localOff >= avail {
			out = append(out, nil)
			pos = segHi
			continue
		}
		end := avail
		if want := segHi - req.offset; want < end {
			end = want
		}
		out = append(out, req.buf[localOff:end])
		pos = segHi
	}

	return out, &Token{reqs: planned}, nil
}

// FreeBuffers releases the application-reader references acquired by
// Read. A request whose lcnt drops to zero becomes eligible for
// removal from the inode's list on the next planning pass.
func (h *Handle) FreeBuffers(tok *Token) {
	if tok == nil {
		return
	}
	entry := h.entry
	entry.mu.Lock()
	for _, r := range tok.reqs {
		r.lcnt--
	}
	entry.mu.Unlock()
}

// findCovering returns a reusable live request that fully covers
// [lo, hi), or nil. Caller must hold entry.mu.
func findCovering(entry *inodeEntry, lo, hi uint64) *rreq {
	for _, r := range entry.requests {
		if r.reusable() && r.covers(lo, hi) {
			return r
		}
	}
	return nil
}

// evictStale marks disjoint, old, or terminal-dead requests as
// NOTNEEDED once the list is carrying at least
// apis.MaxLiveRequestsBeforeEviction live entries.
func evictStale(entry *inodeEntry, lo, hi uint64) {
	live := 0
	for _, r := range entry.requests {
		if r.state != StateNotNeeded && r.state != StateBreak {
			live++
		}
	}
	if live < apis.MaxLiveRequestsBeforeEviction {
		return
	}
	now := nowFunc()
	for _, r := range entry.requests {
		if r.lcnt > 0 {
			continue
		}
		if r.state == StateNotNeeded || r.state == StateBreak {
			continue
		}
		stale := now.Sub(r.modified) > apis.RequestValidityTimeout
		disjoint := !r.overlaps(lo, hi)
		if disjoint || stale {
			r.state = StateNotNeeded
		}
	}
}

// pruneIdle drops NOTNEEDED/BREAK requests with lcnt == 0 from the
// list entirely, letting them be garbage collected.
func pruneIdle(entry *inodeEntry) {
	kept := entry.requests[:0]
	for _, r := range entry.requests {
		if r.lcnt == 0 && (r.state == StateNotNeeded || r.state == StateBreak) {
			continue
		}
		kept = append(kept, r)
	}
	entry.requests = kept
}

// planReadahead speculatively allocates up to two chunk-sized requests
// immediately beyond the already-planned range, provided the inode
// isn't already carrying MaxReqInQueue live requests.
func (e *Engine) planReadahead(entry *inodeEntry, from uint64, level int) {
	extra := 1
	if level >= 3 {
		extra = 2
	}
	live := 0
	for _, r := range entry.requests {
		if r.state != StateNotNeeded && r.state != StateBreak {
			live++
		}
	}
	pos := from
	for i := 0; i < extra && live < apis.MaxReqInQueue; i++ {
		chunkIdx := apis.ChunkIndexOf(pos)
		chunkStart := uint64(chunkIdx) << apis.ChunkSizeBits
		if pos != chunkStart {
			// not chunk-aligned: round up to the next chunk instead of
			// re-fetching a partial tail already covered by the main read.
			chunkIdx++
		}
		start := uint64(chunkIdx) << apis.ChunkSizeBits
		if findCovering(entry, start, start+apis.ChunkSize) != nil {
			pos = start + apis.ChunkSize
			continue
		}
		req := newRreq(start, apis.ChunkSize, chunkIdx, true)
		entry.requests = append(entry.requests, req)
		e.submit(entry, req)
		live++
		pos = start + apis.ChunkSize
	}
}
