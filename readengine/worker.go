package readengine

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/connpool"
	"github.com/moosefs/moosefs-sub002/wire"
)

// submit hands req to the worker pool. The pool is a semaphore-gated
// goroutine-per-job model: goroutines are cheap enough that an elastic
// OS-thread pool (spawn on demand up to apis.MaxWorkers, sustain a
// floor) reduces to a bounded channel capacity -- the concurrency cap
// is what actually matters for chunkserver fan-out.
func (e *Engine) submit(entry *inodeEntry, req *rreq) {
	req.state = StateInQueue
	entry.jobsInFlight++
	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.runRequest(entry, req)
	}()
}

func (e *Engine) runRequest(entry *inodeEntry, req *rreq) {
	entry.mu.Lock()
	req.state = StateBusy
	inode := entry.inode
	lenHand := entry.lenHand
	entry.mu.Unlock()

	// Register with the length registry so SetLengthActive (truncate,
	// explicit set-length) drains this fetch before publishing.
	lenHand.BeginRead()
	err := e.fetch(inode, entry, req)
	lenHand.EndRead()

	entry.mu.Lock()
	if err != nil {
		req.state = StateBreak
		req.err = err
		entry.status = err
	} else {
		req.state = StateReady
	}
	req.modified = nowFunc()
	entry.jobsInFlight--
	entry.cond.Broadcast()
	entry.mu.Unlock()
}

// fetch resolves req's chunk and fills its buffer, retrying internally
// until it reaches a terminal outcome.
func (e *Engine) fetch(inode apis.Inode, entry *inodeEntry, req *rreq) error {
	masterAttempt := 0
	for {
		select {
		case <-req.wake:
			entry.mu.Lock()
			req.wake = make(chan struct{})
			entry.mu.Unlock()
			e.cache.Invalidate(inode, req.chunkIndex)
		default:
		}

		key := e.chunkKey(inode, req.chunkIndex)
		e.locks.ReadLock(key)

		identity, csdataver, csdata, err, transient := e.resolveLocation(inode, req.chunkIndex)
		if err != nil {
			e.locks.ReadUnlock(key)
			return err
		}
		if transient {
			e.locks.ReadUnlock(key)
			masterAttempt++
			time.Sleep(masterRetryDelay(masterAttempt))
			continue
		}

		if identity.Chunk.IsHole() {
			e.locks.ReadUnlock(key)
			entry.mu.Lock()
			fleng := entry.lenHand.Length()
			entry.mu.Unlock()
			fillHole(req, fleng)
			return nil
		}

		entryLeng := uint32(req.leng)
		chunkLocalOffset := uint32(req.offset & (apis.ChunkSize - 1))

		layout, parts, derr := wire.DecodeCSData(csdataver, csdata, int(len(csdata)/wire.LabeledEntryLen))
		if derr != nil {
			e.locks.ReadUnlock(key)
			e.cache.Invalidate(inode, req.chunkIndex)
			if bumped := e.bumpRetry(inode, req, derr); bumped != nil {
				return bumped
			}
			continue
		}

		ferr := e.fetchChunkData(req, identity, layout, parts, chunkLocalOffset, entryLeng)
		e.locks.ReadUnlock(key)

		if ferr != nil {
			e.cache.Invalidate(inode, req.chunkIndex)
			if bumped := e.bumpRetry(inode, req, ferr); bumped != nil {
				return bumped
			}
			continue
		}

		if !e.cache.Check(inode, req.chunkIndex, identity.Chunk, identity.Version) {
			e.cache.Invalidate(inode, req.chunkIndex)
			continue
		}

		req.rleng = req.leng
		return nil
	}
}

// bumpRetry advances req's chunk-server retry budget, returning a
// terminal error once it is exhausted (nil means: keep retrying).
func (e *Engine) bumpRetry(inode apis.Inode, req *rreq, cause error) error {
	req.tryCount++
	e.log.Attemptf(req.tryCount, "inode %d chunk %d: read attempt %d failed: %v",
		inode, req.chunkIndex, req.tryCount, cause)
	if req.tryCount >= e.cfg.IOTryCount {
		return apis.ErrIO
	}
	time.Sleep(chunkRetryDelay(req.tryCount))
	return nil
}

func masterRetryDelay(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return apis.MasterRetryDelay1
	case attempt == 2:
		return apis.MasterRetryDelay2
	default:
		return apis.MasterRetryDelay3
	}
}

func chunkRetryDelay(tryCount int) time.Duration {
	d := apis.ChunkRetryBase + time.Duration(tryCount-1)*apis.ChunkRetryStep
	if d > apis.ChunkRetryCap {
		d = apis.ChunkRetryCap
	}
	return d
}

func fillHole(req *rreq, fleng uint64) {
	avail := uint64(0)
	if fleng > req.offset {
		avail = fleng - req.offset
	}
	if avail > uint64(req.leng) {
		avail = uint64(req.leng)
	}
	req.rleng = uint32(avail)
	// req.buf is already zero-filled by make([]byte, ...) in newRreq.
}

func (e *Engine) resolveLocation(inode apis.Inode, chunkIndex apis.ChunkIndex) (apis.ChunkIdentity, int, []byte, error, bool) {
	if loc, ok := e.cache.Find(inode, chunkIndex); ok {
		return apis.ChunkIdentity{Chunk: loc.Chunk, Version: loc.Version}, loc.CSDataVer, loc.CSData, nil, false
	}

	lease, status, err := e.master.ReadChunk(context.Background(), inode, chunkIndex)
	if err != nil {
		return apis.ChunkIdentity{}, 0, nil, nil, true
	}
	if status.IsTransient() {
		return apis.ChunkIdentity{}, 0, nil, nil, true
	}
	if status != apis.StatusOK {
		if terr := apis.TranslateRead(status, e.cfg.ErrorOnLostChunk, e.cfg.ErrorOnNoSpace); terr != nil {
			return apis.ChunkIdentity{}, 0, nil, terr, false
		}
		return apis.ChunkIdentity{}, 0, nil, nil, true
	}

	e.cache.Insert(inode, chunkIndex, lease.Identity.Chunk, lease.Identity.Version, lease.CSDataVer, lease.CSData)
	return lease.Identity, lease.CSDataVer, lease.CSData, nil, false
}

// fetchChunkData dispatches one fetch per erasure part (a single part
// for plain mode) concurrently and scatters each part's payload into
// req.buf at its interleaved logical position.
func (e *Engine) fetchChunkData(req *rreq, identity apis.ChunkIdentity, layout apis.ChunkLayout, parts [][]apis.ServerDescriptor, chunkLocalOffset, length uint32) error {
	if layout == apis.LayoutPlain {
		candidates := e.order.Sort(parts[0], false)
		data, err := e.fetchRange(candidates, uint64(identity.Chunk), identity.Version, chunkLocalOffset, length)
		if err != nil {
			return err
		}
		copy(req.buf, data)
		return nil
	}

	split, err := wire.NewSplitLayout(layout.Parts())
	if err != nil {
		return err
	}
	partReqs := split.Split(chunkLocalOffset, length)

	var wg sync.WaitGroup
	errs := make([]error, len(partReqs))
	for i, pr := range partReqs {
		wg.Add(1)
		go func(i int, pr wire.PartRequest) {
			defer wg.Done()
			candidates := e.order.Sort(parts[pr.Part], false)
			wireChunkID := wire.EncodeSplitChunkID(uint64(identity.Chunk), layout.Parts(), pr.Part)
			data, err := e.fetchRange(candidates, wireChunkID, identity.Version, pr.PartOffset, pr.Length)
			if err != nil {
				errs[i] = err
				return
			}
			split.Scatter(req.buf, pr, data)
		}(i, pr)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// fetchRange tries candidates in rank order until one yields length
// bytes starting at partOffset within the identity's chunk/part.
func (e *Engine) fetchRange(candidates []apis.ServerDescriptor, wireChunkID uint64, version apis.Version, partOffset, length uint32) ([]byte, error) {
	var lastErr error
	for _, cand := range candidates {
		addr := cand.Address()
		conn, err := e.dial(addr)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := readFromServer(conn, wireChunkID, version, partOffset, length)
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		if cand.CSVersion >= apis.PipelinedWriteProtocolVersion {
			e.pool.Insert(addr, conn)
		} else {
			_ = conn.Close()
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = fmtErr("readengine: no candidate chunkservers for read")
	}
	return nil, lastErr
}

func (e *Engine) dial(addr apis.ServerAddress) (connpool.Conn, error) {
	if conn, ok := e.pool.Get(addr); ok {
		return conn, nil
	}
	var lastErr error
	for attempt := 0; attempt < apis.MaxConnectAttempts; attempt++ {
		d := net.Dialer{Timeout: 5 * time.Second}
		conn, err := d.Dial("tcp", string(addr))
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
			}
			return conn, nil
		}
		lastErr = err
		time.Sleep(apis.ConnectDialBackoff(attempt))
	}
	return nil, lastErr
}

// readFromServer sends a CLTOCS_READ for [offset, offset+length) and
// assembles the CSTOCL_READ_DATA frames it gets back, validating each
// frame's CRC and bounds before copying it in.
func readFromServer(conn net.Conn, wireChunkID uint64, version apis.Version, offset, length uint32) ([]byte, error) {
	req := wire.ReadRequest{ChunkID: wireChunkID, Version: uint32(version), Offset: offset, Size: length}
	payload := req.Encode()

	_ = conn.SetWriteDeadline(time.Now().Add(apis.ReadActivityTimeout))
	if err := wire.WriteHeader(conn, wire.CltocsRead, uint32(len(payload))); err != nil {
		return nil, err
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(apis.ReadActivityTimeout))
		h, err := wire.ReadHeader(conn)
		if err != nil {
			return nil, err
		}
		switch h.Cmd {
		case wire.AntoanNop:
			if _, err := wire.ReadPayload(conn, h); err != nil {
				return nil, err
			}
		case wire.CstoclReadData:
			p, err := wire.ReadPayload(conn, h)
			if err != nil {
				return nil, err
			}
			hdr, data, err := wire.DecodeReadData(p)
			if err != nil {
				return nil, err
			}
			if !wire.VerifyCRC32(data, hdr.CRC32) {
				return nil, fmtErr("readengine: CRC mismatch on read data frame")
			}
			if len(data) > apis.SplitSubBlockSize {
				return nil, fmtErr("readengine: read data frame exceeds sub-block size")
			}
			blockLocal := uint32(hdr.BlockNum)*apis.BlockSize + uint32(hdr.Offset)
			if blockLocal < offset || blockLocal+uint32(len(data)) > offset+length {
				return nil, fmtErr("readengine: read data frame out of requested range")
			}
			copy(out[blockLocal-offset:], data)
		case wire.CstoclReadStatus:
			p, err := wire.ReadPayload(conn, h)
			if err != nil {
				return nil, err
			}
			st, err := wire.DecodeReadStatus(p)
			if err != nil {
				return nil, err
			}
			if st.Status != uint8(apis.StatusOK) {
				return nil, fmtErr("readengine: chunkserver read status %d", st.Status)
			}
			return out, nil
		default:
			return nil, fmtErr("readengine: unexpected frame command %d", h.Cmd)
		}
	}
}
