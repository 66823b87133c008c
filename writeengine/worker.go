package writeengine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/connpool"
	"github.com/moosefs/moosefs-sub002/wire"
)

// runChunkJob drives one chunkdata job from negotiation through
// CLTOCS_WRITE_FINISH and the master's write-end commit. It holds the
// chunk's write lock for the job's entire lifetime, so any
// concurrent read that resolves the chunk's location sees either the
// pre-write or post-commit version, never a partial one.
func (e *Engine) runChunkJob(entry *inodeEntry, job *chunkJob) {
	inode := entry.inode
	key := e.chunkKey(inode, job.chunkIndex)
	e.locks.WriteLock(key)
	defer e.locks.WriteUnlock(key)

	identity, chain, err := e.negotiateChunk(inode, job.chunkIndex)
	if err != nil {
		e.finishJob(entry, job, err)
		return
	}

	conn, err := e.dial(chain[0].Address())
	if err != nil {
		e.finishJob(entry, job, err)
		return
	}
	if err := sendWriteOpen(conn, identity, chain); err != nil {
		_ = conn.Close()
		e.finishJob(entry, job, err)
		return
	}

	entry.mu.Lock()
	job.ready = true
	entry.cond.Broadcast()
	entry.mu.Unlock()

	minOff, maxOff, werr := e.pipeline(entry, job, conn, identity)

	if werr == nil && chain[0].CSVersion >= apis.PipelinedWriteProtocolVersion {
		fin := wire.WriteFinish{ChunkID: uint64(identity.Chunk), Version: uint32(identity.Version)}
		payload := fin.Encode()
		_ = conn.SetWriteDeadline(time.Now().Add(apis.WriteActivityTimeout))
		if ferr := wire.WriteHeader(conn, wire.CltocsWriteFinish, uint32(len(payload))); ferr != nil {
			werr = ferr
		} else if _, ferr := conn.Write(payload); ferr != nil {
			werr = ferr
		}
	}

	if werr == nil && chain[0].CSVersion >= apis.PipelinedWriteProtocolVersion {
		e.pool.Insert(chain[0].Address(), conn)
	} else {
		_ = conn.Close()
	}

	if werr != nil {
		e.finishJob(entry, job, werr)
		return
	}

	base := uint64(job.chunkIndex) * apis.ChunkSize
	entry.mu.Lock()
	if candidate := base + maxOff; candidate > entry.maxFleng {
		entry.maxFleng = candidate
	}
	fileLen := entry.maxFleng
	entry.mu.Unlock()

	status, eerr := e.endChunk(inode, job.chunkIndex, identity, fileLen)
	if eerr != nil {
		e.finishJob(entry, job, eerr)
		return
	}
	if status != apis.StatusOK {
		e.finishJob(entry, job, apis.TranslateWrite(status))
		return
	}

	// Ordering: write-end commit, then the passive length publication,
	// then the invalidation of the overlapping read buffers.
	entry.lenHand.SetLengthPassive(fileLen)
	if maxOff > minOff {
		e.readInvalidate.Invalidate(inode, base+minOff, maxOff-minOff)
	}
	e.finishJob(entry, job, nil)
}

// finishJob publishes job's outcome, removes it from its inode's queue,
// and releases anything waiting on ChunkWait/Flush/Write.
func (e *Engine) finishJob(entry *inodeEntry, job *chunkJob, err error) {
	entry.mu.Lock()
	job.ready = true
	job.err = err
	if err != nil {
		entry.status = err
	}
	leftover := job.blocks
	job.blocks = nil
	entry.removeJobLocked(job)
	entry.mu.Unlock()
	for _, b := range leftover {
		e.blocks.Release(b)
	}
	close(job.done)
}

// negotiateChunk prepares chunkIndex for writing at the master, retrying
// transient statuses with the short backoff ladder, then ranks the
// returned server list with writeFlag=true so the first entry is the
// chain head to dial and the rest is the forward chain. Only the plain
// replica list (parts[0]) is ever used for writes -- erasure-split
// layouts are a read-side fan-out, the write path always goes through
// the replication chain the master hands back in part 0.
func (e *Engine) negotiateChunk(inode apis.Inode, chunkIndex apis.ChunkIndex) (apis.ChunkIdentity, []apis.ServerDescriptor, error) {
	attempt := 0
	for {
		lease, status, err := e.master.WriteChunk(context.Background(), inode, chunkIndex)
		if err != nil || status.IsTransient() {
			attempt++
			time.Sleep(masterRetryDelay(attempt))
			continue
		}
		if status != apis.StatusOK {
			return apis.ChunkIdentity{}, nil, apis.TranslateWrite(status)
		}
		_, parts, derr := wire.DecodeCSData(lease.CSDataVer, lease.CSData, lease.ChainLen)
		if derr != nil {
			attempt++
			time.Sleep(masterRetryDelay(attempt))
			continue
		}
		if len(parts) == 0 || len(parts[0]) == 0 {
			return apis.ChunkIdentity{}, nil, apis.ErrIO
		}
		// Reads resolving this chunk from here on see the new version.
		e.cache.Insert(inode, chunkIndex, lease.Identity.Chunk, lease.Identity.Version, lease.CSDataVer, lease.CSData)
		chain := e.order.Sort(parts[0], true)
		return lease.Identity, chain, nil
	}
}

// endChunk commits the write-end, retrying transient master statuses.
func (e *Engine) endChunk(inode apis.Inode, chunkIndex apis.ChunkIndex, identity apis.ChunkIdentity, fileLen uint64) (apis.MasterStatus, error) {
	attempt := 0
	for {
		status, err := e.master.WriteChunkEnd(context.Background(), inode, chunkIndex, identity.Chunk, identity.Version, fileLen)
		if err != nil || status.IsTransient() {
			attempt++
			time.Sleep(masterRetryDelay(attempt))
			continue
		}
		return status, nil
	}
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

func sendWriteOpen(conn net.Conn, identity apis.ChunkIdentity, chain []apis.ServerDescriptor) error {
	req := wire.WriteRequest{ChunkID: uint64(identity.Chunk), Version: uint32(identity.Version)}
	for _, d := range chain[1:] {
		req.Chain = append(req.Chain, wire.ForwardTarget{IP: d.IP, Port: d.Port})
	}
	payload := req.Encode()
	_ = conn.SetWriteDeadline(time.Now().Add(apis.WriteActivityTimeout))
	if err := wire.WriteHeader(conn, wire.CltocsWrite, uint32(len(payload))); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// pipeline sends job's blocks as CLTOCS_WRITE_DATA frames, keeping up to
// apis.MaxOutstandingWriteBlocks unacknowledged at once, until the job
// is closed by a flush and every sent block has been acked.
// It returns the [minOff, maxOff) byte extent (chunk-relative) actually
// written, for invalidation and length bookkeeping.
func (e *Engine) pipeline(entry *inodeEntry, job *chunkJob, conn net.Conn, identity apis.ChunkIdentity) (uint64, uint64, error) {
	statusCh := make(chan wire.WriteStatus, apis.MaxOutstandingWriteBlocks)
	errCh := make(chan error, 1)
	readerDone := make(chan struct{})
	go readWriteStatuses(conn, statusCh, errCh, readerDone)
	defer func() {
		_ = conn.SetReadDeadline(time.Now())
		<-readerDone
		_ = conn.SetReadDeadline(time.Time{})
	}()

	outstanding := make(map[uint32]*block)
	var nextWriteID uint32 = 1
	var minOff, maxOff uint64
	haveExtent := false
	lastSend := time.Now()

	// sendNop keeps the chain alive while the pipeline idles waiting for
	// more data or a flush.
	sendNop := func() error {
		if time.Since(lastSend) < apis.WorkerNOPInterval {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(apis.WriteActivityTimeout))
		if err := wire.WriteHeader(conn, wire.AntoanNop, 0); err != nil {
			return err
		}
		lastSend = time.Now()
		return nil
	}

	for {
		entry.mu.Lock()
		var blk *block
		for _, b := range job.blocks {
			if !b.sent() {
				blk = b
				break
			}
		}
		closing := job.closing
		isTail := blk != nil && blk == job.tailBlock()
		full := blk != nil && blk.to-blk.from == apis.BlockSize
		sinceAppend := time.Since(job.lastAppend)
		entry.mu.Unlock()

		if blk == nil {
			if closing && len(outstanding) == 0 {
				return minOff, maxOff, nil
			}
			select {
			case st := <-statusCh:
				if err := e.ackBlock(entry, job, outstanding, st); err != nil {
					return minOff, maxOff, err
				}
			case err := <-errCh:
				return minOff, maxOff, err
			case <-time.After(apis.NextBlockDelay):
				if err := sendNop(); err != nil {
					return minOff, maxOff, err
				}
			}
			continue
		}

		// A block goes out only when it is full, has blocks queued
		// behind it, a flush is waiting, or NEXT_BLOCK_DELAY has passed
		// since the last append -- otherwise hold it open so closely
		// spaced writes coalesce into one frame.
		if !full && isTail && !closing && sinceAppend < apis.NextBlockDelay {
			select {
			case st := <-statusCh:
				if err := e.ackBlock(entry, job, outstanding, st); err != nil {
					return minOff, maxOff, err
				}
			case err := <-errCh:
				return minOff, maxOff, err
			case <-time.After(apis.NextBlockDelay - sinceAppend):
			}
			continue
		}

		if len(outstanding) >= apis.MaxOutstandingWriteBlocks {
			select {
			case st := <-statusCh:
				if err := e.ackBlock(entry, job, outstanding, st); err != nil {
					return minOff, maxOff, err
				}
			case err := <-errCh:
				return minOff, maxOff, err
			}
			continue
		}

		entry.mu.Lock()
		wid := nextWriteID
		nextWriteID++
		blk.writeID = wid
		from, to, pos := blk.from, blk.to, blk.pos
		entry.mu.Unlock()

		hdr := wire.WriteDataHeader{
			ChunkID: uint64(identity.Chunk),
			WriteID: wid,
			Pos:     pos,
			From:    uint16(from),
			Size:    to - from,
			CRC32:   wire.CRC32(blk.data[from:to]),
		}
		payload := hdr.Encode(blk.data[from:to])
		_ = conn.SetWriteDeadline(time.Now().Add(apis.WriteActivityTimeout))
		if err := wire.WriteHeader(conn, wire.CltocsWriteData, uint32(len(payload))); err != nil {
			return minOff, maxOff, err
		}
		if _, err := conn.Write(payload); err != nil {
			return minOff, maxOff, err
		}
		lastSend = time.Now()
		outstanding[wid] = blk

		base := uint64(pos) * apis.BlockSize
		lo, hi := base+uint64(from), base+uint64(to)
		if !haveExtent || lo < minOff {
			minOff = lo
		}
		if !haveExtent || hi > maxOff {
			maxOff = hi
		}
		haveExtent = true
	}
}

// ackBlock applies one CSTOCL_WRITE_STATUS frame to its outstanding
// block: OK retires it, NOTDONE resends it without counting against
// the job's try budget (a server mid-recovery should not burn retries),
// and any other status counts against the budget before resending or
// giving up.
func (e *Engine) ackBlock(entry *inodeEntry, job *chunkJob, outstanding map[uint32]*block, st wire.WriteStatus) error {
	blk, ok := outstanding[st.WriteID]
	if !ok {
		return nil
	}
	delete(outstanding, st.WriteID)

	status := apis.MasterStatus(st.Status)
	if status == apis.StatusOK {
		entry.mu.Lock()
		for i, b := range job.blocks {
			if b == blk {
				job.blocks = append(job.blocks[:i], job.blocks[i+1:]...)
				break
			}
		}
		entry.mu.Unlock()
		e.blocks.Release(blk)
		return nil
	}
	if status == apis.StatusNotDone {
		time.Sleep(apis.NotDoneRetryDelay)
		entry.mu.Lock()
		blk.writeID = 0
		entry.mu.Unlock()
		return nil
	}

	job.tryCount++
	e.log.Attemptf(job.tryCount, "inode %d chunk %d: write attempt %d failed with status %d",
		entry.inode, job.chunkIndex, job.tryCount, status)
	if job.tryCount >= e.cfg.IOTryCount {
		return apis.TranslateWrite(status)
	}
	time.Sleep(chunkRetryDelay(job.tryCount))
	entry.mu.Lock()
	blk.writeID = 0
	entry.mu.Unlock()
	return nil
}

// readWriteStatuses runs on its own goroutine for the lifetime of a
// pipeline call, decoding CSTOCL_WRITE_STATUS frames (and swallowing
// keep-alive NOPs) until the connection errors or its deadline is
// forced, at which point it closes done.
func readWriteStatuses(conn net.Conn, out chan<- wire.WriteStatus, errc chan<- error, done chan<- struct{}) {
	defer close(done)
	for {
		h, err := wire.ReadHeader(conn)
		if err != nil {
			select {
			case errc <- err:
			default:
			}
			return
		}
		switch h.Cmd {
		case wire.AntoanNop:
			if _, err := wire.ReadPayload(conn, h); err != nil {
				select {
				case errc <- err:
				default:
				}
				return
			}
		case wire.CstoclWriteStatus:
			p, err := wire.ReadPayload(conn, h)
			if err != nil {
				select {
				case errc <- err:
				default:
				}
				return
			}
			st, derr := wire.DecodeWriteStatus(p)
			if derr != nil {
				select {
				case errc <- derr:
				default:
				}
				return
			}
			out <- st
		default:
			select {
			case errc <- fmt.Errorf("writeengine: unexpected frame command %d", h.Cmd):
			default:
			}
			return
		}
	}
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
