// Package posixio is the seam between the chunk I/O engines and a FUSE
// front-end: one opaque handle per open file, offering seek,
// POSIX-flavoured pread/pwrite, fsync, truncate, and flock/fcntl lock
// bridges translated to master lock RPCs. Results are reported as
// fuse.Status values and fuse.Attr structs so a go-fuse RawFileSystem
// can wrap a Handle without any further translation layer; the
// RawFileSystem itself (mount loop, request demux) is not built here.
package posixio

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/fuse"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/chunkloccache"
	"github.com/moosefs/moosefs-sub002/inodelength"
	"github.com/moosefs/moosefs-sub002/masterclient"
	"github.com/moosefs/moosefs-sub002/readengine"
	"github.com/moosefs/moosefs-sub002/writeengine"
)

// Engines bundles the long-lived collaborators every Handle shares.
type Engines struct {
	Master  masterclient.Client
	Read    *readengine.Engine
	Write   *writeengine.Engine
	Lengths *inodelength.Registry
	Cache   *chunkloccache.Cache
}

// lockOwnerSeq mints a distinct lock-owner token per open handle, since
// flock semantics attach locks to the open file description.
var lockOwnerSeq uint64

// Handle is one open file. All methods are safe for concurrent use; the
// handle's own mutex only guards its seek offset and open/closed state,
// never the engines' internals.
type Handle struct {
	eng   *Engines
	inode apis.Inode
	mode  apis.WriteMode
	owner uint64

	rh      *readengine.Handle
	wh      *writeengine.Handle
	lenHand *inodelength.Handle

	mu     sync.Mutex
	offset uint64
	closed bool
}

// Open acquires engine handles for inode in the given mode, seeding
// both engines with the master's current view of the file length.
func Open(eng *Engines, inode apis.Inode, mode apis.WriteMode) (*Handle, fuse.Status) {
	if mode == apis.Forbidden || mode == apis.Directory || mode == apis.AttrOnly {
		return nil, fuse.EINVAL
	}
	attr, status, err := eng.Master.GetAttr(context.Background(), inode)
	if err != nil {
		return nil, fuse.EIO
	}
	if status != apis.StatusOK {
		return nil, toStatus(apis.TranslateRead(status, true, true))
	}

	h := &Handle{
		eng:     eng,
		inode:   inode,
		mode:    mode,
		owner:   atomic.AddUint64(&lockOwnerSeq, 1),
		lenHand: eng.Lengths.Acquire(inode, attr.Length),
	}
	if mode.AllowsRead() {
		h.rh = eng.Read.Open(inode, attr.Length)
	}
	if mode.AllowsWrite() {
		h.wh = eng.Write.Open(inode, attr.Length)
	}
	return h, fuse.OK
}

// Pread fills dst from offset, returning the byte count (short at EOF).
func (h *Handle) Pread(dst []byte, offset uint64) (int, fuse.Status) {
	if h.rh == nil {
		return 0, fuse.EBADF
	}
	if st := checkExtent(offset, uint64(len(dst))); st != fuse.OK {
		return 0, st
	}
	iov, tok, err := h.rh.Read(offset, uint32(len(dst)))
	if err != nil {
		return 0, toStatus(err)
	}
	n := 0
	for _, seg := range iov {
		n += copy(dst[n:], seg)
	}
	h.rh.FreeBuffers(tok)
	return n, fuse.OK
}

// Pwrite stages data at offset (or at end-of-file in append mode) in
// the write-back cache. Durability requires Fsync/Close.
func (h *Handle) Pwrite(data []byte, offset uint64) (int, fuse.Status) {
	if h.wh == nil {
		return 0, fuse.EBADF
	}
	if h.mode.IsAppend() {
		// Length-plus-check fallback: take the freshest length either
		// engine knows. An atomic reserve-and-extend master op would
		// replace this on protocol >= AppendReserveProtocolVersion.
		offset = h.lenHand.Length()
		if mf := h.wh.GetMaxFleng(); mf > offset {
			offset = mf
		}
	}
	if st := checkExtent(offset, uint64(len(data))); st != fuse.OK {
		return 0, st
	}
	n, err := h.wh.Write(offset, data)
	if err != nil {
		return n, toStatus(err)
	}
	return n, fuse.OK
}

// Read is the seeking variant of Pread.
func (h *Handle) Read(dst []byte) (int, fuse.Status) {
	h.mu.Lock()
	off := h.offset
	h.mu.Unlock()
	n, st := h.Pread(dst, off)
	if st == fuse.OK {
		h.mu.Lock()
		h.offset = off + uint64(n)
		h.mu.Unlock()
	}
	return n, st
}

// Write is the seeking variant of Pwrite.
func (h *Handle) Write(data []byte) (int, fuse.Status) {
	h.mu.Lock()
	off := h.offset
	h.mu.Unlock()
	n, st := h.Pwrite(data, off)
	if st == fuse.OK {
		h.mu.Lock()
		h.offset = off + uint64(n)
		h.mu.Unlock()
	}
	return n, st
}

// Seek repositions the handle's offset, returning the new position.
func (h *Handle) Seek(offset int64, whence int) (uint64, fuse.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var base uint64
	switch whence {
	case 0: // SEEK_SET
		base = 0
	case 1: // SEEK_CUR
		base = h.offset
	case 2: // SEEK_END
		base = h.fileLength()
	default:
		return h.offset, fuse.EINVAL
	}
	pos := int64(base) + offset
	if pos < 0 {
		return h.offset, fuse.EINVAL
	}
	h.offset = uint64(pos)
	return h.offset, fuse.OK
}

func (h *Handle) fileLength() uint64 {
	l := h.lenHand.Length()
	if h.wh != nil {
		if mf := h.wh.GetMaxFleng(); mf > l {
			l = mf
		}
	}
	return l
}

// Fsync flushes every staged write for this inode through the
// chunkserver chain and the master's write-end commit.
func (h *Handle) Fsync() fuse.Status {
	if h.wh == nil {
		return fuse.OK
	}
	if err := h.wh.Flush(); err != nil {
		return toStatus(err)
	}
	return fuse.OK
}

// Truncate flushes pending writes, sets the canonical length at the
// master, then publishes it locally in active mode -- waiting for
// in-flight reads to drain -- and drops location-cache entries at or
// past the new end.
func (h *Handle) Truncate(length uint64) fuse.Status {
	if h.wh == nil {
		return fuse.EBADF
	}
	if length >= apis.MaxFileSize {
		return fuse.Status(syscall.EFBIG)
	}
	if err := h.wh.Flush(); err != nil {
		return toStatus(err)
	}
	status, err := h.eng.Master.Truncate(context.Background(), h.inode, length)
	if err != nil {
		return fuse.EIO
	}
	if status != apis.StatusOK {
		return toStatus(apis.TranslateWrite(status))
	}
	h.lenHand.SetLengthActive(length)
	h.eng.Cache.ClearInode(h.inode, apis.ChunkIndexOf(length))
	return fuse.OK
}

// GetAttr reports the master's current attributes, with Size overridden
// by any newer locally-confirmed write extent.
func (h *Handle) GetAttr(out *fuse.Attr) fuse.Status {
	attr, status, err := h.eng.Master.GetAttr(context.Background(), h.inode)
	if err != nil {
		return fuse.EIO
	}
	if status != apis.StatusOK {
		return toStatus(apis.TranslateRead(status, true, true))
	}
	size := attr.Length
	if local := h.fileLength(); local > size {
		size = local
	}
	out.Ino = uint64(h.inode)
	out.Size = size
	out.Mode = fuse.S_IFREG | 0644
	out.Blksize = apis.BlockSize
	out.Blocks = (size + 511) / 512
	return fuse.OK
}

// Statfs reports whole-filesystem usage. The handle itself is not
// consulted: every handle refers to the single mounted filesystem.
func (h *Handle) Statfs(out *fuse.StatfsOut) fuse.Status {
	st, status, err := h.eng.Master.Statfs(context.Background())
	if err != nil {
		return fuse.EIO
	}
	if status != apis.StatusOK {
		return fuse.EIO
	}
	const bsize = apis.BlockSize
	out.Bsize = bsize
	out.Frsize = bsize
	out.Blocks = st.TotalSpace / bsize
	out.Bfree = st.AvailSpace / bsize
	out.Bavail = st.AvailSpace / bsize
	out.Files = st.TotalInodes
	out.Ffree = st.FreeInodes
	return fuse.OK
}

// checkExtent rejects any byte range that could reach past MaxFileSize
// before it touches the engines.
func checkExtent(offset, size uint64) fuse.Status {
	if offset >= apis.MaxFileSize || offset+size >= apis.MaxFileSize {
		return fuse.Status(syscall.EFBIG)
	}
	return fuse.OK
}

// Close flushes, releases this handle's advisory locks, and tears down
// the engine handles.
func (h *Handle) Close() fuse.Status {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fuse.EBADF
	}
	h.closed = true
	h.mu.Unlock()

	st := fuse.OK
	if h.wh != nil {
		if err := h.wh.Close(); err != nil {
			st = toStatus(err)
		}
	}
	if h.rh != nil {
		_ = h.rh.Close()
	}
	ctx := context.Background()
	_, _ = h.eng.Master.Flock(ctx, h.inode, h.owner, masterclient.LockUnlock)
	_, _ = h.eng.Master.PosixLock(ctx, h.inode, h.owner, masterclient.LockUnlock, 0, apis.MaxFileSize)
	h.lenHand.Release()
	return st
}

// lockPollInterval paces blocking-lock retries against the master's
// non-blocking lock RPC.
const lockPollInterval = 100 * time.Millisecond

// Flock bridges flock(2): op is LOCK_SH, LOCK_EX or LOCK_UN, optionally
// OR-ed with LOCK_NB. Blocking requests poll the master until granted.
func (h *Handle) Flock(op int) fuse.Status {
	nonblock := op&syscall.LOCK_NB != 0
	var typ masterclient.LockType
	switch op &^ syscall.LOCK_NB {
	case syscall.LOCK_SH:
		typ = masterclient.LockShared
	case syscall.LOCK_EX:
		typ = masterclient.LockExclusive
	case syscall.LOCK_UN:
		typ = masterclient.LockUnlock
	default:
		return fuse.EINVAL
	}
	for {
		status, err := h.eng.Master.Flock(context.Background(), h.inode, h.owner, typ)
		if err != nil {
			return fuse.EIO
		}
		switch {
		case status == apis.StatusOK:
			return fuse.OK
		case status == apis.StatusEAgain && nonblock:
			return fuse.Status(syscall.EWOULDBLOCK)
		case status == apis.StatusEAgain:
			time.Sleep(lockPollInterval)
		default:
			return fuse.EIO
		}
	}
}

// SetLk bridges fcntl(F_SETLK/F_SETLKW) and lockf: a typed byte-range
// lock over [start, end), blocking when wait is set.
func (h *Handle) SetLk(typ masterclient.LockType, start, end uint64, wait bool) fuse.Status {
	if end <= start && typ != masterclient.LockUnlock {
		return fuse.EINVAL
	}
	for {
		status, err := h.eng.Master.PosixLock(context.Background(), h.inode, h.owner, typ, start, end)
		if err != nil {
			return fuse.EIO
		}
		switch {
		case status == apis.StatusOK:
			return fuse.OK
		case status == apis.StatusEAgain && !wait:
			return fuse.Status(syscall.EAGAIN)
		case status == apis.StatusEAgain:
			time.Sleep(lockPollInterval)
		default:
			return fuse.EIO
		}
	}
}

// toStatus maps the engines' classified errors onto fuse.Status errnos.
func toStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	switch apis.Kind(err) {
	case apis.KindBadFileDescriptor:
		return fuse.EBADF
	case apis.KindInvalidArgument:
		return fuse.EINVAL
	case apis.KindNoSuchDevice:
		return fuse.Status(syscall.ENXIO)
	case apis.KindNoSpace:
		return fuse.Status(syscall.ENOSPC)
	case apis.KindQuota:
		return fuse.Status(syscall.EDQUOT)
	case apis.KindFileTooBig:
		return fuse.Status(syscall.EFBIG)
	case apis.KindReadOnlyFS:
		return fuse.EROFS
	default:
		return fuse.EIO
	}
}
