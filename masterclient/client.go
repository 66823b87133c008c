// Package masterclient is the engines' surface to the master:
// request/response RPC, session keep-alive, and reconnect. It ships in
// two forms -- EtcdClient, which discovers the active master through
// etcd and speaks the framed binary protocol, and MockClient, the
// in-memory stand-in the engine tests drive.
package masterclient

import (
	"context"

	"github.com/moosefs/moosefs-sub002/apis"
)

// ChunkLease is what the master hands back for a chunk lookup or
// write-prepare: its identity plus the raw, not-yet-decoded server list
// bytes (wire.DecodeCSData turns these into apis.ChunkServers.Parts).
type ChunkLease struct {
	Identity  apis.ChunkIdentity
	CSDataVer int
	CSData    []byte
	ChainLen  int // csdata entry count, needed to validate csdataver=3 layouts
}

// Attr is the subset of master-held file attributes the engines need:
// just the length, since everything else (mode, owner, timestamps) is
// the façade's concern.
type Attr struct {
	Length uint64
}

// FsStat is the whole-filesystem summary behind an fstatvfs-style
// call: one aggregate view of the whole mounted filesystem, not
// per-directory quotas.
type FsStat struct {
	TotalSpace  uint64
	AvailSpace  uint64
	TotalInodes uint64
	FreeInodes  uint64
}

// Client is the narrow surface the read/write engines and the handle
// façade need from the master. Directory-level metadata ops (readdir,
// lookup, setattr) belong to a fuller front-end and are not part of
// this contract.
type Client interface {
	// ReadChunk resolves chunk_index for inode to a ChunkLease. A lease
	// with Identity.Chunk == 0 means the chunk is an unwritten hole.
	ReadChunk(ctx context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex) (ChunkLease, apis.MasterStatus, error)

	// WriteChunk prepares chunk_index of inode for writing, minting a new
	// chunk if it was a hole, and returns the lease to write through.
	WriteChunk(ctx context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex) (ChunkLease, apis.MasterStatus, error)

	// WriteChunkEnd commits the result of a chunk write: the new version,
	// and the file length implied by the data actually written.
	WriteChunkEnd(ctx context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex, chunk apis.ChunkID, version apis.Version, maxFleng uint64) (apis.MasterStatus, error)

	// Truncate sets the canonical length of inode.
	Truncate(ctx context.Context, inode apis.Inode, length uint64) (apis.MasterStatus, error)

	// GetAttr fetches the master's current view of an inode's attributes.
	GetAttr(ctx context.Context, inode apis.Inode) (Attr, apis.MasterStatus, error)

	// Statfs reports whole-filesystem space/inode usage.
	Statfs(ctx context.Context) (FsStat, apis.MasterStatus, error)

	// Flock applies (or releases) a whole-file advisory lock on behalf of
	// owner. Conflicting requests return StatusEAgain rather than
	// blocking; the caller owns the waiting policy.
	Flock(ctx context.Context, inode apis.Inode, owner uint64, typ LockType) (apis.MasterStatus, error)

	// PosixLock is the ranged (lockf/fcntl) counterpart of Flock over
	// [start, end).
	PosixLock(ctx context.Context, inode apis.Inode, owner uint64, typ LockType, start, end uint64) (apis.MasterStatus, error)

	// Close releases session resources (connections, leases/keep-alives).
	Close() error
}
