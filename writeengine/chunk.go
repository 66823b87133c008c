package writeengine

import (
	"time"

	"github.com/moosefs/moosefs-sub002/apis"
)

// chunkJob is one queued unit of chunk write work: the staged blocks
// for a single chunk, its negotiation/ready state, and the done signal
// its owning worker closes on completion.
//
// All fields are guarded by the owning inodeEntry's mutex; chunkJob
// carries no lock of its own.
type chunkJob struct {
	chunkIndex apis.ChunkIndex
	blocks     []*block
	tryCount   int

	ready   bool // chunk_ready: publishes to ChunkWait callers
	closing bool // no more blocks will be appended; worker should drain and finish

	// lastAppend feeds the NEXT_BLOCK_DELAY coalescing window: the
	// pipeline holds back a partial tail block until this is at least
	// apis.NextBlockDelay old.
	lastAppend time.Time

	err error

	done chan struct{} // closed by the worker when this job is fully resolved
}

func newChunkJob(idx apis.ChunkIndex) *chunkJob {
	return &chunkJob{
		chunkIndex: idx,
		done:       make(chan struct{}),
	}
}

// tailBlock returns the most recently appended block, or nil.
func (c *chunkJob) tailBlock() *block {
	if len(c.blocks) == 0 {
		return nil
	}
	return c.blocks[len(c.blocks)-1]
}
