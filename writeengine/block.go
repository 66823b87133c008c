package writeengine

import "github.com/moosefs/moosefs-sub002/apis"

// block is one staged dirty byte range within a single chunk's
// block-in-chunk slot. [from,to) grows in place while writeID == 0;
// once a worker assigns a writeID, data, from, and to are frozen.
type block struct {
	data    []byte // len == apis.BlockSize
	pos     uint16 // block-in-chunk index
	from    uint32
	to      uint32
	writeID uint32 // 0 = unsent
}

func newBlock() *block {
	return &block{data: make([]byte, apis.BlockSize)}
}

func (b *block) sent() bool { return b.writeID != 0 }

// reset clears a block for return to the free pool.
func (b *block) reset() {
	b.pos = 0
	b.from, b.to = 0, 0
	b.writeID = 0
}
