package readengine

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/chunkloccache"
	"github.com/moosefs/moosefs-sub002/chunklock"
	"github.com/moosefs/moosefs-sub002/chunkserver"
	"github.com/moosefs/moosefs-sub002/connpool"
	"github.com/moosefs/moosefs-sub002/csorder"
	"github.com/moosefs/moosefs-sub002/inodelength"
	"github.com/moosefs/moosefs-sub002/masterclient"
	"github.com/moosefs/moosefs-sub002/wire"
)

type readHarness struct {
	engine *Engine
	master *masterclient.MockClient
	cache  *chunkloccache.Cache
}

// PrepareReadEngine wires a fresh engine against a mock master, in the
// same harness-constructor style as the cluster test helpers the rest
// of the module's tests use.
func PrepareReadEngine(t *testing.T) *readHarness {
	t.Helper()
	master := masterclient.NewMockClient()
	cache := chunkloccache.New(0)
	hook := NewInvalidatorHook()
	lengths := inodelength.NewRegistry(hook)
	cfg := DefaultConfig()
	cfg.IOTryCount = 5
	engine := New(master, cache, chunklock.NewTable(), csorder.New(csorder.LabelExpr{}, nil), connpool.New(0), lengths, cfg)
	hook.Bind(engine)
	return &readHarness{engine: engine, master: master, cache: cache}
}

// seedChunk stands up a fake chunkserver holding content for one chunk
// of inode and registers it with the mock master.
func (h *readHarness) seedChunk(t *testing.T, inode apis.Inode, chunkIndex apis.ChunkIndex, identity apis.ChunkIdentity, content []byte) *chunkserver.Fake {
	t.Helper()
	fake, addr, teardown := chunkserver.NewFake(t)
	t.Cleanup(teardown)
	fake.Seed(identity, content)
	desc := chunkserver.Descriptor(t, addr, 20000)
	ver, csdata := wire.EncodeCSData(apis.LayoutPlain, [][]apis.ServerDescriptor{{desc}})
	h.master.SeedChunk(inode, chunkIndex, identity, ver, csdata)
	return fake
}

func readAll(t *testing.T, handle *Handle, offset uint64, size uint32) []byte {
	t.Helper()
	iov, tok, err := handle.Read(offset, size)
	require.NoError(t, err)
	var out []byte
	for _, seg := range iov {
		out = append(out, seg...)
	}
	handle.FreeBuffers(tok)
	return out
}

func patternBytes(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func TestReadPlainChunk(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(100)
	content := patternBytes(512*1024, 3)
	h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 7, Version: 1}, content)
	h.master.SeedLength(inode, uint64(len(content)))

	handle := h.engine.Open(inode, uint64(len(content)))
	defer handle.Close()

	got := readAll(t, handle, 0, 8)
	assert.Equal(t, content[:8], got)

	// Unaligned interior range crossing a block boundary.
	got = readAll(t, handle, 65000, 2000)
	assert.True(t, bytes.Equal(content[65000:67000], got))
}

func TestReadPastEOFReturnsNothing(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(101)
	h.master.SeedLength(inode, 100)

	handle := h.engine.Open(inode, 100)
	defer handle.Close()

	got := readAll(t, handle, 100, 10)
	assert.Empty(t, got)

	got = readAll(t, handle, 5000, 10)
	assert.Empty(t, got)
}

func TestReadHoleReturnsZeros(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(102)
	// Length says 100 bytes exist, but no chunk was ever minted.
	h.master.SeedLength(inode, 100)

	handle := h.engine.Open(inode, 100)
	defer handle.Close()

	got := readAll(t, handle, 0, 100)
	require.Len(t, got, 100)
	assert.Equal(t, make([]byte, 100), got)
}

func TestShortReadAtEOF(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(103)
	content := patternBytes(1000, 9)
	h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 8, Version: 2}, content)
	h.master.SeedLength(inode, 1000)

	handle := h.engine.Open(inode, 1000)
	defer handle.Close()

	got := readAll(t, handle, 900, 500)
	assert.Equal(t, content[900:1000], got)
}

func TestRetryAfterChunkserverFailure(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(104)
	content := patternBytes(4096, 5)
	fake := h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 9, Version: 1}, content)
	h.master.SeedLength(inode, 4096)
	fake.FailReads = 1

	handle := h.engine.Open(inode, 4096)
	defer handle.Close()

	got := readAll(t, handle, 0, 4096)
	assert.Equal(t, content, got)
}

func TestRetryBudgetExhaustionSurfacesEIO(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(105)
	content := patternBytes(128, 1)
	fake := h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 10, Version: 1}, content)
	h.master.SeedLength(inode, 128)
	fake.FailReads = 1000 // more than the configured try budget

	handle := h.engine.Open(inode, 128)
	defer handle.Close()

	_, _, err := handle.Read(0, 128)
	require.Error(t, err)
	assert.Equal(t, apis.KindIO, apis.Kind(err))
}

func TestPermanentMasterErrorSurfacesImmediately(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(106)
	h.master.SeedLength(inode, 64)
	h.master.ForceStatus(apis.StatusENoEnt, 1)

	handle := h.engine.Open(inode, 64)
	defer handle.Close()

	_, _, err := handle.Read(0, 64)
	require.Error(t, err)
	assert.Equal(t, apis.KindBadFileDescriptor, apis.Kind(err))
}

func TestSplitModeReassembly(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(107)
	const parts = 4
	logical := patternBytes(8192, 11)
	identity := apis.ChunkIdentity{Chunk: 11, Version: 3}

	split, err := wire.NewSplitLayout(parts)
	require.NoError(t, err)

	descs := make([][]apis.ServerDescriptor, parts)
	for p := 0; p < parts; p++ {
		fake, addr, teardown := chunkserver.NewFake(t)
		t.Cleanup(teardown)
		// Each stripe server holds its part-local byte sequence under the
		// part-tagged wire chunk id, exactly as a real split deployment.
		partContent := make([]byte, (len(logical)+parts-1)/parts)
		for i := range partContent {
			lo := split.LogicalOffset(p, uint32(i))
			if int(lo) < len(logical) {
				partContent[i] = logical[lo]
			}
		}
		tagged := apis.ChunkIdentity{
			Chunk:   apis.ChunkID(wire.EncodeSplitChunkID(uint64(identity.Chunk), parts, p)),
			Version: identity.Version,
		}
		fake.Seed(tagged, partContent)
		descs[p] = []apis.ServerDescriptor{chunkserver.Descriptor(t, addr, 20000)}
	}

	ver, csdata := wire.EncodeCSData(apis.LayoutSplit4, descs)
	h.master.SeedChunk(inode, 0, identity, ver, csdata)
	h.master.SeedLength(inode, uint64(len(logical)))

	handle := h.engine.Open(inode, uint64(len(logical)))
	defer handle.Close()

	got := readAll(t, handle, 0, uint32(len(logical)))
	assert.True(t, bytes.Equal(logical, got), "split-mode reassembly must equal the plain byte sequence")

	// Interior, part-unaligned range.
	got = readAll(t, handle, 1001, 777)
	assert.True(t, bytes.Equal(logical[1001:1778], got))
}

func TestInvalidateIsIdempotent(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(108)
	content := patternBytes(4096, 2)
	h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 12, Version: 1}, content)
	h.master.SeedLength(inode, 4096)

	handle := h.engine.Open(inode, 4096)
	defer handle.Close()

	readAll(t, handle, 0, 4096)

	h.engine.Invalidate(inode, 0, 4096)
	snapshot := func() []State {
		handle.entry.mu.Lock()
		defer handle.entry.mu.Unlock()
		states := make([]State, 0, len(handle.entry.requests))
		for _, r := range handle.entry.requests {
			states = append(states, r.state)
		}
		return states
	}
	first := snapshot()
	h.engine.Invalidate(inode, 0, 4096)
	assert.Equal(t, first, snapshot(), "repeated invalidation must not change observable state")

	// The range is still readable afterwards.
	got := readAll(t, handle, 0, 4096)
	assert.Equal(t, content, got)
}

func TestInvalidateRefreshesHeldBuffers(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(109)
	content := patternBytes(4096, 4)
	fake := h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 13, Version: 1}, content)
	h.master.SeedLength(inode, 4096)

	handle := h.engine.Open(inode, 4096)
	defer handle.Close()

	readAll(t, handle, 0, 4096)

	// New content appears under the same identity (as after a rewrite);
	// invalidation must force the next read to re-fetch it.
	updated := patternBytes(4096, 200)
	fake.Seed(apis.ChunkIdentity{Chunk: 13, Version: 1}, updated)
	h.engine.Invalidate(inode, 0, 4096)

	got := readAll(t, handle, 0, 4096)
	assert.Equal(t, updated, got)
}

func TestStaleRequestsEvicted(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(110)
	content := patternBytes(apis.BlockSize*4, 6)
	h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 14, Version: 1}, content)
	h.master.SeedLength(inode, uint64(len(content)))

	handle := h.engine.Open(inode, uint64(len(content)))
	defer handle.Close()

	// Populate several disjoint live requests.
	for i := 0; i < 4; i++ {
		readAll(t, handle, uint64(i)*apis.BlockSize, 1024)
	}

	// Freeze time far in the future so every request is past the
	// validity timeout, then trigger a planning pass.
	old := nowFunc
	nowFunc = func() time.Time { return time.Now().Add(apis.RequestValidityTimeout + time.Minute) }
	defer func() { nowFunc = old }()

	readAll(t, handle, 0, 512)

	handle.entry.mu.Lock()
	notNeeded := 0
	for _, r := range handle.entry.requests {
		if r.state == StateNotNeeded {
			notNeeded++
		}
	}
	handle.entry.mu.Unlock()
	assert.NotZero(t, notNeeded, "stale disjoint requests should be marked NOTNEEDED")
}

func TestCloseWaitsForJobsAndDestroysEntry(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(111)
	content := patternBytes(1024, 8)
	h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 15, Version: 1}, content)
	h.master.SeedLength(inode, 1024)

	handle := h.engine.Open(inode, 1024)
	readAll(t, handle, 0, 1024)
	require.NoError(t, handle.Close())

	h.engine.mu.Lock()
	_, stillOpen := h.engine.inodes[inode]
	h.engine.mu.Unlock()
	assert.False(t, stillOpen, "last Close must remove the inode entry")
}

func TestReadyRequestReusedByOverlappingRead(t *testing.T) {
	h := PrepareReadEngine(t)
	const inode = apis.Inode(112)
	content := patternBytes(8192, 13)
	h.seedChunk(t, inode, 0, apis.ChunkIdentity{Chunk: 16, Version: 1}, content)
	h.master.SeedLength(inode, 8192)

	handle := h.engine.Open(inode, 8192)
	defer handle.Close()

	readAll(t, handle, 0, 8192)

	handle.entry.mu.Lock()
	before := len(handle.entry.requests)
	handle.entry.mu.Unlock()

	// A sub-range of the ready buffer must not spawn a new request.
	got := readAll(t, handle, 1024, 512)
	assert.Equal(t, content[1024:1536], got)

	handle.entry.mu.Lock()
	after := len(handle.entry.requests)
	handle.entry.mu.Unlock()
	assert.Equal(t, before, after)
}
