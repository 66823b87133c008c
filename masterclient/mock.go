package masterclient

import (
	"context"
	"sync"

	"github.com/moosefs/moosefs-sub002/apis"
)

// MockClient is an in-memory stand-in for Client, so tests drive the
// engines against a mock rather than a live master. Tests seed it
// directly through the exported Seed*/Set* helpers rather than going
// through a network round trip.
type MockClient struct {
	mu sync.Mutex

	lengths map[apis.Inode]uint64
	chunks  map[chunkKey]apis.ChunkIdentity
	csdata  map[chunkKey]mockCSData
	nextID  apis.ChunkID

	status     apis.MasterStatus // forced status for the next call, if any
	forceCount int
	readOnly   bool
	closed     bool

	flocks map[apis.Inode]map[uint64]LockType
	plocks map[apis.Inode][]posixRange

	fsStat FsStat
}

type chunkKey struct {
	inode apis.Inode
	index apis.ChunkIndex
}

type mockCSData struct {
	csdataver int
	csdata    []byte
}

func NewMockClient() *MockClient {
	return &MockClient{
		lengths: make(map[apis.Inode]uint64),
		chunks:  make(map[chunkKey]apis.ChunkIdentity),
		csdata:  make(map[chunkKey]mockCSData),
		nextID:  1,
	}
}

// ForceStatus makes the next `count` RPCs (of any kind) return s instead
// of succeeding, for exercising retry/error-translation paths.
func (m *MockClient) ForceStatus(s apis.MasterStatus, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
	m.forceCount = count
}

func (m *MockClient) SetReadOnly(ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = ro
}

// SeedFsStat sets the whole-filesystem usage Statfs reports.
func (m *MockClient) SeedFsStat(s FsStat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsStat = s
}

// SeedChunk places an existing chunk at (inode, chunkIndex) with a given
// server layout, as if the master had already allocated it.
func (m *MockClient) SeedChunk(inode apis.Inode, chunkIndex apis.ChunkIndex, identity apis.ChunkIdentity, csdataver int, csdata []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := chunkKey{inode, chunkIndex}
	m.chunks[k] = identity
	m.csdata[k] = mockCSData{csdataver, csdata}
}

func (m *MockClient) SeedLength(inode apis.Inode, length uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lengths[inode] = length
}

func (m *MockClient) takeForcedStatus() (apis.MasterStatus, bool) {
	if m.forceCount <= 0 {
		return apis.StatusOK, false
	}
	m.forceCount--
	return m.status, true
}

func (m *MockClient) ReadChunk(_ context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex) (ChunkLease, apis.MasterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, forced := m.takeForcedStatus(); forced {
		return ChunkLease{}, s, nil
	}
	k := chunkKey{inode, chunkIndex}
	identity, ok := m.chunks[k]
	if !ok {
		return ChunkLease{Identity: apis.ChunkIdentity{}}, apis.StatusOK, nil // hole: zero chunk id
	}
	cs := m.csdata[k]
	return ChunkLease{Identity: identity, CSDataVer: cs.csdataver, CSData: cs.csdata}, apis.StatusOK, nil
}

func (m *MockClient) WriteChunk(_ context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex) (ChunkLease, apis.MasterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, forced := m.takeForcedStatus(); forced {
		return ChunkLease{}, s, nil
	}
	if m.readOnly {
		return ChunkLease{}, apis.StatusEROFS, nil
	}
	k := chunkKey{inode, chunkIndex}
	identity, ok := m.chunks[k]
	if !ok {
		identity = apis.ChunkIdentity{Chunk: m.nextID, Version: 1}
		m.nextID++
		m.chunks[k] = identity
		m.csdata[k] = mockCSData{csdataver: 1, csdata: nil}
	} else {
		identity.Version++
		m.chunks[k] = identity
	}
	cs := m.csdata[k]
	return ChunkLease{Identity: identity, CSDataVer: cs.csdataver, CSData: cs.csdata}, apis.StatusOK, nil
}

func (m *MockClient) WriteChunkEnd(_ context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex, chunk apis.ChunkID, version apis.Version, maxFleng uint64) (apis.MasterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, forced := m.takeForcedStatus(); forced {
		return s, nil
	}
	k := chunkKey{inode, chunkIndex}
	if got, ok := m.chunks[k]; !ok || got.Chunk != chunk {
		return apis.StatusNoChunk, nil
	}
	if cur := m.lengths[inode]; maxFleng > cur {
		m.lengths[inode] = maxFleng
	}
	_ = version
	return apis.StatusOK, nil
}

func (m *MockClient) Truncate(_ context.Context, inode apis.Inode, length uint64) (apis.MasterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, forced := m.takeForcedStatus(); forced {
		return s, nil
	}
	if m.readOnly {
		return apis.StatusEROFS, nil
	}
	m.lengths[inode] = length
	return apis.StatusOK, nil
}

func (m *MockClient) GetAttr(_ context.Context, inode apis.Inode) (Attr, apis.MasterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, forced := m.takeForcedStatus(); forced {
		return Attr{}, s, nil
	}
	return Attr{Length: m.lengths[inode]}, apis.StatusOK, nil
}

func (m *MockClient) Statfs(_ context.Context) (FsStat, apis.MasterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, forced := m.takeForcedStatus(); forced {
		return FsStat{}, s, nil
	}
	return m.fsStat, apis.StatusOK, nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ Client = (*MockClient)(nil)
