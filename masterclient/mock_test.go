package masterclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosefs/moosefs-sub002/apis"
)

func TestMockClientReadChunkOfUnwrittenHoleReturnsZeroChunk(t *testing.T) {
	m := NewMockClient()
	lease, status, err := m.ReadChunk(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
	assert.True(t, lease.Identity.Chunk.IsHole())
}

func TestMockClientWriteChunkMintsThenBumpsVersion(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	lease1, status, err := m.WriteChunk(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
	assert.False(t, lease1.Identity.Chunk.IsHole())
	assert.Equal(t, apis.Version(1), lease1.Identity.Version)

	lease2, _, err := m.WriteChunk(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, lease1.Identity.Chunk, lease2.Identity.Chunk)
	assert.Equal(t, apis.Version(2), lease2.Identity.Version)
}

func TestMockClientWriteChunkEndExtendsLength(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	lease, _, err := m.WriteChunk(ctx, 10, 0)
	require.NoError(t, err)

	status, err := m.WriteChunkEnd(ctx, 10, 0, lease.Identity.Chunk, lease.Identity.Version, 5000)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)

	attr, _, err := m.GetAttr(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), attr.Length)

	// A shorter maxFleng from an earlier-dispatched-but-later-arriving
	// write must never shrink the file.
	status, err = m.WriteChunkEnd(ctx, 10, 0, lease.Identity.Chunk, lease.Identity.Version, 10)
	require.NoError(t, err)
	attr, _, err = m.GetAttr(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), attr.Length)
}

func TestMockClientWriteChunkEndRejectsStaleChunkID(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	status, err := m.WriteChunkEnd(ctx, 10, 0, apis.ChunkID(999), apis.Version(1), 10)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusNoChunk, status)
}

func TestMockClientTruncateSetsLength(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	status, err := m.Truncate(ctx, 10, 42)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)

	attr, _, err := m.GetAttr(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), attr.Length)
}

func TestMockClientReadOnlyRejectsWrites(t *testing.T) {
	m := NewMockClient()
	m.SetReadOnly(true)
	ctx := context.Background()

	_, status, err := m.WriteChunk(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusEROFS, status)

	status, err = m.Truncate(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusEROFS, status)
}

func TestMockClientForceStatusAppliesForCountThenRecovers(t *testing.T) {
	m := NewMockClient()
	m.ForceStatus(apis.StatusLocked, 2)
	ctx := context.Background()

	_, status, err := m.ReadChunk(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusLocked, status)

	_, status, err = m.ReadChunk(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusLocked, status)

	_, status, err = m.ReadChunk(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
}

func TestMockClientSeedChunkIsVisibleToReadChunk(t *testing.T) {
	m := NewMockClient()
	identity := apis.ChunkIdentity{Chunk: 77, Version: 3}
	m.SeedChunk(10, 2, identity, 1, []byte{9, 9})

	lease, status, err := m.ReadChunk(context.Background(), 10, 2)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
	assert.Equal(t, identity, lease.Identity)
	assert.Equal(t, []byte{9, 9}, lease.CSData)
}

func TestMockClientCloseMarksClosed(t *testing.T) {
	m := NewMockClient()
	assert.False(t, m.Closed())
	require.NoError(t, m.Close())
	assert.True(t, m.Closed())
}
