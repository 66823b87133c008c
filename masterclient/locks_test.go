package masterclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosefs/moosefs-sub002/apis"
)

func TestFlockExclusiveConflicts(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	status, err := m.Flock(ctx, 1, 100, LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)

	status, err = m.Flock(ctx, 1, 200, LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusEAgain, status)

	status, err = m.Flock(ctx, 1, 200, LockShared)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusEAgain, status)

	// Unlock releases the conflict; shared locks then coexist.
	status, err = m.Flock(ctx, 1, 100, LockUnlock)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)

	status, err = m.Flock(ctx, 1, 200, LockShared)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)

	status, err = m.Flock(ctx, 1, 300, LockShared)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
}

func TestFlockReacquireByHolderSucceeds(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	_, err := m.Flock(ctx, 1, 100, LockShared)
	require.NoError(t, err)
	status, err := m.Flock(ctx, 1, 100, LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status, "a holder upgrading its own lock must not conflict with itself")
}

func TestPosixLockRangeSemantics(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	status, err := m.PosixLock(ctx, 1, 100, LockExclusive, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)

	// Overlap with an exclusive range conflicts.
	status, err = m.PosixLock(ctx, 1, 200, LockShared, 50, 150)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusEAgain, status)

	// Adjacent (end-exclusive) range does not.
	status, err = m.PosixLock(ctx, 1, 200, LockExclusive, 100, 200)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)

	// Unlocking the first range frees it for other owners.
	status, err = m.PosixLock(ctx, 1, 100, LockUnlock, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
	status, err = m.PosixLock(ctx, 1, 200, LockShared, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
}

func TestLockRequestCodecRoundTrip(t *testing.T) {
	inode, owner, typ, err := decodeFlockReq(encodeFlockReq(7, 0xabc, LockShared))
	require.NoError(t, err)
	assert.Equal(t, apis.Inode(7), inode)
	assert.Equal(t, uint64(0xabc), owner)
	assert.Equal(t, LockShared, typ)
}
