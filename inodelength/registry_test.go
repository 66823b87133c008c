package inodelength

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/moosefs/moosefs-sub002/apis"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []struct{ off, length uint64 }
}

func (r *recordingInvalidator) Invalidate(inode apis.Inode, offset uint64, length uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct{ off, length uint64 }{offset, length})
}

func TestAcquireSeedsLength(t *testing.T) {
	reg := NewRegistry(nil)
	h := reg.Acquire(1, 42)
	defer h.Release()
	assert.Equal(t, uint64(42), h.Length())
}

func TestSetLengthPassiveInvalidatesImmediately(t *testing.T) {
	inv := &recordingInvalidator{}
	reg := NewRegistry(inv)
	h := reg.Acquire(1, 0)
	defer h.Release()

	h.SetLengthPassive(100)
	assert.Equal(t, uint64(100), h.Length())

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Len(t, inv.calls, 1)
	assert.Equal(t, uint64(0), inv.calls[0].off)
	assert.Equal(t, uint64(100), inv.calls[0].length)
}

func TestSetLengthActiveWaitsForReaders(t *testing.T) {
	inv := &recordingInvalidator{}
	reg := NewRegistry(inv)
	h := reg.Acquire(1, 0)
	defer h.Release()

	h.BeginRead()

	setDone := make(chan struct{})
	go func() {
		h.SetLengthActive(4096)
		close(setDone)
	}()

	select {
	case <-setDone:
		t.Fatal("SetLengthActive must block while a reader is active")
	case <-time.After(50 * time.Millisecond):
	}

	h.EndRead()

	select {
	case <-setDone:
	case <-time.After(time.Second):
		t.Fatal("SetLengthActive never completed after reader finished")
	}
	assert.Equal(t, uint64(4096), h.Length())
}

func TestReleaseRemovesIdleEntry(t *testing.T) {
	reg := NewRegistry(nil)
	h := reg.Acquire(5, 0)
	h.Release()

	reg.mu.Lock()
	_, tracked := reg.entries[5]
	reg.mu.Unlock()
	assert.False(t, tracked)
}

func TestSharedHandleAcrossReadersAndWriter(t *testing.T) {
	reg := NewRegistry(nil)
	h1 := reg.Acquire(9, 10)
	h2 := reg.Acquire(9, 10)
	defer h1.Release()
	defer h2.Release()

	h1.SetLengthPassive(20)
	assert.Equal(t, uint64(20), h2.Length(), "length is shared across handles to the same inode")
}
