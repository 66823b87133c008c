package wire

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSplitLayoutOffsetRoundTrip checks PartOf/OffsetOf/LogicalOffset are
// exact inverses, the algebraic core of split-mode reassembly.
func TestSplitLayoutOffsetRoundTrip(t *testing.T) {
	for _, parts := range []int{4, 8} {
		layout, err := NewSplitLayout(parts)
		require.NoError(t, err)
		for logical := uint32(0); logical < 5000; logical++ {
			part := layout.PartOf(logical)
			partOffset := layout.OffsetOf(logical)
			require.Equal(t, logical, layout.LogicalOffset(part, partOffset))
		}
	}
}

// TestSplitModeReassemblyIsomorphism: reading a
// chunk range part-wise and reconstructing it must yield exactly the
// plain-mode byte sequence, for any range and any supported part count.
func TestSplitModeReassemblyIsomorphism(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, parts := range []int{4, 8} {
		layout, err := NewSplitLayout(parts)
		require.NoError(t, err)
		for trial := 0; trial < 50; trial++ {
			offset := uint32(rng.Intn(1000))
			length := uint32(rng.Intn(2000) + 1)
			plain := make([]byte, length)
			rng.Read(plain)

			reqs := layout.Split(offset, length)
			got := make([]byte, length)
			for _, req := range reqs {
				payload := layout.Gather(plain, req)
				layout.Scatter(got, req, payload)
			}
			assert.Equal(t, plain, got, "parts=%d offset=%d length=%d", parts, offset, length)
		}
	}
}

func TestEncodeDecodeSplitChunkID(t *testing.T) {
	base := uint64(0x00ffffffffffffff) // ensure we don't rely on high byte being zero already
	base &^= uint64(0xff) << 56

	for _, parts := range []int{4, 8} {
		for part := 0; part < parts; part++ {
			tagged := EncodeSplitChunkID(base, parts, part)
			id, gotParts, gotPart := DecodeSplitChunkID(tagged)
			assert.Equal(t, base, id)
			assert.Equal(t, parts, gotParts)
			assert.Equal(t, part, gotPart)
		}
	}
}

func TestDecodeSplitChunkIDPlain(t *testing.T) {
	id, parts, part := DecodeSplitChunkID(12345)
	assert.Equal(t, uint64(12345), id)
	assert.Equal(t, 1, parts)
	assert.Equal(t, 0, part)
}
