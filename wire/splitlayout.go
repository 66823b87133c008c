package wire

import "fmt"

// SplitLayout implements the erasure split-mode offset interleaving
// arithmetic: a chunk striped across 4 or 8 parts, where each part
// holds one slice, and an 18-bit part-offset interleaves with a
// 2-or-3-bit part index to reconstruct the logical chunk offset.
//
// LogicalOffset = (PartOffset << PartBits) | PartIndex
//
// This is a pure, round-trippable codec: PartOf/OffsetOf and
// LogicalOffset are exact inverses for any value the part count
// admits, which is what makes split-mode reassembly an isomorphism
// with the plain layout.
type SplitLayout struct {
	Parts int // 4 or 8
}

// NewSplitLayout validates parts and returns a ready SplitLayout.
func NewSplitLayout(parts int) (SplitLayout, error) {
	if parts != 4 && parts != 8 {
		return SplitLayout{}, fmt.Errorf("wire: invalid split part count %d, want 4 or 8", parts)
	}
	return SplitLayout{Parts: parts}, nil
}

// PartBits is 2 for a 4-way split, 3 for 8-way.
func (s SplitLayout) PartBits() uint {
	if s.Parts == 8 {
		return 3
	}
	return 2
}

// PartOf returns which stripe a logical chunk offset falls in.
func (s SplitLayout) PartOf(logicalOffset uint32) int {
	return int(logicalOffset) & (s.Parts - 1)
}

// OffsetOf returns the offset within its stripe for a logical chunk offset.
func (s SplitLayout) OffsetOf(logicalOffset uint32) uint32 {
	return logicalOffset >> s.PartBits()
}

// LogicalOffset reconstructs a logical chunk offset from a stripe index
// and the offset within that stripe.
func (s SplitLayout) LogicalOffset(part int, partOffset uint32) uint32 {
	return (partOffset << s.PartBits()) | uint32(part)
}

// Split divides a logical [offset, offset+length) range into one
// request per stripe that overlaps it: for each part, the contiguous
// run of part-local positions whose reconstructed logical offsets fall
// in range. Because logical offsets interleave one-per-part, a
// contiguous logical range of length L touches, for each part, either
// ceil(L/Parts) or floor(L/Parts) contiguous part-local bytes.
type PartRequest struct {
	Part       int
	PartOffset uint32
	Length     uint32
	// LogicalStart is this part-request's first byte's position within
	// the requested [offset,length) range, for scatter placement.
	LogicalStart uint32
}

func (s SplitLayout) Split(offset uint32, length uint32) []PartRequest {
	if length == 0 {
		return nil
	}
	reqs := make([]PartRequest, 0, s.Parts)
	for part := 0; part < s.Parts; part++ {
		// first logical position >= offset whose PartOf == part
		first := offset
		for int(first)&(s.Parts-1) != part && first < offset+length {
			first++
		}
		if first >= offset+length {
			continue
		}
		last := first
		for last+uint32(s.Parts) < offset+length {
			last += uint32(s.Parts)
		}
		count := (last-first)/uint32(s.Parts) + 1
		reqs = append(reqs, PartRequest{
			Part:         part,
			PartOffset:   s.OffsetOf(first),
			Length:       count,
			LogicalStart: first - offset,
		})
	}
	return reqs
}

// Scatter writes a part's contiguous payload into dst at the
// interleaved logical positions it covers, recovering the plain-mode
// byte sequence. dst must be at least LogicalStart+Length*Parts-ish
// sized by the caller (sized to the full sub-range length).
func (s SplitLayout) Scatter(dst []byte, req PartRequest, payload []byte) {
	for i := 0; i < len(payload); i++ {
		pos := req.LogicalStart + uint32(i)*uint32(s.Parts)
		if int(pos) < len(dst) {
			dst[pos] = payload[i]
		}
	}
}

// Gather is the write-side inverse of Scatter: it extracts the
// part-local contiguous payload for req out of a full logical buffer.
func (s SplitLayout) Gather(src []byte, req PartRequest) []byte {
	out := make([]byte, req.Length)
	for i := range out {
		pos := req.LogicalStart + uint32(i)*uint32(s.Parts)
		if int(pos) < len(src) {
			out[i] = src[pos]
		}
	}
	return out
}

// Split-mode chunk-id part tagging: the part index is
// encoded into bits 56-63 of the chunk id sent on the wire. Plain = 0,
// 4-way = 0x10|part, 8-way = 0x20|part.
const (
	splitTag4 = 0x10
	splitTag8 = 0x20
	tagShift  = 56
	tagMask   = uint64(0xff) << tagShift
)

// EncodeSplitChunkID tags a chunk id with its erasure part index for
// the wire. parts is 4 or 8 (any other value is tagged as 4-way); part
// is 0-based.
func EncodeSplitChunkID(chunkID uint64, parts int, part int) uint64 {
	tag := splitTag4
	if parts == 8 {
		tag = splitTag8
	}
	return (chunkID &^ tagMask) | (uint64(tag|part) << tagShift)
}

// DecodeSplitChunkID extracts the untagged chunk id and, if the high
// byte carries a split tag, the erasure part count and index.
func DecodeSplitChunkID(wireChunkID uint64) (chunkID uint64, parts int, part int) {
	tagByte := byte(wireChunkID >> tagShift)
	chunkID = wireChunkID &^ tagMask
	switch {
	case tagByte&0xf0 == splitTag4:
		return chunkID, 4, int(tagByte & 0x0f)
	case tagByte&0xf0 == splitTag8:
		return chunkID, 8, int(tagByte & 0x0f)
	default:
		return chunkID, 1, 0
	}
}
