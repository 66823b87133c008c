// Package wire implements the client<->chunkserver binary protocol:
// big-endian {cmd:u32, leng:u32, payload} frames, CRC-checked data
// frames, and the erasure split-mode chunk-id part encoding. It is
// pure codec code -- no sockets, no goroutines -- so it is exercised
// directly by table tests and reused by both readengine and
// writeengine's worker loops.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command constants for the chunkserver protocol.
const (
	CltocsRead       uint32 = 0x0190 + 50
	CstoclReadData   uint32 = 0x0190 + 51
	CstoclReadStatus uint32 = 0x0190 + 52
	CltocsWrite      uint32 = 0x0190 + 60
	CltocsWriteData  uint32 = 0x0190 + 61
	CltocsWriteFinish uint32 = 0x0190 + 62
	CstoclWriteStatus uint32 = 0x0190 + 63
	AntoanNop         uint32 = 0
)

// MaxFrameLength guards against a hostile/corrupt length prefix causing
// an unbounded allocation.
const MaxFrameLength = 32*1024*1024 + 4096

// FrameHeader is the 8-byte {cmd, leng} prefix of every frame.
type FrameHeader struct {
	Cmd  uint32
	Leng uint32
}

// WriteHeader writes the 8-byte big-endian frame header.
func WriteHeader(w io.Writer, cmd, leng uint32) error {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], cmd)
	binary.BigEndian.PutUint32(buf[4:8], leng)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and validates the 8-byte frame header.
func ReadHeader(r io.Reader) (FrameHeader, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FrameHeader{}, err
	}
	h := FrameHeader{
		Cmd:  binary.BigEndian.Uint32(buf[0:4]),
		Leng: binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Leng > MaxFrameLength {
		return FrameHeader{}, fmt.Errorf("wire: frame length %d exceeds maximum", h.Leng)
	}
	return h, nil
}

// ReadPayload reads exactly h.Leng bytes following a header already consumed by ReadHeader.
func ReadPayload(r io.Reader, h FrameHeader) ([]byte, error) {
	buf := make([]byte, h.Leng)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRequest is the payload of a CLTOCS_READ frame.
type ReadRequest struct {
	Legacy    bool // true => 20-byte payload, no flags byte
	Flags     uint8
	ChunkID   uint64
	Version   uint32
	Offset    uint32
	Size      uint32
}

// Encode serializes a CLTOCS_READ payload. leng is 21 for the modern
// form (with a flags byte) and 20 for the legacy form.
func (r ReadRequest) Encode() []byte {
	if r.Legacy {
		buf := make([]byte, 20)
		binary.BigEndian.PutUint64(buf[0:8], r.ChunkID)
		binary.BigEndian.PutUint32(buf[8:12], r.Version)
		binary.BigEndian.PutUint32(buf[12:16], r.Offset)
		binary.BigEndian.PutUint32(buf[16:20], r.Size)
		return buf
	}
	buf := make([]byte, 21)
	buf[0] = r.Flags
	binary.BigEndian.PutUint64(buf[1:9], r.ChunkID)
	binary.BigEndian.PutUint32(buf[9:13], r.Version)
	binary.BigEndian.PutUint32(buf[13:17], r.Offset)
	binary.BigEndian.PutUint32(buf[17:21], r.Size)
	return buf
}

// DecodeReadRequest parses a CLTOCS_READ payload, dispatching the
// legacy/modern forms on payload length.
func DecodeReadRequest(payload []byte) (ReadRequest, error) {
	switch len(payload) {
	case 20:
		return ReadRequest{
			Legacy:  true,
			ChunkID: binary.BigEndian.Uint64(payload[0:8]),
			Version: binary.BigEndian.Uint32(payload[8:12]),
			Offset:  binary.BigEndian.Uint32(payload[12:16]),
			Size:    binary.BigEndian.Uint32(payload[16:20]),
		}, nil
	case 21:
		return ReadRequest{
			Flags:   payload[0],
			ChunkID: binary.BigEndian.Uint64(payload[1:9]),
			Version: binary.BigEndian.Uint32(payload[9:13]),
			Offset:  binary.BigEndian.Uint32(payload[13:17]),
			Size:    binary.BigEndian.Uint32(payload[17:21]),
		}, nil
	default:
		return ReadRequest{}, fmt.Errorf("wire: bad CLTOCS_READ length %d", len(payload))
	}
}

// ReadDataHeader is the fixed portion of a CSTOCL_READ_DATA frame; Data
// follows immediately after in the frame payload.
type ReadDataHeader struct {
	ChunkID  uint64
	BlockNum uint16
	Offset   uint16
	Size     uint32
	CRC32    uint32
}

const readDataHeaderLen = 8 + 2 + 2 + 4 + 4

func (h ReadDataHeader) Encode(data []byte) []byte {
	buf := make([]byte, readDataHeaderLen+len(data))
	binary.BigEndian.PutUint64(buf[0:8], h.ChunkID)
	binary.BigEndian.PutUint16(buf[8:10], h.BlockNum)
	binary.BigEndian.PutUint16(buf[10:12], h.Offset)
	binary.BigEndian.PutUint32(buf[12:16], h.Size)
	binary.BigEndian.PutUint32(buf[16:20], h.CRC32)
	copy(buf[20:], data)
	return buf
}

func DecodeReadData(payload []byte) (ReadDataHeader, []byte, error) {
	if len(payload) < readDataHeaderLen {
		return ReadDataHeader{}, nil, fmt.Errorf("wire: short CSTOCL_READ_DATA payload")
	}
	h := ReadDataHeader{
		ChunkID:  binary.BigEndian.Uint64(payload[0:8]),
		BlockNum: binary.BigEndian.Uint16(payload[8:10]),
		Offset:   binary.BigEndian.Uint16(payload[10:12]),
		Size:     binary.BigEndian.Uint32(payload[12:16]),
		CRC32:    binary.BigEndian.Uint32(payload[16:20]),
	}
	data := payload[readDataHeaderLen:]
	if uint32(len(data)) != h.Size {
		return h, nil, fmt.Errorf("wire: CSTOCL_READ_DATA size mismatch: header=%d actual=%d", h.Size, len(data))
	}
	return h, data, nil
}

// ReadStatus is the payload of a CSTOCL_READ_STATUS frame.
type ReadStatus struct {
	ChunkID uint64
	Status  uint8
}

func (s ReadStatus) Encode() []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[0:8], s.ChunkID)
	buf[8] = s.Status
	return buf
}

func DecodeReadStatus(payload []byte) (ReadStatus, error) {
	if len(payload) != 9 {
		return ReadStatus{}, fmt.Errorf("wire: bad CSTOCL_READ_STATUS length %d", len(payload))
	}
	return ReadStatus{
		ChunkID: binary.BigEndian.Uint64(payload[0:8]),
		Status:  payload[8],
	}, nil
}

// ForwardTarget is one entry of a CLTOCS_WRITE forward chain.
type ForwardTarget struct {
	IP   uint32
	Port uint16
}

// WriteRequest is the payload of a CLTOCS_WRITE frame: the chunk
// identity plus the tail of the replication chain to forward to.
type WriteRequest struct {
	Legacy  bool
	Flags   uint8
	ChunkID uint64
	Version uint32
	Chain   []ForwardTarget
}

func (w WriteRequest) Encode() []byte {
	head := 12
	if !w.Legacy {
		head = 13
	}
	buf := make([]byte, head+6*len(w.Chain))
	off := 0
	if !w.Legacy {
		buf[0] = w.Flags
		off = 1
	}
	binary.BigEndian.PutUint64(buf[off:off+8], w.ChunkID)
	binary.BigEndian.PutUint32(buf[off+8:off+12], w.Version)
	off += 12
	for _, t := range w.Chain {
		binary.BigEndian.PutUint32(buf[off:off+4], t.IP)
		binary.BigEndian.PutUint16(buf[off+4:off+6], t.Port)
		off += 6
	}
	return buf
}

func DecodeWriteRequest(payload []byte, legacy bool) (WriteRequest, error) {
	head := 12
	off := 0
	w := WriteRequest{Legacy: legacy}
	if !legacy {
		head = 13
	}
	if len(payload) < head {
		return WriteRequest{}, fmt.Errorf("wire: short CLTOCS_WRITE payload")
	}
	if !legacy {
		w.Flags = payload[0]
		off = 1
	}
	w.ChunkID = binary.BigEndian.Uint64(payload[off : off+8])
	w.Version = binary.BigEndian.Uint32(payload[off+8 : off+12])
	off += 12
	rest := payload[off:]
	if len(rest)%6 != 0 {
		return WriteRequest{}, fmt.Errorf("wire: malformed forward chain, %d trailing bytes", len(rest))
	}
	for i := 0; i+6 <= len(rest); i += 6 {
		w.Chain = append(w.Chain, ForwardTarget{
			IP:   binary.BigEndian.Uint32(rest[i : i+4]),
			Port: binary.BigEndian.Uint16(rest[i+4 : i+6]),
		})
	}
	return w, nil
}

// WriteDataHeader is the fixed portion of a CLTOCS_WRITE_DATA frame.
type WriteDataHeader struct {
	ChunkID uint64
	WriteID uint32
	Pos     uint16
	From    uint16
	Size    uint32
	CRC32   uint32
}

const writeDataHeaderLen = 8 + 4 + 2 + 2 + 4 + 4

func (h WriteDataHeader) Encode(data []byte) []byte {
	buf := make([]byte, writeDataHeaderLen+len(data))
	binary.BigEndian.PutUint64(buf[0:8], h.ChunkID)
	binary.BigEndian.PutUint32(buf[8:12], h.WriteID)
	binary.BigEndian.PutUint16(buf[12:14], h.Pos)
	binary.BigEndian.PutUint16(buf[14:16], h.From)
	binary.BigEndian.PutUint32(buf[16:20], h.Size)
	binary.BigEndian.PutUint32(buf[20:24], h.CRC32)
	copy(buf[24:], data)
	return buf
}

func DecodeWriteData(payload []byte) (WriteDataHeader, []byte, error) {
	if len(payload) < writeDataHeaderLen {
		return WriteDataHeader{}, nil, fmt.Errorf("wire: short CLTOCS_WRITE_DATA payload")
	}
	h := WriteDataHeader{
		ChunkID: binary.BigEndian.Uint64(payload[0:8]),
		WriteID: binary.BigEndian.Uint32(payload[8:12]),
		Pos:     binary.BigEndian.Uint16(payload[12:14]),
		From:    binary.BigEndian.Uint16(payload[14:16]),
		Size:    binary.BigEndian.Uint32(payload[16:20]),
		CRC32:   binary.BigEndian.Uint32(payload[20:24]),
	}
	data := payload[writeDataHeaderLen:]
	if uint32(len(data)) != h.Size {
		return h, nil, fmt.Errorf("wire: CLTOCS_WRITE_DATA size mismatch: header=%d actual=%d", h.Size, len(data))
	}
	return h, data, nil
}

// WriteFinish is the payload of a CLTOCS_WRITE_FINISH frame.
type WriteFinish struct {
	ChunkID uint64
	Version uint32
}

func (f WriteFinish) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], f.ChunkID)
	binary.BigEndian.PutUint32(buf[8:12], f.Version)
	return buf
}

func DecodeWriteFinish(payload []byte) (WriteFinish, error) {
	if len(payload) != 12 {
		return WriteFinish{}, fmt.Errorf("wire: bad CLTOCS_WRITE_FINISH length %d", len(payload))
	}
	return WriteFinish{
		ChunkID: binary.BigEndian.Uint64(payload[0:8]),
		Version: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// WriteStatus is the payload of a CSTOCL_WRITE_STATUS frame.
type WriteStatus struct {
	ChunkID uint64
	WriteID uint32
	Status  uint8
}

func (s WriteStatus) Encode() []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint64(buf[0:8], s.ChunkID)
	binary.BigEndian.PutUint32(buf[8:12], s.WriteID)
	buf[12] = s.Status
	return buf
}

func DecodeWriteStatus(payload []byte) (WriteStatus, error) {
	if len(payload) != 13 {
		return WriteStatus{}, fmt.Errorf("wire: bad CSTOCL_WRITE_STATUS length %d", len(payload))
	}
	return WriteStatus{
		ChunkID: binary.BigEndian.Uint64(payload[0:8]),
		WriteID: binary.BigEndian.Uint32(payload[8:12]),
		Status:  payload[12],
	}, nil
}
