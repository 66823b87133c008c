package masterclient

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/wire"
)

// Master request/response commands. The master protocol reuses the
// chunkserver protocol's {cmd,leng,payload} big-endian frame shape
// (wire.WriteHeader/ReadHeader) since both are length-prefixed binary
// frames over the same kind of long-lived TCP session.
const (
	cmdReadChunk      uint32 = 0x0290 + 1
	cmdReadChunkReply uint32 = 0x0290 + 2
	cmdWriteChunk     uint32 = 0x0290 + 3
	cmdWriteChunkReply uint32 = 0x0290 + 4
	cmdWriteChunkEnd  uint32 = 0x0290 + 5
	cmdWriteChunkEndReply uint32 = 0x0290 + 6
	cmdTruncate       uint32 = 0x0290 + 7
	cmdTruncateReply  uint32 = 0x0290 + 8
	cmdGetAttr        uint32 = 0x0290 + 9
	cmdGetAttrReply   uint32 = 0x0290 + 10
	cmdStatfs         uint32 = 0x0290 + 11
	cmdStatfsReply    uint32 = 0x0290 + 12
)

const frameTimeout = 10 * time.Second

func sendFrame(conn net.Conn, cmd uint32, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(frameTimeout))
	if err := wire.WriteHeader(conn, cmd, uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := conn.Write(payload)
	return err
}

func recvFrame(conn net.Conn, wantCmd uint32) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(frameTimeout))
	h, err := wire.ReadHeader(conn)
	if err != nil {
		return nil, err
	}
	if h.Cmd != wantCmd {
		return nil, fmt.Errorf("masterclient: expected cmd %d, got %d", wantCmd, h.Cmd)
	}
	return wire.ReadPayload(conn, h)
}

func encodeReadChunkReq(inode apis.Inode, chunkIndex apis.ChunkIndex) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(inode))
	binary.BigEndian.PutUint32(buf[4:8], uint32(chunkIndex))
	return buf
}

// leaseReplyHeader is the fixed portion of a ReadChunk/WriteChunk reply:
// status, chunk id, version, csdataver, chain length; the variable-length
// csdata bytes follow.
type leaseReplyHeader struct {
	status    apis.MasterStatus
	chunk     apis.ChunkID
	version   apis.Version
	csdataver uint32
	chainLen  uint32
}

const leaseReplyHeaderLen = 1 + 8 + 4 + 4 + 4

func encodeLeaseReply(h leaseReplyHeader, csdata []byte) []byte {
	buf := make([]byte, leaseReplyHeaderLen+len(csdata))
	buf[0] = byte(h.status)
	binary.BigEndian.PutUint64(buf[1:9], uint64(h.chunk))
	binary.BigEndian.PutUint32(buf[9:13], uint32(h.version))
	binary.BigEndian.PutUint32(buf[13:17], h.csdataver)
	binary.BigEndian.PutUint32(buf[17:21], h.chainLen)
	copy(buf[leaseReplyHeaderLen:], csdata)
	return buf
}

func decodeLeaseReply(payload []byte) (leaseReplyHeader, []byte, error) {
	if len(payload) < leaseReplyHeaderLen {
		return leaseReplyHeader{}, nil, fmt.Errorf("masterclient: short lease reply")
	}
	h := leaseReplyHeader{
		status:    apis.MasterStatus(payload[0]),
		chunk:     apis.ChunkID(binary.BigEndian.Uint64(payload[1:9])),
		version:   apis.Version(binary.BigEndian.Uint32(payload[9:13])),
		csdataver: binary.BigEndian.Uint32(payload[13:17]),
		chainLen:  binary.BigEndian.Uint32(payload[17:21]),
	}
	return h, payload[leaseReplyHeaderLen:], nil
}

func encodeWriteChunkEndReq(inode apis.Inode, chunkIndex apis.ChunkIndex, chunk apis.ChunkID, version apis.Version, maxFleng uint64) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint32(buf[0:4], uint32(inode))
	binary.BigEndian.PutUint32(buf[4:8], uint32(chunkIndex))
	binary.BigEndian.PutUint64(buf[8:16], uint64(chunk))
	binary.BigEndian.PutUint32(buf[16:20], uint32(version))
	binary.BigEndian.PutUint64(buf[20:28], maxFleng)
	return buf[:28]
}

func encodeStatusReply(status apis.MasterStatus) []byte {
	return []byte{byte(status)}
}

func decodeStatusReply(payload []byte) (apis.MasterStatus, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("masterclient: bad status reply length %d", len(payload))
	}
	return apis.MasterStatus(payload[0]), nil
}

func encodeTruncateReq(inode apis.Inode, length uint64) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(inode))
	binary.BigEndian.PutUint64(buf[4:12], length)
	return buf
}

func encodeInodeReq(inode apis.Inode) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(inode))
	return buf
}

func encodeAttrReply(status apis.MasterStatus, attr Attr) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(status)
	binary.BigEndian.PutUint64(buf[1:9], attr.Length)
	return buf
}

func decodeAttrReply(payload []byte) (apis.MasterStatus, Attr, error) {
	if len(payload) != 9 {
		return 0, Attr{}, fmt.Errorf("masterclient: bad attr reply length %d", len(payload))
	}
	return apis.MasterStatus(payload[0]), Attr{Length: binary.BigEndian.Uint64(payload[1:9])}, nil
}

func encodeStatfsReply(status apis.MasterStatus, s FsStat) []byte {
	buf := make([]byte, 33)
	buf[0] = byte(status)
	binary.BigEndian.PutUint64(buf[1:9], s.TotalSpace)
	binary.BigEndian.PutUint64(buf[9:17], s.AvailSpace)
	binary.BigEndian.PutUint64(buf[17:25], s.TotalInodes)
	binary.BigEndian.PutUint64(buf[25:33], s.FreeInodes)
	return buf
}

func decodeStatfsReply(payload []byte) (apis.MasterStatus, FsStat, error) {
	if len(payload) != 33 {
		return 0, FsStat{}, fmt.Errorf("masterclient: bad statfs reply length %d", len(payload))
	}
	s := FsStat{
		TotalSpace:  binary.BigEndian.Uint64(payload[1:9]),
		AvailSpace:  binary.BigEndian.Uint64(payload[9:17]),
		TotalInodes: binary.BigEndian.Uint64(payload[17:25]),
		FreeInodes:  binary.BigEndian.Uint64(payload[25:33]),
	}
	return apis.MasterStatus(payload[0]), s, nil
}
