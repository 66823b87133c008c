// Package chunkserver provides a fake, in-memory chunkserver for
// tests: readengine and writeengine exercise their wire encoding and
// retry logic against it instead of a live chunkserver process. It
// holds whole chunks in memory behind the real frame protocol from
// package wire and hands callers a teardown func.
package chunkserver

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/wire"
)

// Descriptor converts a fake's dial address back into the
// ServerDescriptor form the master would hand out for it, so tests can
// seed csdata blobs that point at the fake.
func Descriptor(t *testing.T, addr apis.ServerAddress, csver uint32) apis.ServerDescriptor {
	t.Helper()
	host, portStr, err := net.SplitHostPort(string(addr))
	require.NoError(t, err)
	ip := net.ParseIP(host).To4()
	require.NotNil(t, ip)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return apis.ServerDescriptor{
		IP:        uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3]),
		Port:      uint16(port),
		CSVersion: csver,
	}
}

// Teardown stops a Fake's listener and waits for its accept loop to exit.
type Teardown func()

// Fake is an in-memory chunkserver: it holds whole chunks as byte
// slices keyed by (chunk, version) and serves CLTOCS_READ /
// CLTOCS_WRITE* requests against them. It does not implement erasure
// splitting itself -- readengine/writeengine address each stripe's
// fake server independently, the same way they would address distinct
// physical chunkservers in split mode.
type Fake struct {
	mu     sync.Mutex
	chunks map[apis.ChunkIdentity][]byte

	// FailReads/FailWrites, when > 0, make the next N read or write
	// requests fail with CSTOCL_*_STATUS != OK, decrementing per attempt.
	FailReads  int
	FailWrites int

	ln net.Listener
}

// NewFake starts a Fake chunkserver listening on an ephemeral loopback
// port and returns it along with its dial address and a Teardown.
func NewFake(t *testing.T) (*Fake, apis.ServerAddress, Teardown) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &Fake{
		chunks: make(map[apis.ChunkIdentity][]byte),
		ln:     ln,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.acceptLoop()
	}()

	return f, apis.ServerAddress(ln.Addr().String()), func() {
		_ = ln.Close()
		wg.Wait()
	}
}

func (f *Fake) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

// Seed places whole-chunk content in the fake, as if an earlier write
// chain had completed. Chunks default to all-zero content until Seed or
// a write RPC populates them.
func (f *Fake) Seed(identity apis.ChunkIdentity, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, apis.ChunkSize)
	copy(buf, content)
	f.chunks[identity] = buf
}

// Contents returns a copy of the current bytes held for identity, or
// nil if nothing has been written there.
func (f *Fake) Contents(identity apis.ChunkIdentity) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.chunks[identity]
	if !ok {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

func (f *Fake) takeFailure(counter *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *counter <= 0 {
		return false
	}
	*counter--
	return true
}

func (f *Fake) serve(conn net.Conn) {
	defer conn.Close()
	for {
		h, err := wire.ReadHeader(conn)
		if err != nil {
			return
		}
		payload, err := wire.ReadPayload(conn, h)
		if err != nil {
			return
		}
		switch h.Cmd {
		case wire.CltocsRead:
			if f.handleRead(conn, payload) != nil {
				return
			}
		case wire.CltocsWrite:
			if f.handleWrite(conn, payload) != nil {
				return
			}
		case wire.AntoanNop:
			continue // keep-alive: no reply expected
		default:
			return
		}
	}
}

func (f *Fake) handleRead(conn net.Conn, payload []byte) error {
	req, err := wire.DecodeReadRequest(payload)
	if err != nil {
		return err
	}

	if f.takeFailure(&f.FailReads) {
		status := wire.ReadStatus{ChunkID: req.ChunkID, Status: uint8(apis.StatusNoChunk)}
		return writeFrame(conn, wire.CstoclReadStatus, status.Encode())
	}

	identity := apis.ChunkIdentity{Chunk: apis.ChunkID(req.ChunkID), Version: apis.Version(req.Version)}
	f.mu.Lock()
	buf, ok := f.chunks[identity]
	f.mu.Unlock()
	if !ok {
		buf = make([]byte, apis.ChunkSize)
	}

	if req.Offset+req.Size > uint32(len(buf)) {
		status := wire.ReadStatus{ChunkID: req.ChunkID, Status: uint8(apis.StatusIndexTooBig)}
		return writeFrame(conn, wire.CstoclReadStatus, status.Encode())
	}

	const blockSize = apis.BlockSize
	off := req.Offset
	remaining := req.Size
	for remaining > 0 {
		blockNum := off / blockSize
		inBlock := off % blockSize
		n := blockSize - inBlock
		if n > remaining {
			n = remaining
		}
		data := buf[off : off+n]
		hdr := wire.ReadDataHeader{
			ChunkID:  req.ChunkID,
			BlockNum: uint16(blockNum),
			Offset:   uint16(inBlock),
			Size:     uint32(n),
			CRC32:    wire.CRC32(data),
		}
		if err := writeFrame(conn, wire.CstoclReadData, hdr.Encode(data)); err != nil {
			return err
		}
		off += n
		remaining -= n
	}

	status := wire.ReadStatus{ChunkID: req.ChunkID, Status: uint8(apis.StatusOK)}
	return writeFrame(conn, wire.CstoclReadStatus, status.Encode())
}

func (f *Fake) handleWrite(conn net.Conn, payload []byte) error {
	req, err := wire.DecodeWriteRequest(payload, false)
	if err != nil {
		return err
	}

	identity := apis.ChunkIdentity{Chunk: apis.ChunkID(req.ChunkID), Version: apis.Version(req.Version)}
	f.mu.Lock()
	buf, ok := f.chunks[identity]
	if !ok {
		// A write open under a bumped version adopts the bytes held at
		// the chunk's previous version, as a real chunkserver does when
		// the master raises the version for a rewrite.
		var bestVer apis.Version
		var bestBuf []byte
		for id, b := range f.chunks {
			if id.Chunk == identity.Chunk && id.Version < identity.Version && id.Version >= bestVer {
				bestVer, bestBuf = id.Version, b
			}
		}
		buf = make([]byte, apis.ChunkSize)
		copy(buf, bestBuf)
		f.chunks[identity] = buf
	}
	f.mu.Unlock()

	for {
		h, err := wire.ReadHeader(conn)
		if err != nil {
			return err
		}
		p, err := wire.ReadPayload(conn, h)
		if err != nil {
			return err
		}
		switch h.Cmd {
		case wire.CltocsWriteData:
			hdr, data, derr := wire.DecodeWriteData(p)
			if derr != nil {
				return derr
			}
			if f.takeFailure(&f.FailWrites) {
				status := wire.WriteStatus{ChunkID: req.ChunkID, WriteID: hdr.WriteID, Status: uint8(apis.StatusChunkLost)}
				if err := writeFrame(conn, wire.CstoclWriteStatus, status.Encode()); err != nil {
					return err
				}
				continue
			}
			off := int(hdr.Pos)*apis.BlockSize + int(hdr.From)
			f.mu.Lock()
			copy(buf[off:off+int(hdr.Size)], data)
			f.mu.Unlock()
			status := wire.WriteStatus{ChunkID: req.ChunkID, WriteID: hdr.WriteID, Status: uint8(apis.StatusOK)}
			if err := writeFrame(conn, wire.CstoclWriteStatus, status.Encode()); err != nil {
				return err
			}
		case wire.AntoanNop:
			continue
		case wire.CltocsWriteFinish:
			fin, ferr := wire.DecodeWriteFinish(p)
			if ferr != nil {
				return ferr
			}
			_ = fin
			return nil
		default:
			return io.ErrUnexpectedEOF
		}
	}
}

func writeFrame(conn net.Conn, cmd uint32, payload []byte) error {
	if err := wire.WriteHeader(conn, cmd, uint32(len(payload))); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}
