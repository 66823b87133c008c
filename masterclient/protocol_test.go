package masterclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosefs/moosefs-sub002/apis"
)

// beginProtocolTest wires up a net.Pipe and a background goroutine
// playing the master side of the wire; no TCP listener is needed for a
// protocol-framing test.
func beginProtocolTest(t *testing.T, serve func(net.Conn)) (net.Conn, func()) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(server)
	}()
	return client, func() {
		_ = client.Close()
		_ = server.Close()
		<-done
	}
}

func TestSendRecvFrameRoundTrip(t *testing.T) {
	client, teardown := beginProtocolTest(t, func(server net.Conn) {
		payload, err := recvFrame(server, cmdReadChunk)
		if err != nil {
			return
		}
		_ = sendFrame(server, cmdReadChunkReply, payload)
	})
	defer teardown()

	req := encodeReadChunkReq(42, 7)
	require.NoError(t, sendFrame(client, cmdReadChunk, req))

	reply, err := recvFrame(client, cmdReadChunkReply)
	require.NoError(t, err)
	assert.Equal(t, req, reply)
}

func TestRecvFrameRejectsUnexpectedCommand(t *testing.T) {
	client, teardown := beginProtocolTest(t, func(server net.Conn) {
		_ = sendFrame(server, cmdGetAttrReply, []byte("x"))
	})
	defer teardown()

	_, err := recvFrame(client, cmdReadChunkReply)
	assert.Error(t, err)
}

func TestLeaseReplyEncodeDecodeRoundTrip(t *testing.T) {
	h := leaseReplyHeader{
		status:    apis.StatusOK,
		chunk:     apis.ChunkID(99),
		version:   apis.Version(3),
		csdataver: 3,
		chainLen:  8,
	}
	csdata := []byte{1, 2, 3, 4, 5}

	encoded := encodeLeaseReply(h, csdata)
	gotHeader, gotCSData, err := decodeLeaseReply(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, gotHeader)
	assert.Equal(t, csdata, gotCSData)
}

func TestDecodeLeaseReplyRejectsShortPayload(t *testing.T) {
	_, _, err := decodeLeaseReply([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestStatusReplyEncodeDecodeRoundTrip(t *testing.T) {
	encoded := encodeStatusReply(apis.StatusChunkLost)
	got, err := decodeStatusReply(encoded)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusChunkLost, got)
}

func TestAttrReplyEncodeDecodeRoundTrip(t *testing.T) {
	encoded := encodeAttrReply(apis.StatusOK, Attr{Length: 123456})
	status, attr, err := decodeAttrReply(encoded)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
	assert.Equal(t, uint64(123456), attr.Length)
}

func TestStatfsReplyEncodeDecodeRoundTrip(t *testing.T) {
	want := FsStat{TotalSpace: 1 << 40, AvailSpace: 1 << 30, TotalInodes: 1000, FreeInodes: 998}
	encoded := encodeStatfsReply(apis.StatusOK, want)
	status, got, err := decodeStatfsReply(encoded)
	require.NoError(t, err)
	assert.Equal(t, apis.StatusOK, status)
	assert.Equal(t, want, got)
}
