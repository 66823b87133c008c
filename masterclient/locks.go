package masterclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/moosefs/moosefs-sub002/apis"
)

// LockType is the closed set of advisory-lock requests the façade's
// flock/lockf/fcntl bridges translate to.
type LockType int

const (
	LockUnlock LockType = iota
	LockShared
	LockExclusive
)

// Lock RPCs are non-blocking at the wire level: a conflicting request
// returns StatusEAgain and the caller decides whether to poll (blocking
// flock) or surface EWOULDBLOCK (LOCK_NB). That keeps the master's
// handler trivial and the waiting policy in the client, where the
// calling thread is.
const (
	cmdFlock          uint32 = 0x0290 + 13
	cmdFlockReply     uint32 = 0x0290 + 14
	cmdPosixLock      uint32 = 0x0290 + 15
	cmdPosixLockReply uint32 = 0x0290 + 16
)

func encodeFlockReq(inode apis.Inode, owner uint64, typ LockType) []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint32(buf[0:4], uint32(inode))
	binary.BigEndian.PutUint64(buf[4:12], owner)
	buf[12] = byte(typ)
	return buf
}

func decodeFlockReq(payload []byte) (apis.Inode, uint64, LockType, error) {
	if len(payload) != 13 {
		return 0, 0, 0, fmt.Errorf("masterclient: bad flock request length %d", len(payload))
	}
	return apis.Inode(binary.BigEndian.Uint32(payload[0:4])),
		binary.BigEndian.Uint64(payload[4:12]),
		LockType(payload[12]), nil
}

func encodePosixLockReq(inode apis.Inode, owner uint64, typ LockType, start, end uint64) []byte {
	buf := make([]byte, 29)
	binary.BigEndian.PutUint32(buf[0:4], uint32(inode))
	binary.BigEndian.PutUint64(buf[4:12], owner)
	buf[12] = byte(typ)
	binary.BigEndian.PutUint64(buf[13:21], start)
	binary.BigEndian.PutUint64(buf[21:29], end)
	return buf
}

func (c *EtcdClient) Flock(ctx context.Context, inode apis.Inode, owner uint64, typ LockType) (apis.MasterStatus, error) {
	var status apis.MasterStatus
	err := c.withConn(ctx, func(conn net.Conn) error {
		if err := sendFrame(conn, cmdFlock, encodeFlockReq(inode, owner, typ)); err != nil {
			return err
		}
		payload, err := recvFrame(conn, cmdFlockReply)
		if err != nil {
			return err
		}
		status, err = decodeStatusReply(payload)
		return err
	})
	return status, err
}

func (c *EtcdClient) PosixLock(ctx context.Context, inode apis.Inode, owner uint64, typ LockType, start, end uint64) (apis.MasterStatus, error) {
	var status apis.MasterStatus
	err := c.withConn(ctx, func(conn net.Conn) error {
		if err := sendFrame(conn, cmdPosixLock, encodePosixLockReq(inode, owner, typ, start, end)); err != nil {
			return err
		}
		payload, err := recvFrame(conn, cmdPosixLockReply)
		if err != nil {
			return err
		}
		status, err = decodeStatusReply(payload)
		return err
	})
	return status, err
}

// --- mock implementation ---

type posixRange struct {
	owner      uint64
	typ        LockType
	start, end uint64
}

// Flock grants or releases a whole-file lock. Conflicts (an exclusive
// lock by anyone else, or any other holder when requesting exclusive)
// come back as StatusEAgain.
func (m *MockClient) Flock(_ context.Context, inode apis.Inode, owner uint64, typ LockType) (apis.MasterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, forced := m.takeForcedStatus(); forced {
		return s, nil
	}
	if m.flocks == nil {
		m.flocks = make(map[apis.Inode]map[uint64]LockType)
	}
	holders := m.flocks[inode]
	if typ == LockUnlock {
		delete(holders, owner)
		return apis.StatusOK, nil
	}
	for o, t := range holders {
		if o == owner {
			continue
		}
		if t == LockExclusive || typ == LockExclusive {
			return apis.StatusEAgain, nil
		}
	}
	if holders == nil {
		holders = make(map[uint64]LockType)
		m.flocks[inode] = holders
	}
	holders[owner] = typ
	return apis.StatusOK, nil
}

// PosixLock grants or releases byte-range locks. The mock never splits
// a range: an unlock drops every range of the owner that overlaps
// [start, end) whole, which is all the engine tests need.
func (m *MockClient) PosixLock(_ context.Context, inode apis.Inode, owner uint64, typ LockType, start, end uint64) (apis.MasterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, forced := m.takeForcedStatus(); forced {
		return s, nil
	}
	if m.plocks == nil {
		m.plocks = make(map[apis.Inode][]posixRange)
	}
	ranges := m.plocks[inode]
	if typ == LockUnlock {
		kept := ranges[:0]
		for _, r := range ranges {
			if r.owner == owner && r.start < end && start < r.end {
				continue
			}
			kept = append(kept, r)
		}
		m.plocks[inode] = kept
		return apis.StatusOK, nil
	}
	for _, r := range ranges {
		if r.owner == owner {
			continue
		}
		if r.start < end && start < r.end && (r.typ == LockExclusive || typ == LockExclusive) {
			return apis.StatusEAgain, nil
		}
	}
	m.plocks[inode] = append(ranges, posixRange{owner: owner, typ: typ, start: start, end: end})
	return apis.StatusOK, nil
}
