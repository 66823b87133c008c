package masterclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/clientv3"

	"github.com/moosefs/moosefs-sub002/apis"
)

// leaderKey is where the active master publishes its dial address, so
// clients follow leader changes instead of pinning a config-file host.
const leaderKey = "/moosefs/master/leader"

const sessionTTLSeconds = 10

// EtcdClient is the concrete, network-backed Client: it resolves the
// active master's address from etcd, dials it with the frame codec in
// protocol.go, and holds an etcd lease + KeepAlive loop so the cluster
// can tell a live client from a crashed one. Reconnection on dial
// failure or lease loss uses the same escalating backoff as chunkserver
// connects (apis.ConnectDialBackoff).
type EtcdClient struct {
	etcd *clientv3.Client

	mu      sync.Mutex
	conn    net.Conn
	addr    string
	leaseID clientv3.LeaseID

	cancel context.CancelFunc
	done   chan struct{}
}

// DialEtcd connects to the etcd cluster at endpoints, grants a session
// lease, resolves the master's address, and returns a ready Client.
func DialEtcd(ctx context.Context, endpoints []string) (*EtcdClient, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("masterclient: etcd dial: %w", err)
	}

	lease, err := cli.Grant(ctx, sessionTTLSeconds)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("masterclient: etcd lease grant: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := cli.KeepAlive(runCtx, lease.ID)
	if err != nil {
		cancel()
		_ = cli.Close()
		return nil, fmt.Errorf("masterclient: etcd keepalive: %w", err)
	}

	c := &EtcdClient{
		etcd:    cli,
		leaseID: lease.ID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go c.drainKeepAlive(keepAlive)

	if err := c.reconnect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	go c.watchLeader(runCtx)

	return c, nil
}

// drainKeepAlive discards keepalive responses; when the channel closes
// (lease expired or etcd connection lost) it marks the client's
// connection dead so the next RPC forces a reconnect.
func (c *EtcdClient) drainKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(c.done)
	for range ch {
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// watchLeader reacts to leader-address changes published at leaderKey,
// forcing a reconnect on failover.
func (c *EtcdClient) watchLeader(ctx context.Context) {
	wch := c.etcd.Watch(ctx, leaderKey)
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-wch:
			if !ok {
				return
			}
			if resp.Err() != nil {
				continue
			}
			for range resp.Events {
				c.mu.Lock()
				if c.conn != nil {
					_ = c.conn.Close()
					c.conn = nil
				}
				c.mu.Unlock()
			}
		}
	}
}

func (c *EtcdClient) resolveLeaderAddr(ctx context.Context) (string, error) {
	resp, err := c.etcd.Get(ctx, leaderKey)
	if err != nil {
		return "", fmt.Errorf("masterclient: resolve leader: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("masterclient: no master leader published at %s", leaderKey)
	}
	return string(resp.Kvs[0].Value), nil
}

// reconnect dials the current leader, retrying with apis.ConnectDialBackoff
// up to apis.MaxConnectAttempts times.
func (c *EtcdClient) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < apis.MaxConnectAttempts; attempt++ {
		addr, err := c.resolveLeaderAddr(ctx)
		if err != nil {
			lastErr = err
		} else {
			dialer := net.Dialer{Timeout: 5 * time.Second}
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err == nil {
				c.mu.Lock()
				c.conn = conn
				c.addr = addr
				c.mu.Unlock()
				return nil
			}
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(apis.ConnectDialBackoff(attempt)):
		}
	}
	return fmt.Errorf("masterclient: could not reach master after %d attempts: %w", apis.MaxConnectAttempts, lastErr)
}

// withConn runs fn against a live connection, reconnecting once and
// retrying on the first I/O failure.
func (c *EtcdClient) withConn(ctx context.Context, fn func(net.Conn) error) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		if err := c.reconnect(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	}

	if err := fn(conn); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			_ = conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		if rerr := c.reconnect(ctx); rerr != nil {
			return rerr
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
		return fn(conn)
	}
	return nil
}

func (c *EtcdClient) ReadChunk(ctx context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex) (ChunkLease, apis.MasterStatus, error) {
	var lease ChunkLease
	var status apis.MasterStatus
	err := c.withConn(ctx, func(conn net.Conn) error {
		if err := sendFrame(conn, cmdReadChunk, encodeReadChunkReq(inode, chunkIndex)); err != nil {
			return err
		}
		payload, err := recvFrame(conn, cmdReadChunkReply)
		if err != nil {
			return err
		}
		h, csdata, err := decodeLeaseReply(payload)
		if err != nil {
			return err
		}
		status = h.status
		lease = ChunkLease{
			Identity:  apis.ChunkIdentity{Chunk: h.chunk, Version: h.version},
			CSDataVer: int(h.csdataver),
			CSData:    csdata,
			ChainLen:  int(h.chainLen),
		}
		return nil
	})
	if err != nil {
		return ChunkLease{}, 0, err
	}
	return lease, status, nil
}

func (c *EtcdClient) WriteChunk(ctx context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex) (ChunkLease, apis.MasterStatus, error) {
	var lease ChunkLease
	var status apis.MasterStatus
	err := c.withConn(ctx, func(conn net.Conn) error {
		if err := sendFrame(conn, cmdWriteChunk, encodeReadChunkReq(inode, chunkIndex)); err != nil {
			return err
		}
		payload, err := recvFrame(conn, cmdWriteChunkReply)
		if err != nil {
			return err
		}
		h, csdata, err := decodeLeaseReply(payload)
		if err != nil {
			return err
		}
		status = h.status
		lease = ChunkLease{
			Identity:  apis.ChunkIdentity{Chunk: h.chunk, Version: h.version},
			CSDataVer: int(h.csdataver),
			CSData:    csdata,
			ChainLen:  int(h.chainLen),
		}
		return nil
	})
	if err != nil {
		return ChunkLease{}, 0, err
	}
	return lease, status, nil
}

func (c *EtcdClient) WriteChunkEnd(ctx context.Context, inode apis.Inode, chunkIndex apis.ChunkIndex, chunk apis.ChunkID, version apis.Version, maxFleng uint64) (apis.MasterStatus, error) {
	var status apis.MasterStatus
	err := c.withConn(ctx, func(conn net.Conn) error {
		if err := sendFrame(conn, cmdWriteChunkEnd, encodeWriteChunkEndReq(inode, chunkIndex, chunk, version, maxFleng)); err != nil {
			return err
		}
		payload, err := recvFrame(conn, cmdWriteChunkEndReply)
		if err != nil {
			return err
		}
		status, err = decodeStatusReply(payload)
		return err
	})
	return status, err
}

func (c *EtcdClient) Truncate(ctx context.Context, inode apis.Inode, length uint64) (apis.MasterStatus, error) {
	var status apis.MasterStatus
	err := c.withConn(ctx, func(conn net.Conn) error {
		if err := sendFrame(conn, cmdTruncate, encodeTruncateReq(inode, length)); err != nil {
			return err
		}
		payload, err := recvFrame(conn, cmdTruncateReply)
		if err != nil {
			return err
		}
		status, err = decodeStatusReply(payload)
		return err
	})
	return status, err
}

func (c *EtcdClient) GetAttr(ctx context.Context, inode apis.Inode) (Attr, apis.MasterStatus, error) {
	var attr Attr
	var status apis.MasterStatus
	err := c.withConn(ctx, func(conn net.Conn) error {
		if err := sendFrame(conn, cmdGetAttr, encodeInodeReq(inode)); err != nil {
			return err
		}
		payload, err := recvFrame(conn, cmdGetAttrReply)
		if err != nil {
			return err
		}
		status, attr, err = decodeAttrReply(payload)
		return err
	})
	if err != nil {
		return Attr{}, 0, err
	}
	return attr, status, nil
}

func (c *EtcdClient) Statfs(ctx context.Context) (FsStat, apis.MasterStatus, error) {
	var fs FsStat
	var status apis.MasterStatus
	err := c.withConn(ctx, func(conn net.Conn) error {
		if err := sendFrame(conn, cmdStatfs, nil); err != nil {
			return err
		}
		payload, err := recvFrame(conn, cmdStatfsReply)
		if err != nil {
			return err
		}
		status, fs, err = decodeStatfsReply(payload)
		return err
	})
	if err != nil {
		return FsStat{}, 0, err
	}
	return fs, status, nil
}

func (c *EtcdClient) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = c.etcd.Revoke(ctx, c.leaseID)
	return c.etcd.Close()
}

var _ Client = (*EtcdClient)(nil)
