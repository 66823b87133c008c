// Package csorder ranks chunkserver candidates: label-aware ordering
// for read dispatch, and head-of-chain selection for write dispatch,
// with ties broken by a stable per-server pseudorandom key so load
// spreads evenly across equivalent replicas.
package csorder

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/moosefs/moosefs-sub002/apis"
)

// LabelExpr is the preferred_labels matcher supplied at init. A server
// matches if its LabelMask has any bit in Mask set.
type LabelExpr struct {
	Mask uint32
}

func (l LabelExpr) matches(d apis.ServerDescriptor) bool {
	return l.Mask != 0 && d.LabelMask&l.Mask != 0
}

// LoadCounters tracks in-flight operations per server so ties within a
// priority tier can additionally prefer the least-loaded replica.
type LoadCounters struct {
	mu    sync.Mutex
	reads map[apis.ServerAddress]*int64
	write map[apis.ServerAddress]*int64
}

func NewLoadCounters() *LoadCounters {
	return &LoadCounters{
		reads: make(map[apis.ServerAddress]*int64),
		write: make(map[apis.ServerAddress]*int64),
	}
}

func (c *LoadCounters) counter(m map[apis.ServerAddress]*int64, addr apis.ServerAddress) *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := m[addr]
	if !ok {
		p = new(int64)
		m[addr] = p
	}
	return p
}

func (c *LoadCounters) ReadInc(addr apis.ServerAddress) { atomic.AddInt64(c.counter(c.reads, addr), 1) }
func (c *LoadCounters) ReadDec(addr apis.ServerAddress) { atomic.AddInt64(c.counter(c.reads, addr), -1) }
func (c *LoadCounters) WriteInc(addr apis.ServerAddress) {
	atomic.AddInt64(c.counter(c.write, addr), 1)
}
func (c *LoadCounters) WriteDec(addr apis.ServerAddress) {
	atomic.AddInt64(c.counter(c.write, addr), -1)
}

func (c *LoadCounters) readLoad(addr apis.ServerAddress) int64 {
	return atomic.LoadInt64(c.counter(c.reads, addr))
}

// Order ranks chunkserver candidates for dispatch. It holds no
// per-request state; Sort is safe for concurrent use.
type Order struct {
	preferred LabelExpr
	loads     *LoadCounters
}

func New(preferred LabelExpr, loads *LoadCounters) *Order {
	if loads == nil {
		loads = NewLoadCounters()
	}
	return &Order{preferred: preferred, loads: loads}
}

// stableKey is a deterministic per-server pseudorandom tiebreaker,
// derived from the server's address so repeated calls for the same
// server agree.
func stableKey(d apis.ServerDescriptor) uint64 {
	h := fnv.New64a()
	var buf [6]byte
	buf[0] = byte(d.IP >> 24)
	buf[1] = byte(d.IP >> 16)
	buf[2] = byte(d.IP >> 8)
	buf[3] = byte(d.IP)
	buf[4] = byte(d.Port >> 8)
	buf[5] = byte(d.Port)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Sort returns a new, ranked copy of candidates. writeFlag selects the
// write-dispatch topology: for writes, the result's first element is
// the chain head the client dials directly, and the rest is the tail
// forwarded for pipelining; label preference and priority decide
// which server becomes head, and read load is not considered. For
// reads, the full
// ranking is a preference order the worker tries in turn on failure.
func (o *Order) Sort(candidates []apis.ServerDescriptor, writeFlag bool) []apis.ServerDescriptor {
	out := make([]apis.ServerDescriptor, len(candidates))
	copy(out, candidates)

	type scored struct {
		d        apis.ServerDescriptor
		pref     bool
		priority uint32
		load     int64
		tie      uint64
	}
	scoredList := make([]scored, len(out))
	for i, d := range out {
		scoredList[i] = scored{
			d:        d,
			pref:     o.preferred.matches(d),
			priority: d.Priority,
			load:     o.loads.readLoad(d.Address()),
			tie:      stableKey(d),
		}
	}
	sort.SliceStable(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.pref != b.pref {
			return a.pref // preferred-label servers sort first
		}
		if a.priority != b.priority {
			return a.priority > b.priority // higher priority first
		}
		if !writeFlag && a.load != b.load {
			return a.load < b.load // for reads, least-loaded first
		}
		return a.tie < b.tie
	})
	for i, s := range scoredList {
		out[i] = s.d
	}
	return out
}
