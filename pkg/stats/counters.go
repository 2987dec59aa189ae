package stats

import (
	"sync"
	"sync/atomic"
)

// Traffic is a snapshot of one PID's byte totals since the last reset.
type Traffic struct {
	Download uint64
	Upload   uint64
}

// pidCounter holds one PID's pair of counters. The two fields are
// independent atomics; a snapshot may observe them a few nanoseconds apart,
// which readers tolerate.
type pidCounter struct {
	download atomic.Uint64
	upload   atomic.Uint64
}

// ByteCounters accumulates per-PID and global byte totals on the packet
// path. Per-PID entries are created lazily on first byte and live until the
// engine stops. Mutation is atomic add; reads are swap-with-zero.
type ByteCounters struct {
	perPID   sync.Map // uint32 -> *pidCounter
	download atomic.Uint64
	upload   atomic.Uint64
}

// NewByteCounters creates an empty counter set.
func NewByteCounters() *ByteCounters {
	return &ByteCounters{}
}

func (c *ByteCounters) counter(pid uint32) *pidCounter {
	if v, ok := c.perPID.Load(pid); ok {
		return v.(*pidCounter)
	}
	v, _ := c.perPID.LoadOrStore(pid, &pidCounter{})
	return v.(*pidCounter)
}

// AddDownload charges n inbound bytes to pid and the global total. pid 0
// (unresolved) is charged globally only.
func (c *ByteCounters) AddDownload(pid uint32, n uint64) {
	if pid > 0 {
		c.counter(pid).download.Add(n)
	}
	c.download.Add(n)
}

// AddUpload charges n outbound bytes to pid and the global total. pid 0 is
// charged globally only.
func (c *ByteCounters) AddUpload(pid uint32, n uint64) {
	if pid > 0 {
		c.counter(pid).upload.Add(n)
	}
	c.upload.Add(n)
}

// SnapshotAndReset atomically zeroes every per-PID counter and returns what
// was there. The download and upload fields of one entry are swapped
// independently.
func (c *ByteCounters) SnapshotAndReset() map[uint32]Traffic {
	out := make(map[uint32]Traffic)
	c.perPID.Range(func(k, v any) bool {
		pc := v.(*pidCounter)
		out[k.(uint32)] = Traffic{
			Download: pc.download.Swap(0),
			Upload:   pc.upload.Swap(0),
		}
		return true
	})
	return out
}

// SnapshotGlobal zeroes and returns the global (download, upload) totals.
func (c *ByteCounters) SnapshotGlobal() (dl, ul uint64) {
	return c.download.Swap(0), c.upload.Swap(0)
}
