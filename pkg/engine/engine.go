// Package engine runs the packet-interception hot loop and exposes the
// control surface outer layers drive it with: rule management, counter
// snapshots, and the network-process listing.
package engine

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarwanHany97/NetThrottle/pkg/adaptive"
	"github.com/MarwanHany97/NetThrottle/pkg/capture"
	"github.com/MarwanHany97/NetThrottle/pkg/netstat"
	"github.com/MarwanHany97/NetThrottle/pkg/policy"
	"github.com/MarwanHany97/NetThrottle/pkg/procinfo"
	"github.com/MarwanHany97/NetThrottle/pkg/stats"
)

// joinTimeout bounds how long Stop waits for the worker to drain. Past it
// the worker is abandoned; its handle is already closed so it cannot block
// on the kernel again.
const joinTimeout = 3 * time.Second

// Config carries the engine's pluggable dependencies. Zero values select
// the real OS-backed implementations.
type Config struct {
	Open   capture.Opener      // packet hook; nil uses the divert driver
	Filter string              // hook filter; empty uses capture.Filter
	Tables netstat.TableSource // socket-owner tables; nil uses the OS
	Namer  procinfo.Namer      // PID naming; nil uses the OS

	TickInterval time.Duration // sampler/controller period; 0 means 1s
}

// Engine owns the interception pipeline: one worker thread blocking on the
// hook, and a 1 Hz control ticker feeding the sampler and the adaptive
// controller. All state lives on the value; callers hold a reference and
// start/stop it as a component.
type Engine struct {
	cfg        Config
	store      *policy.Store
	counters   *stats.ByteCounters
	sampler    *stats.Sampler
	resolver   *netstat.Resolver
	controller *adaptive.Controller
	logger     *log.Logger

	processed atomic.Uint64
	dropped   atomic.Uint64

	mu       sync.Mutex
	running  bool
	handle   capture.Handle
	stopOnce *sync.Once
	stopTick chan struct{}
	loopDone chan struct{}

	lastSendErr atomic.Int64 // unix seconds of the last reinject failure log
}

// New creates a stopped engine.
func New(cfg Config) *Engine {
	if cfg.Open == nil {
		cfg.Open = capture.Open
	}
	if cfg.Filter == "" {
		cfg.Filter = capture.Filter
	}
	if cfg.Tables == nil {
		cfg.Tables = netstat.SystemTable{}
	}
	if cfg.Namer == nil {
		cfg.Namer = procinfo.SystemNamer{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	e := &Engine{
		cfg:      cfg,
		store:    policy.NewStore(),
		counters: stats.NewByteCounters(),
		sampler:  stats.NewSampler(),
		resolver: netstat.NewResolver(cfg.Tables),
		logger:   log.New(log.Writer(), "[Engine] ", log.LstdFlags),
	}
	e.controller = adaptive.NewController(e.store, e.sampler)
	return e
}

// Start opens the hook and launches the worker and ticker. Idempotent
// while running. Open failures surface the capture error taxonomy with no
// side effects.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	handle, err := e.cfg.Open(e.cfg.Filter)
	if err != nil {
		return err
	}

	e.handle = handle
	e.running = true
	e.stopOnce = new(sync.Once)
	e.stopTick = make(chan struct{})
	e.loopDone = make(chan struct{})

	go e.loop(handle, e.loopDone)
	go e.tickLoop(e.stopTick)

	e.logger.Printf("started (filter %q)", e.cfg.Filter)
	return nil
}

// Stop closes the hook, which unblocks the worker's pending Recv, then
// joins the worker with a bounded wait. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	once, done := e.stopOnce, e.loopDone
	e.mu.Unlock()
	if once == nil {
		return
	}

	e.halt(once)

	select {
	case <-done:
	case <-time.After(joinTimeout):
		e.logger.Printf("worker did not exit within %s, abandoning", joinTimeout)
	}
}

// halt transitions to stopped exactly once per run: marks the engine down,
// stops the ticker, and closes the handle so Recv returns ErrClosed.
func (e *Engine) halt(once *sync.Once) {
	once.Do(func() {
		e.mu.Lock()
		e.running = false
		handle := e.handle
		close(e.stopTick)
		e.mu.Unlock()
		if handle != nil {
			handle.Close()
		}
	})
}

// IsRunning reports whether the worker is live.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// loop is the worker: one blocking Recv per packet until the handle
// closes. The buffer is owned by this goroutine for the whole run and
// released when it exits, on every path.
func (e *Engine) loop(handle capture.Handle, done chan struct{}) {
	once := e.stopOnce
	defer close(done)
	defer e.halt(once) // handle closed even if process panics mid-packet

	buf := make([]byte, capture.MaxPacketSize)
	for {
		n, addr, err := handle.Recv(buf)
		if err != nil {
			if err != capture.ErrClosed && e.IsRunning() {
				// Mid-loop receive failure with nobody stopping us: the
				// hook is gone. Log once and leave the engine stopped.
				e.logger.Printf("receive failed, stopping: %v", err)
			}
			return
		}
		e.process(handle, buf[:n], addr)
	}
}

// process runs the per-packet pipeline: account, enforce globally, enforce
// per process, reinject. Nothing in here is fatal; malformed input is
// passed through untouched.
func (e *Engine) process(handle capture.Handle, pkt []byte, addr capture.Address) {
	e.processed.Add(1)
	metricPacketsProcessed.Inc()

	// IPv6 is outside policy scope: no accounting, no enforcement.
	if addr.IPv6 {
		e.reinject(handle, pkt, addr)
		return
	}

	e.resolver.MaybeRefresh()

	hdr, ok := parseIPv4(pkt)
	if !ok {
		e.reinject(handle, pkt, addr)
		return
	}

	// The local side's port keys the process lookup; protocol picks the
	// table so a TCP and a UDP socket sharing a port number stay distinct.
	localPort := hdr.dstPort
	if addr.Outbound {
		localPort = hdr.srcPort
	}
	proto := netstat.TCP
	if hdr.proto == protoUDP {
		proto = netstat.UDP
	}
	pid := e.resolver.Resolve(proto, localPort)

	// Accounting always precedes enforcement: a dropped packet's bytes
	// still show up in throughput, which is what the adaptive feedback and
	// the UI both want to see.
	n := uint64(len(pkt))
	dir := stats.Download
	if addr.Outbound {
		dir = stats.Upload
		e.counters.AddUpload(pid, n)
	} else {
		e.counters.AddDownload(pid, n)
	}
	metricBytes.WithLabelValues(dir.String()).Add(float64(n))

	// Global policy first. A packet the global bucket rejects is never
	// charged against the per-process bucket.
	if !e.admit(e.store.Global(), 0, dir, uint32(len(pkt))) {
		e.drop()
		return
	}

	if pid > 0 {
		if rule, ok := e.store.Get(pid); ok {
			if !e.admit(rule, pid, dir, uint32(len(pkt))) {
				e.drop()
				return
			}
		}
	}

	e.reinject(handle, pkt, addr)
}

// admit applies one rule scope to the packet. BlockAll wins over any rate
// limit; otherwise the direction's bucket is created or retuned to the
// rule's effective rate and charged.
func (e *Engine) admit(rule policy.Rule, pid uint32, dir stats.Direction, n uint32) bool {
	if !rule.Active() {
		return true
	}
	if rule.BlockAll {
		return false
	}
	if !rule.Limits(dir) {
		return true
	}
	bucket := e.store.Bucket(pid, dir, rule.EffectiveRate(dir))
	return bucket.TryConsume(n)
}

func (e *Engine) drop() {
	e.dropped.Add(1)
	metricPacketsDropped.Inc()
}

// reinject hands the packet back to the kernel, fixing checksums first.
// Both steps are best-effort: a failed send is equivalent to a natural
// drop, and logging is throttled to once per second so a wedged hook
// cannot flood the log from the hot loop.
func (e *Engine) reinject(handle capture.Handle, pkt []byte, addr capture.Address) {
	handle.CalcChecksums(pkt, addr)
	if err := handle.Send(pkt, addr); err != nil {
		now := time.Now().Unix()
		if last := e.lastSendErr.Load(); now != last && e.lastSendErr.CompareAndSwap(last, now) {
			e.logger.Printf("reinject failed: %v", err)
		}
	}
}

// tickLoop drives the 1 Hz control path: counter snapshot into the
// sampler, then one adaptive pass.
func (e *Engine) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			perPID := e.counters.SnapshotAndReset()
			dl, ul := e.counters.SnapshotGlobal()
			e.sampler.Record(perPID, dl, ul)
			e.controller.Tick()
		}
	}
}

// --- control surface ---

// SetRule installs or clears pid's rule; an inactive rule removes the
// entry and its buckets.
func (e *Engine) SetRule(pid uint32, r policy.Rule) {
	e.store.Put(pid, r)
}

// SetRuleForPIDs applies one rule to several PIDs, a copy each.
func (e *Engine) SetRuleForPIDs(pids []uint32, r policy.Rule) {
	e.store.PutMany(pids, r)
}

// GetRule returns pid's rule, if any.
func (e *Engine) GetRule(pid uint32) (policy.Rule, bool) {
	return e.store.Get(pid)
}

// SetGlobalRule replaces the host-wide rule.
func (e *Engine) SetGlobalRule(r policy.Rule) {
	e.store.SetGlobal(r)
}

// GetGlobalRule returns the host-wide rule.
func (e *Engine) GetGlobalRule() policy.Rule {
	return e.store.Global()
}

// Rules returns a copy of the per-PID rule set.
func (e *Engine) Rules() map[uint32]policy.Rule {
	return e.store.Rules()
}

// SnapshotCounters zeroes and returns every per-PID byte counter. Note the
// internal sampler tick drains the same counters; an external poller and
// the adaptive controller divide the byte stream between them.
func (e *Engine) SnapshotCounters() map[uint32]stats.Traffic {
	return e.counters.SnapshotAndReset()
}

// SnapshotGlobalCounters zeroes and returns the global byte totals.
func (e *Engine) SnapshotGlobalCounters() (dl, ul uint64) {
	return e.counters.SnapshotGlobal()
}

// PacketsProcessed returns the monotonic packet total for this process.
func (e *Engine) PacketsProcessed() uint64 {
	return e.processed.Load()
}

// PacketsDropped returns the monotonic drop total for this process.
func (e *Engine) PacketsDropped() uint64 {
	return e.dropped.Load()
}

// Throughput returns the smoothed per-PID rates from the sampler.
func (e *Engine) Throughput() map[uint32]stats.Rate {
	return e.sampler.Rates()
}

// ListNetworkProcesses returns the union of PIDs with live TCP/UDP sockets
// and PIDs with configured rules, named; PIDs whose process has exited are
// skipped.
func (e *Engine) ListNetworkProcesses() []procinfo.NetworkProcess {
	e.resolver.MaybeRefresh()

	seen := make(map[uint32]struct{})
	var pids []uint32
	for _, pid := range e.resolver.PIDs() {
		if _, dup := seen[pid]; !dup {
			seen[pid] = struct{}{}
			pids = append(pids, pid)
		}
	}
	for _, pid := range e.store.PIDs() {
		if _, dup := seen[pid]; !dup {
			seen[pid] = struct{}{}
			pids = append(pids, pid)
		}
	}
	return procinfo.Describe(e.cfg.Namer, pids)
}
