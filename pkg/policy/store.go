package policy

import (
	"sync"

	"github.com/MarwanHany97/NetThrottle/pkg/ratelimit"
	"github.com/MarwanHany97/NetThrottle/pkg/stats"
)

type bucketKey struct {
	pid uint32 // 0 for the global buckets
	dir stats.Direction
}

// Store is the authoritative rule set: one rule per PID plus the singleton
// global rule, together with the token buckets that enforce them. The store
// owns the buckets so that removing a PID's rule also drops its buckets;
// the engine obtains buckets lazily per packet through Bucket/GlobalBucket.
//
// Reads on the packet path and writes from the control surface may run
// concurrently; an in-flight packet observes either the old or the new
// rule.
type Store struct {
	mu      sync.RWMutex
	rules   map[uint32]Rule
	global  Rule
	buckets map[bucketKey]*ratelimit.Bucket
}

// NewStore creates an empty store with a no-effect global rule.
func NewStore() *Store {
	return &Store{
		rules:   make(map[uint32]Rule),
		buckets: make(map[bucketKey]*ratelimit.Bucket),
	}
}

// Put installs the rule for pid if it is active, otherwise removes the
// entry and both of the PID's buckets.
func (s *Store) Put(pid uint32, r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !r.Active() {
		delete(s.rules, pid)
		delete(s.buckets, bucketKey{pid, stats.Download})
		delete(s.buckets, bucketKey{pid, stats.Upload})
		return
	}
	s.rules[pid] = r
}

// PutMany applies one rule to many PIDs, a copy each.
func (s *Store) PutMany(pids []uint32, r Rule) {
	for _, pid := range pids {
		s.Put(pid, r)
	}
}

// Get returns pid's rule, if any.
func (s *Store) Get(pid uint32) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[pid]
	return r, ok
}

// SetGlobal replaces the global rule. An all-zero rule disables global
// policy but the singleton always exists.
func (s *Store) SetGlobal(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = r
	if !r.Active() {
		delete(s.buckets, bucketKey{0, stats.Download})
		delete(s.buckets, bucketKey{0, stats.Upload})
	}
}

// Global returns the global rule.
func (s *Store) Global() Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// PIDs returns every PID with an installed rule.
func (s *Store) PIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint32, 0, len(s.rules))
	for pid := range s.rules {
		out = append(out, pid)
	}
	return out
}

// Rules returns a copy of the installed rule set.
func (s *Store) Rules() map[uint32]Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32]Rule, len(s.rules))
	for pid, r := range s.rules {
		out[pid] = r
	}
	return out
}

// SetAdjusted writes the controller's computed rate into pid's rule. A
// non-positive rate clears the adjustment so the configured target applies
// again. No-op if the rule is gone.
func (s *Store) SetAdjusted(pid uint32, dir stats.Direction, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[pid]
	if !ok {
		return
	}
	if dir == stats.Upload {
		r.AdjustedUp = rate
	} else {
		r.AdjustedDown = rate
	}
	s.rules[pid] = r
}

// SetGlobalAdjusted is SetAdjusted for the global rule.
func (s *Store) SetGlobalAdjusted(dir stats.Direction, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == stats.Upload {
		s.global.AdjustedUp = rate
	} else {
		s.global.AdjustedDown = rate
	}
}

// Bucket returns pid's bucket for dir, creating it at rate on first use or
// retuning the existing one to rate.
func (s *Store) Bucket(pid uint32, dir stats.Direction, rate float64) *ratelimit.Bucket {
	if pid == 0 {
		return s.GlobalBucket(dir, rate)
	}
	return s.bucket(bucketKey{pid, dir}, rate)
}

// GlobalBucket returns the host-wide bucket for dir, creating or retuning
// it like Bucket.
func (s *Store) GlobalBucket(dir stats.Direction, rate float64) *ratelimit.Bucket {
	return s.bucket(bucketKey{0, dir}, rate)
}

func (s *Store) bucket(key bucketKey, rate float64) *ratelimit.Bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		b.SetRate(rate)
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		b.SetRate(rate)
		return b
	}
	b = ratelimit.NewBucket(rate)
	s.buckets[key] = b
	return b
}

// HasBucket reports whether a bucket exists for (pid, dir) without creating
// one.
func (s *Store) HasBucket(pid uint32, dir stats.Direction) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[bucketKey{pid, dir}]
	return ok
}
