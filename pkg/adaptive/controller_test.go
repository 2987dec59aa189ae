package adaptive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarwanHany97/NetThrottle/pkg/policy"
	"github.com/MarwanHany97/NetThrottle/pkg/stats"
)

func TestNextRate(t *testing.T) {
	const target = 102400.0 // 100 KB/s

	tests := []struct {
		name     string
		current  float64
		measured float64
		want     float64
	}{
		{"idle stream holds", target, 50, target},
		{"within deadband holds", target, target * 1.01, target},
		{"overshoot shrinks", target, target * 1.4, target * (0.3 + 0.7/1.4)},
		{"deep undershoot grows fast", target / 2, target * 0.5, target / 2 * 1.15},
		{"slight undershoot grows gently", target * 0.9, target * 0.95, target * 0.9 * 1.05},
		{"growth clamps at target", target * 0.99, target * 0.95, target},
		{"shrink clamps at floor", target * 0.06, target * 10, target * 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, nextRate(tt.current, target, tt.measured), 0.01)
		})
	}
}

func TestNextRateConvergesUnderProportionalPlant(t *testing.T) {
	const target = 102400.0

	// Model a sender whose measured throughput tracks the bucket rate with
	// a constant 40% overshoot (bursty TCP filling the 2s bucket depth).
	current := target
	for i := 0; i < 20; i++ {
		measured := current * 1.4
		current = nextRate(current, target, measured)
	}
	measured := current * 1.4
	assert.InDelta(t, target, measured, target*0.05)
}

func feed(s *stats.Sampler, pid uint32, rate float64) {
	for i := 0; i < stats.WindowSize; i++ {
		s.Record(map[uint32]stats.Traffic{pid: {Download: uint64(rate)}}, uint64(rate), 0)
	}
}

func TestTickWritesAdjustedRate(t *testing.T) {
	store := policy.NewStore()
	sampler := stats.NewSampler()
	c := NewController(store, sampler)

	store.Put(42, policy.Rule{LimitDownload: true, DownloadKbps: 100, Adaptive: true})
	feed(sampler, 42, 140*1024) // measuring 40% over target

	c.Tick()

	r, ok := store.Get(42)
	require.True(t, ok)
	assert.Greater(t, r.AdjustedDown, 0.0)
	assert.Less(t, r.AdjustedDown, 100*1024.0)
}

func TestTickSteersGlobalRule(t *testing.T) {
	store := policy.NewStore()
	sampler := stats.NewSampler()
	c := NewController(store, sampler)

	store.SetGlobal(policy.Rule{LimitUpload: true, UploadKbps: 50, Adaptive: true})
	for i := 0; i < stats.WindowSize; i++ {
		sampler.Record(nil, 0, uint64(70*1024))
	}

	c.Tick()
	assert.Less(t, store.Global().AdjustedUp, 50*1024.0)
	assert.Greater(t, store.Global().AdjustedUp, 0.0)
}

func TestRetargetResetsStream(t *testing.T) {
	store := policy.NewStore()
	sampler := stats.NewSampler()
	c := NewController(store, sampler)

	store.Put(7, policy.Rule{LimitDownload: true, DownloadKbps: 100, Adaptive: true})
	feed(sampler, 7, 200*1024)
	for i := 0; i < 5; i++ {
		c.Tick()
	}
	r, _ := store.Get(7)
	squeezed := r.AdjustedDown
	require.Less(t, squeezed, 100*1024.0)

	// Raising the target restarts the stream at the new target.
	r.DownloadKbps = 500
	r.AdjustedDown = squeezed
	store.Put(7, r)
	c.Tick()

	r, _ = store.Get(7)
	assert.Greater(t, r.AdjustedDown, squeezed)
	assert.LessOrEqual(t, r.AdjustedDown, 500*1024.0)
}

func TestAdaptiveReenableStartsFresh(t *testing.T) {
	store := policy.NewStore()
	sampler := stats.NewSampler()
	c := NewController(store, sampler)

	rule := policy.Rule{LimitDownload: true, DownloadKbps: 100, Adaptive: true}
	store.Put(7, rule)
	feed(sampler, 7, 300*1024)
	c.Tick()
	c.Tick()

	// Toggle adaptive off: the stream is forgotten on the next pass.
	rule.Adaptive = false
	store.Put(7, rule)
	c.Tick()

	rule.Adaptive = true
	store.Put(7, rule)
	sampler = stats.NewSampler() // quiet again
	c.sampler = sampler
	c.Tick()

	// First iteration after re-enable with no traffic: holds at target.
	r, _ := store.Get(7)
	assert.InDelta(t, 100*1024.0, r.AdjustedDown, 0.01)
}

func TestBlockAllIsNotSteered(t *testing.T) {
	store := policy.NewStore()
	sampler := stats.NewSampler()
	c := NewController(store, sampler)

	store.Put(9, policy.Rule{BlockAll: true, LimitDownload: true, DownloadKbps: 100, Adaptive: true})
	feed(sampler, 9, 500*1024)
	c.Tick()

	r, _ := store.Get(9)
	assert.Zero(t, r.AdjustedDown)
}
