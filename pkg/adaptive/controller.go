// Package adaptive drives measured throughput toward configured targets by
// periodically retuning the enforcement bucket rates. TCP congestion
// control reacts to bucket drops with a noisy feedback signal, so the
// controller works on rolling averages and corrects proportionally rather
// than chasing individual samples.
package adaptive

import (
	"log"

	"github.com/MarwanHany97/NetThrottle/pkg/policy"
	"github.com/MarwanHany97/NetThrottle/pkg/stats"
)

const (
	// Below this measured rate there is no traffic worth steering.
	minTraffic = 100 // bytes/sec

	// Deadband and correction thresholds on measured/target.
	overshootRatio = 1.02
	deadbandLow    = 0.98
	deepUndershoot = 0.90
	growFast       = 1.15
	growGentle     = 1.05
	floorOfTarget  = 0.05
)

// nextRate computes one controller step. current is the rate the bucket
// runs at now, target the configured cap, measured the rolling average —
// all bytes/sec. The result is clamped to [0.05·target, target]: the flow
// is never starved and never allowed a rate above its cap.
func nextRate(current, target, measured float64) float64 {
	if measured < minTraffic || target <= 0 {
		return current
	}
	ratio := measured / target
	switch {
	case ratio > overshootRatio:
		// Shrink, harder the farther past target the measurement is.
		current *= 0.3 + 0.7*target/measured
	case ratio < deepUndershoot:
		current *= growFast
	case ratio < deadbandLow:
		current *= growGentle
	}
	if floor := floorOfTarget * target; current < floor {
		current = floor
	}
	if current > target {
		current = target
	}
	return current
}

// streamKey identifies one controlled stream; pid 0 is the global rule.
type streamKey struct {
	pid uint32
	dir stats.Direction
}

type streamState struct {
	target  float64 // target the state was initialized against
	current float64
}

// Controller retunes adjusted rates once per tick for every adaptive rule
// direction, global rule included. It keeps per-stream state so a target
// change or an adaptive off→on transition restarts that stream from its
// target.
type Controller struct {
	store   *policy.Store
	sampler *stats.Sampler
	streams map[streamKey]*streamState
	logger  *log.Logger
}

// NewController creates a controller over the store and sampler.
func NewController(store *policy.Store, sampler *stats.Sampler) *Controller {
	return &Controller{
		store:   store,
		sampler: sampler,
		streams: make(map[streamKey]*streamState),
		logger:  log.New(log.Writer(), "[Adaptive] ", log.LstdFlags),
	}
}

// Tick runs one controller pass. Call once per second after the sampler
// has recorded the tick's counters.
func (c *Controller) Tick() {
	live := make(map[streamKey]struct{})

	for pid, rule := range c.store.Rules() {
		c.steer(pid, rule, live)
	}
	c.steer(0, c.store.Global(), live)

	// Forget streams whose rule vanished or went non-adaptive, so a later
	// re-enable starts fresh from target.
	for key := range c.streams {
		if _, ok := live[key]; !ok {
			delete(c.streams, key)
		}
	}
}

func (c *Controller) steer(pid uint32, rule policy.Rule, live map[streamKey]struct{}) {
	if !rule.Adaptive || rule.BlockAll {
		return
	}
	for _, dir := range []stats.Direction{stats.Download, stats.Upload} {
		if !rule.Limits(dir) {
			continue
		}
		key := streamKey{pid, dir}
		live[key] = struct{}{}

		target := rule.Target(dir)
		st, ok := c.streams[key]
		if !ok || st.target != target {
			// First iteration for this stream (or retarget): start at the
			// cap and let feedback pull it down.
			st = &streamState{target: target, current: target}
			c.streams[key] = st
			c.logger.Printf("steering pid=%d %s toward %.0f B/s", pid, dir, target)
		}

		var measured float64
		if pid == 0 {
			measured = c.sampler.GlobalAverage(dir)
		} else {
			measured = c.sampler.Average(pid, dir)
		}

		st.current = nextRate(st.current, target, measured)
		if pid == 0 {
			c.store.SetGlobalAdjusted(dir, st.current)
		} else {
			c.store.SetAdjusted(pid, dir, st.current)
		}
	}
}
