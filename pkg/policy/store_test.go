package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarwanHany97/NetThrottle/pkg/stats"
)

func TestRuleActive(t *testing.T) {
	tests := []struct {
		name   string
		rule   Rule
		active bool
	}{
		{"empty", Rule{}, false},
		{"block all", Rule{BlockAll: true}, true},
		{"download limit", Rule{LimitDownload: true, DownloadKbps: 100}, true},
		{"upload limit", Rule{LimitUpload: true, UploadKbps: 50}, true},
		{"limit flag without rate", Rule{LimitDownload: true}, false},
		{"rate without limit flag", Rule{DownloadKbps: 100}, false},
		{"adaptive alone", Rule{Adaptive: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.active, tt.rule.Active())
		})
	}
}

func TestEffectiveRatePrefersAdjusted(t *testing.T) {
	r := Rule{LimitDownload: true, DownloadKbps: 100}
	assert.Equal(t, 100*1024.0, r.EffectiveRate(stats.Download))

	r.Adaptive = true
	assert.Equal(t, 100*1024.0, r.EffectiveRate(stats.Download)) // no adjustment yet

	r.AdjustedDown = 80_000
	assert.Equal(t, 80_000.0, r.EffectiveRate(stats.Download))

	// The other direction is untouched by the download adjustment.
	r.LimitUpload = true
	r.UploadKbps = 10
	assert.Equal(t, 10*1024.0, r.EffectiveRate(stats.Upload))
}

func TestPutGetRoundTrip(t *testing.T) {
	s := NewStore()
	r := Rule{LimitDownload: true, DownloadKbps: 200}

	s.Put(42, r)
	got, ok := s.Get(42)
	require.True(t, ok)
	assert.Equal(t, r, got)

	_, ok = s.Get(43)
	assert.False(t, ok)
}

func TestPutInactiveRemovesRuleAndBuckets(t *testing.T) {
	s := NewStore()
	s.Put(42, Rule{LimitDownload: true, DownloadKbps: 100, LimitUpload: true, UploadKbps: 100})

	// Exercise both buckets into existence.
	s.Bucket(42, stats.Download, 100*1024)
	s.Bucket(42, stats.Upload, 100*1024)
	require.True(t, s.HasBucket(42, stats.Download))
	require.True(t, s.HasBucket(42, stats.Upload))

	s.Put(42, Rule{})
	_, ok := s.Get(42)
	assert.False(t, ok)
	assert.False(t, s.HasBucket(42, stats.Download))
	assert.False(t, s.HasBucket(42, stats.Upload))
}

func TestPutManyClonesPerPID(t *testing.T) {
	s := NewStore()
	s.PutMany([]uint32{1, 2, 3}, Rule{BlockAll: true})

	for _, pid := range []uint32{1, 2, 3} {
		r, ok := s.Get(pid)
		require.True(t, ok)
		assert.True(t, r.BlockAll)
	}

	// Adjusting one PID must not leak into the others.
	s.SetAdjusted(2, stats.Download, 5000)
	r1, _ := s.Get(1)
	assert.Zero(t, r1.AdjustedDown)
}

func TestGlobalRuleDefaultsInert(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Global().Active())

	g := Rule{LimitDownload: true, DownloadKbps: 100}
	s.SetGlobal(g)
	assert.Equal(t, g, s.Global())

	s.GlobalBucket(stats.Download, g.Target(stats.Download))
	require.True(t, s.HasBucket(0, stats.Download))

	s.SetGlobal(Rule{})
	assert.False(t, s.HasBucket(0, stats.Download))
}

func TestBucketRetunedOnLookup(t *testing.T) {
	s := NewStore()
	b := s.Bucket(42, stats.Download, 1000)
	assert.Equal(t, 1000.0, b.Rate())

	same := s.Bucket(42, stats.Download, 2000)
	assert.Same(t, b, same)
	assert.Equal(t, 2000.0, b.Rate())
}

func TestSetAdjustedIgnoresMissingRule(t *testing.T) {
	s := NewStore()
	s.SetAdjusted(42, stats.Download, 5000) // must not create an entry
	_, ok := s.Get(42)
	assert.False(t, ok)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		pid := uint32(i % 4)
		go func() {
			defer wg.Done()
			s.Put(pid, Rule{LimitDownload: true, DownloadKbps: 100})
			s.Bucket(pid, stats.Download, 100*1024)
		}()
		go func() {
			defer wg.Done()
			s.Get(pid)
			s.Put(pid, Rule{})
		}()
	}
	wg.Wait()
}
