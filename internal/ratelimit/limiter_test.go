package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func cfg() Config {
	return Config{
		SourceCapacity:          5,
		SourceRefill:            1,
		AuthorCapacity:          10,
		AuthorRefill:            2,
		SubscriptionCost:        2,
		MaxConnectionsPerSource: 2,
		MaxBucketsPerTable:      1000,
	}
}

func TestAdmitEventDrainsAndRecovers(t *testing.T) {
	l := New(cfg(), nil, nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		res := l.AdmitEvent("1.2.3.4", "author", 10, 65536, now)
		require.True(t, res.Allowed(), "event %d should be allowed", i)
	}
	res := l.AdmitEvent("1.2.3.4", "author", 10, 65536, now)
	require.False(t, res.Allowed())

	later := now.Add(2 * time.Second)
	res = l.AdmitEvent("1.2.3.4", "author", 10, 65536, later)
	require.True(t, res.Allowed())
}

func TestAdmitEventRejectsOversizedAsRateLimited(t *testing.T) {
	l := New(cfg(), nil, nil)
	res := l.AdmitEvent("1.2.3.4", "author", 200000, 65536, time.Now())
	require.False(t, res.Allowed())
	require.Contains(t, res.Reason, "too large")
}

func TestAllowListBypassesChecks(t *testing.T) {
	l := New(cfg(), []string{"9.9.9.9"}, nil)
	now := time.Now()
	for i := 0; i < 100; i++ {
		res := l.AdmitEvent("9.9.9.9", "a", 10, 65536, now)
		require.True(t, res.Allowed())
	}
}

func TestDenyListBlocksUnconditionally(t *testing.T) {
	l := New(cfg(), nil, []string{"6.6.6.6"})
	res := l.AdmitEvent("6.6.6.6", "a", 10, 65536, time.Now())
	require.False(t, res.Allowed())
	require.True(t, res.Denied)
}

func TestAllowingRemovesFromDenyList(t *testing.T) {
	l := New(cfg(), nil, []string{"6.6.6.6"})
	l.Allow("6.6.6.6")
	res := l.AdmitEvent("6.6.6.6", "a", 10, 65536, time.Now())
	require.True(t, res.Allowed())
}

func TestConnectionCap(t *testing.T) {
	l := New(cfg(), nil, nil)
	require.True(t, l.AdmitConnection("1.1.1.1").Allowed())
	require.True(t, l.AdmitConnection("1.1.1.1").Allowed())
	require.False(t, l.AdmitConnection("1.1.1.1").Allowed())

	l.ReleaseConnection("1.1.1.1")
	require.True(t, l.AdmitConnection("1.1.1.1").Allowed())
}

func TestSubscriptionCost(t *testing.T) {
	l := New(cfg(), nil, nil)
	now := time.Now()
	for i := 0; i < 2; i++ {
		require.True(t, l.AdmitSubscription("1.2.3.4", now).Allowed())
	}
	require.False(t, l.AdmitSubscription("1.2.3.4", now).Allowed())
}

// TestRateBucketRecovery is the §8 universal property: a bucket drained at
// t0 has at least min(C, (t1-t0)*R) tokens available at t1.
func TestRateBucketRecovery(t *testing.T) {
	l := New(cfg(), nil, nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.True(t, l.AdmitEvent("addr", "", 10, 65536, now).Allowed())
	}
	later := now.Add(3 * time.Second)
	// capacity 5, refill 1/s -> 3 tokens back, should allow exactly 3 more.
	allowedCount := 0
	for i := 0; i < 4; i++ {
		if l.AdmitEvent("addr", "", 10, 65536, later).Allowed() {
			allowedCount++
		}
	}
	require.Equal(t, 3, allowedCount)
}
