package httpmiddleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowExhaustsBurst(t *testing.T) {
	l := NewRateLimiter(3, 60)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("10.0.0.1", now), "request %d within burst", i)
	}
	require.False(t, l.Allow("10.0.0.1", now))
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := NewRateLimiter(1, 60)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.True(t, l.Allow("10.0.0.1", now))
	require.False(t, l.Allow("10.0.0.1", now))

	// 60/min refills one token per second.
	require.True(t, l.Allow("10.0.0.1", now.Add(time.Second)))
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := NewRateLimiter(1, 60)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.True(t, l.Allow("10.0.0.1", now))
	require.False(t, l.Allow("10.0.0.1", now))
	require.True(t, l.Allow("10.0.0.2", now))
}

func TestIdleBucketsEvicted(t *testing.T) {
	l := NewRateLimiter(1, 60)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.True(t, l.Allow("10.0.0.1", now))
	require.True(t, l.Allow("10.0.0.2", now.Add(idleEvict+time.Minute)))

	l.mu.Lock()
	_, stale := l.buckets["10.0.0.1"]
	l.mu.Unlock()
	require.False(t, stale)
}
