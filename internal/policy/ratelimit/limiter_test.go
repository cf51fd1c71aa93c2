package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesCalls(t *testing.T) {
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "veo"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "veo"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	require.True(t, l.Allow("b"))
}

func TestLimiterOverrides(t *testing.T) {
	l := New(Config{
		DefaultRPS:   0.001,
		DefaultBurst: 1,
		Overrides:    map[string]Rule{"vip": {RPS: 0.001, Burst: 3}},
	})
	for range 3 {
		require.True(t, l.Allow("vip"))
	}
	require.False(t, l.Allow("vip"))
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	l := New(Config{})
	for range 100 {
		require.True(t, l.Allow("any"))
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	require.True(t, l.Allow("k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "k"))
}
