package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediagen/internal/clock"
)

func record(t *testing.T, h *Health, id string, success bool, latency int64) bool {
	t.Helper()
	tripped, err := h.RecordOutcome(context.Background(), id, success, latency)
	require.NoError(t, err)
	return tripped
}

func available(t *testing.T, h *Health, id string) bool {
	t.Helper()
	ok, err := h.Available(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func status(t *testing.T, h *Health, id string) HealthStatus {
	t.Helper()
	st, err := h.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestHealthCooldownAfterFiveFailuresInWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h := NewHealth(DefaultHealthPolicy(), clk)

	for i := range 4 {
		require.False(t, record(t, h, "a", false, 100))
		clk.Advance(2 * time.Minute)
		require.True(t, available(t, h, "a"), "failure %d should not trip cooldown", i+1)
	}
	require.True(t, record(t, h, "a", false, 100))
	require.False(t, available(t, h, "a"))

	st := status(t, h, "a")
	require.Equal(t, clk.Now().Add(time.Minute), st.CooldownUntil)

	clk.Advance(time.Minute)
	require.True(t, available(t, h, "a"))
}

func TestHealthFailuresOutsideWindowDoNotCount(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h := NewHealth(DefaultHealthPolicy(), clk)

	for range 10 {
		require.False(t, record(t, h, "a", false, 0))
		clk.Advance(3 * time.Minute)
	}
	require.True(t, available(t, h, "a"))
	require.LessOrEqual(t, status(t, h, "a").RecentFailures, 4)
}

func TestHealthBackoffDoublesAndBlacklists(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h := NewHealth(HealthPolicy{
		FailureThreshold: 1,
		Window:           time.Minute,
		BaseCooldown:     time.Second,
		MaxCooldown:      3 * time.Second,
		BlacklistAfter:   4,
	}, clk)

	expected := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for _, want := range expected {
		require.True(t, record(t, h, "a", false, 0))
		require.Equal(t, clk.Now().Add(want), status(t, h, "a").CooldownUntil)
		clk.Advance(want)
		require.True(t, available(t, h, "a"))
	}

	require.NoError(t, h.ForceCooldown(context.Background(), "a"))
	require.True(t, status(t, h, "a").Blacklisted)
	clk.Advance(time.Hour)
	require.False(t, available(t, h, "a"))

	h.Reset("a")
	require.True(t, available(t, h, "a"))
}

func TestHealthTracksLatency(t *testing.T) {
	t.Parallel()

	h := NewHealth(HealthPolicy{}, clock.New())
	record(t, h, "a", true, 250)
	require.Equal(t, int64(250), status(t, h, "a").LastLatencyMs)
	record(t, h, "a", true, 0)
	require.Equal(t, int64(250), status(t, h, "a").LastLatencyMs)
}

func TestHealthPolicyCooldownCurve(t *testing.T) {
	t.Parallel()

	p := HealthPolicy{BaseCooldown: time.Minute, MaxCooldown: 5 * time.Minute, BlacklistAfter: 3}.Normalized()
	require.Equal(t, time.Minute, p.Cooldown(1))
	require.Equal(t, 2*time.Minute, p.Cooldown(2))
	require.Equal(t, 4*time.Minute, p.Cooldown(3))
	require.Equal(t, 5*time.Minute, p.Cooldown(4))
	require.False(t, p.Blacklists(2))
	require.True(t, p.Blacklists(3))
	require.Equal(t, DefaultHealthPolicy().FailureThreshold, p.FailureThreshold)
}
