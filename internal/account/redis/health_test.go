package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/clock"
)

// replica builds a registry the way a second process would: its own client
// against the shared server.
func replica(t *testing.T, mr *miniredis.Miniredis, clk *clock.Manual) *account.Registry {
	t.Helper()
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	reg := account.NewRegistry(
		New(rdb, "t:slots:"),
		NewHealth(rdb, "t:health:", account.DefaultHealthPolicy(), clk),
		account.NewSelector(),
		zap.NewNop(),
	)
	t.Cleanup(func() { _ = reg.Close() })
	require.NoError(t, reg.Register(
		account.Limits{ProviderID: "p", MultiAccount: true, DefaultConcurrency: 1},
		[]account.Account{{ID: "a", Active: true}, {ID: "b", Active: true}},
	))
	return reg
}

func eligibleIDs(t *testing.T, reg *account.Registry) []string {
	t.Helper()
	cands, err := reg.ListEligible(context.Background(), "p", "x")
	require.NoError(t, err)
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.Account.ID)
	}
	return ids
}

func TestHealthFailureWindowSharedAcrossReplicas(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	first := replica(t, mr, clk)
	second := replica(t, mr, clk)

	a, _ := first.Account("a")
	for range 3 {
		first.RecordOutcome(ctx, a, false, 100)
		clk.Advance(30 * time.Second)
	}
	for range 2 {
		second.RecordOutcome(ctx, a, false, 100)
		clk.Advance(30 * time.Second)
	}

	require.Equal(t, []string{"b"}, eligibleIDs(t, first))
	require.Equal(t, []string{"b"}, eligibleIDs(t, second))
	require.False(t, second.HasAlternative(ctx, "p", "b"))

	snap, err := first.Snapshot(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, 1, snap[0].Health.Violations)
	require.Equal(t, int64(100), snap[0].Health.LastLatencyMs)
	require.Zero(t, snap[0].Health.RecentFailures)

	clk.Set(snap[0].Health.CooldownUntil)
	require.Equal(t, []string{"a", "b"}, eligibleIDs(t, second))
}

func TestHealthForcedCooldownVisibleToOtherReplica(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	first := replica(t, mr, clk)
	second := replica(t, mr, clk)

	b, _ := second.Account("b")
	second.ForceCooldown(ctx, b)
	require.Equal(t, []string{"a"}, eligibleIDs(t, first))

	clk.Advance(time.Minute)
	require.Equal(t, []string{"a", "b"}, eligibleIDs(t, first))
}

func TestHealthBackoffDoublesAndBlacklists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h := NewHealth(rdb, "", account.HealthPolicy{
		FailureThreshold: 1,
		Window:           time.Minute,
		BaseCooldown:     time.Second,
		MaxCooldown:      3 * time.Second,
		BlacklistAfter:   4,
	}, clk)

	for _, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		tripped, err := h.RecordOutcome(ctx, "a", false, 0)
		require.NoError(t, err)
		require.True(t, tripped)
		st, err := h.Status(ctx, "a")
		require.NoError(t, err)
		require.True(t, clk.Now().Add(want).Equal(st.CooldownUntil), "cooldown %s", want)
		clk.Advance(want)
		ok, err := h.Available(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, h.ForceCooldown(ctx, "a"))
	clk.Advance(time.Hour)
	ok, err := h.Available(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
	st, err := h.Status(ctx, "a")
	require.NoError(t, err)
	require.True(t, st.Blacklisted)
	require.True(t, mr.Exists(DefaultHealthPrefix+"state:a"))
}

func TestHealthSuccessDoesNotCountAsFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h := NewHealth(rdb, "t:", account.DefaultHealthPolicy(), clk)

	for range 10 {
		tripped, err := h.RecordOutcome(ctx, "a", true, 40)
		require.NoError(t, err)
		require.False(t, tripped)
	}
	st, err := h.Status(ctx, "a")
	require.NoError(t, err)
	require.Zero(t, st.RecentFailures)
	require.Equal(t, int64(40), st.LastLatencyMs)
	require.True(t, st.CooldownUntil.IsZero())
}
