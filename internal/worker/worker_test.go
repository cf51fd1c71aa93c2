package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/cache"
	"github.com/JakeFAU/mediagen/internal/events"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/lifecycle/lifecycletest"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/provider/simulated"
	"github.com/JakeFAU/mediagen/internal/queue/memory"
)

func newWorker(h *lifecycletest.Harness, q Queue) *Worker {
	return New(Deps{
		Queue:     q,
		Store:     h.Store,
		Cache:     h.Cache,
		Providers: h.Providers,
		Accounts:  h.Accounts,
		Lifecycle: h.Manager,
		Clock:     h.Clock,
		Logger:    h.Logger,
	}, Config{PollBase: 2 * time.Second, LockTTL: time.Minute})
}

func load(t *testing.T, h *lifecycletest.Harness, id string) genjob.Job {
	t.Helper()
	job, err := h.Store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func create(t *testing.T, h *lifecycletest.Harness, prompt string) genjob.Job {
	t.Helper()
	job, err := h.Manager.Create(context.Background(), lifecycletest.Request(prompt))
	require.NoError(t, err)
	return job
}

func TestProcessSubmitsAsyncJob(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{Sim: simulated.Config{PollsToComplete: 2}})
	w := newWorker(h, nil)

	job := create(t, h, "forest spirit")
	w.Process(context.Background(), job.ID)

	got := load(t, h, job.ID)
	require.Equal(t, genjob.StatusProcessing, got.Status)
	require.Equal(t, "acct-a", got.AccountID)
	require.NotEmpty(t, got.ProviderJobID)
	require.Equal(t, lifecycletest.Epoch, got.Poll.FirstPollAt)
	require.Equal(t, lifecycletest.Epoch.Add(2*time.Second), got.Poll.NextPollAt)
	require.Equal(t, 2*time.Second, got.Poll.Interval)
	require.NotNil(t, got.StartedAt)
	require.Equal(t, 1, h.Sim.Executions())
	require.Equal(t, []events.Type{events.JobCreated, events.JobStarted}, h.Events.Types(job.ID))
}

func TestProcessSynchronousCompletion(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{})
	w := newWorker(h, nil)

	job := create(t, h, "portrait")
	w.Process(context.Background(), job.ID)

	got := load(t, h, job.ID)
	require.Equal(t, genjob.StatusCompleted, got.Status)
	require.Equal(t, "sim://image/sim-1", got.ResultRef)
	require.False(t, got.CacheHit)
	require.Equal(t, 1, h.Events.Count(events.AssetCreated))

	_, err := h.Accounts.Acquire(context.Background(), lifecycletest.ProviderID, "image", account.LeastLoaded, nil)
	require.NoError(t, err, "slot must be free after completion")
}

func TestProcessFilteredAtSubmission(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{Sim: simulated.Config{FilterTerms: []string{"gore"}}})
	w := newWorker(h, nil)

	job := create(t, h, "GORE everywhere")
	w.Process(context.Background(), job.ID)

	got := load(t, h, job.ID)
	require.Equal(t, genjob.StatusFiltered, got.Status)
	require.Equal(t, genjob.ErrorKindFiltered, got.ErrorInfo.Kind)
	require.Equal(t, 1, h.Events.Count(events.JobFiltered))
}

func TestProcessBackpressureAndPromotion(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{Sim: simulated.Config{PollsToComplete: 1}})
	w := newWorker(h, nil)
	ctx := context.Background()

	first := create(t, h, "first scene")
	second := create(t, h, "second scene")

	w.Process(ctx, first.ID)
	w.Process(ctx, second.ID)

	require.Equal(t, genjob.StatusProcessing, load(t, h, first.ID).Status)
	blocked := load(t, h, second.ID)
	require.Equal(t, genjob.StatusPending, blocked.Status)
	require.Empty(t, blocked.AccountID)
	require.Equal(t, 1, h.Sim.Executions(), "no provider call without a slot")

	_, err := h.Manager.Complete(ctx, load(t, h, first.ID), "sim://first")
	require.NoError(t, err)

	w.Process(ctx, second.ID)
	promoted := load(t, h, second.ID)
	require.Equal(t, genjob.StatusProcessing, promoted.Status)
	require.Equal(t, "acct-a", promoted.AccountID)
	require.Equal(t, 1, promoted.AttemptCount)
}

func TestProcessTransientReassignment(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{
		Accounts: []account.Account{
			{ID: "acct-a", Active: true},
			{ID: "acct-b", Active: true},
		},
		MultiAccount: true,
	})
	h.Sim.FailNextExecute("acct-a", provider.FromStatus(503, "overloaded"))
	w := newWorker(h, nil)
	ctx := context.Background()

	job := create(t, h, "storm over sea")
	w.Process(ctx, job.ID)

	requeued := load(t, h, job.ID)
	require.Equal(t, genjob.StatusPending, requeued.Status)
	require.Equal(t, 2, requeued.AttemptCount)
	require.Equal(t, []string{"acct-a"}, requeued.AvoidAccounts)
	require.Equal(t, genjob.ErrorKindTransient, requeued.ErrorInfo.Kind)

	w.Process(ctx, job.ID)
	done := load(t, h, job.ID)
	require.Equal(t, genjob.StatusCompleted, done.Status)
	require.Equal(t, "acct-b", done.AccountID)
	require.Equal(t, 2, h.Sim.Executions())
}

func TestProcessStampedeRunsOnce(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{
		Concurrency: 8,
		Sim:         simulated.Config{PollsToComplete: 1},
	})
	w := newWorker(h, nil)
	ctx := context.Background()

	const n = 6
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := h.Manager.Create(ctx, lifecycletest.Request("the same dragon"))
			require.NoError(t, err)
			ids[i] = job.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Process(ctx, id)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, h.Sim.Executions())

	var leader genjob.Job
	for _, id := range ids {
		job := load(t, h, id)
		if job.Status == genjob.StatusProcessing {
			leader = job
			continue
		}
		require.Equal(t, genjob.StatusPending, job.Status)
	}
	require.NotEmpty(t, leader.ID)

	_, err := h.Manager.Complete(ctx, leader, "sim://dragon")
	require.NoError(t, err)
	for _, id := range ids {
		w.Process(ctx, id)
	}
	for _, id := range ids {
		job := load(t, h, id)
		require.Equal(t, genjob.StatusCompleted, job.Status)
		require.Equal(t, "sim://dragon", job.ResultRef)
		require.Equal(t, id != leader.ID, job.CacheHit)
	}
	require.Equal(t, 1, h.Sim.Executions())
}

// leaderFinishesFirst caches a result for the key being locked just before
// the lock is taken, as a leader completing between a follower's lookup and
// its acquire would.
type leaderFinishesFirst struct {
	cache.Store
	now time.Time
}

func (c leaderFinishesFirst) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	entry := cache.Entry{Key: key, ResultRef: "sim://leader", CreatedAt: c.now, ExpiresAt: c.now.Add(time.Hour)}
	if err := c.Store.Put(ctx, entry, time.Hour); err != nil {
		return false, err
	}
	return c.Store.AcquireLock(ctx, key, token, ttl)
}

func TestProcessRechecksCacheAfterTakingLock(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{})
	w := New(Deps{
		Store:     h.Store,
		Cache:     leaderFinishesFirst{Store: h.Cache, now: h.Clock.Now()},
		Providers: h.Providers,
		Accounts:  h.Accounts,
		Lifecycle: h.Manager,
		Clock:     h.Clock,
		Logger:    h.Logger,
	}, Config{PollBase: 2 * time.Second, LockTTL: time.Minute})
	ctx := context.Background()

	job := create(t, h, "follower")
	w.Process(ctx, job.ID)

	got := load(t, h, job.ID)
	require.Equal(t, genjob.StatusCompleted, got.Status)
	require.True(t, got.CacheHit)
	require.Equal(t, "sim://leader", got.ResultRef)
	require.Zero(t, h.Sim.Executions())

	held, err := h.Cache.AcquireLock(ctx, job.CanonicalKey, "next", time.Minute)
	require.NoError(t, err)
	require.True(t, held, "serving from cache must release the lock")
}

func TestProcessBypassSkipsLock(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{Concurrency: 2, Sim: simulated.Config{PollsToComplete: 1}})
	w := newWorker(h, nil)
	ctx := context.Background()

	for range 2 {
		req := lifecycletest.Request("fresh every time")
		req.CacheStrategy = genjob.CacheAlways
		job, err := h.Manager.Create(ctx, req)
		require.NoError(t, err)
		w.Process(ctx, job.ID)
	}
	require.Equal(t, 2, h.Sim.Executions())
}

func TestProcessIgnoresSettledJobs(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{})
	w := newWorker(h, nil)
	ctx := context.Background()

	job := create(t, h, "gone")
	_, err := h.Manager.Cancel(ctx, job.ID)
	require.NoError(t, err)

	w.Process(ctx, job.ID)
	w.Process(ctx, "missing")
	require.Zero(t, h.Sim.Executions())
	require.Equal(t, genjob.StatusCancelled, load(t, h, job.ID).Status)
}

func TestRunConsumesQueue(t *testing.T) {
	t.Parallel()
	h := lifecycletest.New(t, lifecycletest.Options{Concurrency: 4})
	q := memory.NewQueue(8)
	w := newWorker(h, q)

	var ids []string
	for i := range 3 {
		job := create(t, h, fmt.Sprintf("scene %d", i))
		ok, err := q.Offer(job.ID)
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, job.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if load(t, h, id).Status != genjob.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
