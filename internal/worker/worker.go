// Package worker implements the dispatch step: it takes a dispatchable job,
// reserves an account for it and submits it to the provider.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/cache"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/lifecycle"
	"github.com/JakeFAU/mediagen/internal/metrics"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/queue/memory"
)

// Queue hands job ids to workers.
type Queue interface {
	Dequeue(ctx context.Context) (string, error)
	Done(id string)
}

// Config controls Worker behavior.
type Config struct {
	// Strategy picks among eligible accounts.
	Strategy account.Strategy
	// LockTTL bounds how long a stampede lock survives a crashed holder.
	LockTTL time.Duration
	// PollBase is the delay before the first status check of a submitted job.
	PollBase time.Duration
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Queue     Queue
	Store     genjob.JobStore
	Cache     cache.Store
	Providers *provider.Registry
	Accounts  *account.Registry
	Lifecycle *lifecycle.Manager
	Clock     genjob.Clock
	Logger    *zap.Logger
}

// Worker consumes job ids and submits the jobs they name.
type Worker struct {
	queue     Queue
	store     genjob.JobStore
	cache     cache.Store
	providers *provider.Registry
	accounts  *account.Registry
	lifecycle *lifecycle.Manager
	clock     genjob.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config) *Worker {
	if cfg.Strategy == "" {
		cfg.Strategy = account.LeastLoaded
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.PollBase <= 0 {
		cfg.PollBase = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     deps.Queue,
		store:     deps.Store,
		cache:     deps.Cache,
		providers: deps.Providers,
		accounts:  deps.Accounts,
		lifecycle: deps.Lifecycle,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.Process(ctx, id)
		w.queue.Done(id)
	}
}

// Process runs one dispatch attempt for the job. A job that cannot get an
// account or is waiting on an identical in-flight generation stays where it
// is and is offered again on the next dispatcher pass.
func (w *Worker) Process(ctx context.Context, id string) {
	logger := w.logger.With(zap.String("job_id", id))
	job, err := w.store.Get(ctx, id)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return
	}
	if !dispatchable(job) {
		logger.Debug("job no longer dispatchable", zap.String("status", string(job.Status)))
		return
	}

	if !job.CacheStrategy.Bypass() {
		if w.serveCached(ctx, job, logger) {
			return
		}
		held, err := w.cache.AcquireLock(ctx, job.CanonicalKey, job.ID, w.cfg.LockTTL)
		if err != nil {
			logger.Warn("stampede lock failed", zap.Error(err))
			return
		}
		if !held {
			logger.Debug("identical generation in flight")
			return
		}
		// The previous holder may have cached its result and released the
		// lock between the lookup above and the acquire.
		if w.serveCached(ctx, job, logger) {
			return
		}
	}

	desc, err := w.providers.Lookup(job.ProviderID)
	if err != nil {
		w.fail(ctx, job, provider.NewError(genjob.ErrorKindInvalid, "provider not registered", err), logger)
		return
	}
	params, err := desc.Adapter.MapParameters(job.OpType, job.Canonical)
	if err != nil {
		w.fail(ctx, job, err, logger)
		return
	}

	acct, err := w.accounts.Acquire(ctx, job.ProviderID, job.OpType, w.cfg.Strategy, job.AvoidAccounts)
	if err != nil {
		if errors.Is(err, genjob.ErrNoEligibleAccount) {
			logger.Debug("no account available, job stays pending")
		} else {
			logger.Warn("account acquire failed", zap.Error(err))
		}
		return
	}
	job, err = w.lifecycle.Assign(ctx, job, acct)
	if err != nil {
		logger.Info("assign lost race, releasing account", zap.Error(err))
		if relErr := w.accounts.Release(context.WithoutCancel(ctx), acct); relErr != nil {
			logger.Error("account release failed", zap.Error(relErr))
		}
		return
	}
	w.submit(ctx, job, desc, acct, params, logger.With(zap.String("account_id", acct.ID)))
}

func (w *Worker) submit(
	ctx context.Context,
	job genjob.Job,
	desc provider.Descriptor,
	acct account.Account,
	params map[string]any,
	logger *zap.Logger,
) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	sub, err := desc.Adapter.Execute(ctx, job.OpType, acct, params)
	if err != nil {
		if ctx.Err() != nil {
			if abErr := w.lifecycle.Abandon(context.WithoutCancel(ctx), job); abErr != nil {
				logger.Error("abandon on shutdown failed", zap.Error(abErr))
			}
			return
		}
		logger.Warn("provider submission failed", zap.Error(err))
		w.fail(ctx, job, err, logger)
		return
	}
	w.accounts.RecordOutcome(ctx, acct, true, w.clock.Now().Sub(start).Milliseconds())

	switch sub.Status {
	case genjob.StatusCompleted:
		if _, err := w.lifecycle.Complete(ctx, job, sub.ResultRef); err != nil {
			logger.Warn("complete failed", zap.Error(err))
		}
	case genjob.StatusFiltered:
		w.fail(ctx, job, provider.NewError(genjob.ErrorKindFiltered, "content filtered at submission", nil), logger)
	case genjob.StatusFailed:
		w.fail(ctx, job, provider.NewError(genjob.ErrorKindTransient, "provider rejected submission", nil), logger)
	default:
		now := w.clock.Now()
		poll := genjob.PollState{
			FirstPollAt: now,
			NextPollAt:  now.Add(w.cfg.PollBase),
			Interval:    w.cfg.PollBase,
		}
		if _, err := w.lifecycle.MarkProcessing(ctx, job, sub.ProviderJobID, poll); err != nil {
			logger.Warn("mark processing failed", zap.Error(err))
			return
		}
		logger.Info("job submitted", zap.String("provider_job_id", sub.ProviderJobID))
	}
}

// serveCached completes job from a cached result when the caller accepts
// one. It reports whether the job was settled or should be left alone.
func (w *Worker) serveCached(ctx context.Context, job genjob.Job, logger *zap.Logger) bool {
	if !job.PreferCached {
		return false
	}
	entry, hit, err := cache.Lookup(ctx, w.cache, job.CanonicalKey, job.ContentHash)
	if err != nil {
		logger.Warn("cache lookup failed", zap.Error(err))
		return false
	}
	if !hit {
		return false
	}
	metrics.ObserveCacheLookup("hit")
	if _, err := w.lifecycle.CompleteFromCache(ctx, job, entry); err != nil {
		logger.Warn("complete from cache failed", zap.Error(err))
	}
	return true
}

func (w *Worker) fail(ctx context.Context, job genjob.Job, err error, logger *zap.Logger) {
	if _, herr := w.lifecycle.HandleFailure(ctx, job, err); herr != nil {
		logger.Warn("failure handling lost race", zap.Error(herr))
	}
}

func dispatchable(job genjob.Job) bool {
	return job.Status == genjob.StatusPending ||
		(job.Status == genjob.StatusQueued && job.AccountID == "")
}
