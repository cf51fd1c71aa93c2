// Package poller tracks submitted jobs until the provider reports a terminal
// status, and recovers reservations orphaned by a crashed worker.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/cache"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/lifecycle"
	"github.com/JakeFAU/mediagen/internal/metrics"
	"github.com/JakeFAU/mediagen/internal/provider"
)

// Backoff is the status-check curve: Base until Threshold has elapsed since
// the first poll, then each delay is Multiplier times the previous one,
// capped at Max.
type Backoff struct {
	Base       time.Duration
	Threshold  time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff returns the stock curve.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       5 * time.Second,
		Threshold:  time.Minute,
		Multiplier: 1.5,
		Max:        30 * time.Second,
	}
}

// Next returns the delay before the next check given the time elapsed since
// the first poll and the previous delay.
func (b Backoff) Next(elapsed, prev time.Duration) time.Duration {
	if elapsed < b.Threshold || b.Multiplier <= 1 {
		return b.Base
	}
	if prev < b.Base {
		prev = b.Base
	}
	next := time.Duration(float64(prev) * b.Multiplier)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	return next
}

// Config controls the poll loop.
type Config struct {
	Backoff Backoff
	// Interval is how often due jobs are collected.
	Interval time.Duration
	// BatchSize bounds the jobs read per tick.
	BatchSize int
	// Concurrency bounds simultaneous status checks.
	Concurrency int
	// StaleAfter is how long a reservation may sit without a provider job id.
	StaleAfter time.Duration
	// LockTTL is the stampede lock lifetime refreshed on each check.
	LockTTL time.Duration
	// Lease is how long a claimed job stays hidden from other pollers. A job
	// whose check never finishes becomes due again once it lapses.
	Lease time.Duration
}

// Deps are the collaborators a Poller drives.
type Deps struct {
	Store     genjob.JobStore
	Cache     cache.Store
	Providers *provider.Registry
	Accounts  *account.Registry
	Lifecycle *lifecycle.Manager
	Clock     genjob.Clock
	Logger    *zap.Logger
}

// Poller checks PROCESSING jobs on their persisted schedule.
type Poller struct {
	store     genjob.JobStore
	cache     cache.Store
	providers *provider.Registry
	accounts  *account.Registry
	lifecycle *lifecycle.Manager
	clock     genjob.Clock
	cfg       Config
	logger    *zap.Logger

	tickMu sync.Mutex
}

// New constructs a Poller.
func New(deps Deps, cfg Config) *Poller {
	def := DefaultBackoff()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = def.Base
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = def.Multiplier
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = def.Max
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.LockTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:     deps.Store,
		cache:     deps.Cache,
		providers: deps.Providers,
		accounts:  deps.Accounts,
		lifecycle: deps.Lifecycle,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger.Named("poller"),
	}
}

// Run polls until the context finishes.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one recovery and poll pass. It returns the number of jobs checked.
func (p *Poller) Tick(ctx context.Context) int {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.RecoverStale(ctx)

	now := p.clock.Now()
	due, err := p.store.ClaimDue(ctx, now, p.cfg.Lease, p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("claim due jobs failed", zap.Error(err))
		}
		return 0
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, job := range due {
		g.Go(func() error {
			p.check(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// RecoverStale returns reservations older than StaleAfter that never reached
// the provider to PENDING.
func (p *Poller) RecoverStale(ctx context.Context) int {
	cutoff := p.clock.Now().Add(-p.cfg.StaleAfter)
	stale, err := p.store.ListStaleQueued(ctx, cutoff, p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("list stale reservations failed", zap.Error(err))
		}
		return 0
	}
	recovered := 0
	for _, job := range stale {
		if _, err := p.lifecycle.RecoverStale(ctx, job); err != nil {
			p.logger.Warn("stale recovery lost race", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered
}

func (p *Poller) check(ctx context.Context, job genjob.Job) {
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("provider_id", job.ProviderID),
		zap.String("account_id", job.AccountID),
	)
	now := p.clock.Now()
	metrics.ObservePollLag(job.ProviderID, now.Sub(job.Poll.NextPollAt))

	if job.MaxWait > 0 && job.StartedAt != nil && now.Sub(*job.StartedAt) >= job.MaxWait {
		logger.Warn("max wait exceeded", zap.Duration("max_wait", job.MaxWait))
		p.fail(ctx, job, provider.NewError(genjob.ErrorKindTimeout, "max wait exceeded", nil), logger)
		return
	}

	desc, err := p.providers.Lookup(job.ProviderID)
	if err != nil {
		p.fail(ctx, job, provider.NewError(genjob.ErrorKindInternal, "provider not registered", err), logger)
		return
	}
	acct, ok := p.accounts.Account(job.AccountID)
	if !ok {
		p.fail(ctx, job, provider.NewError(genjob.ErrorKindInternal, "account not registered", nil), logger)
		return
	}
	if !job.CacheStrategy.Bypass() {
		if _, err := p.cache.ExtendLock(ctx, job.CanonicalKey, job.ID, p.cfg.LockTTL); err != nil {
			logger.Warn("lock extend failed", zap.Error(err))
		}
	}

	report, err := desc.Adapter.CheckStatus(ctx, acct, job.ProviderJobID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		perr := provider.Classify(err)
		if perr.Kind == genjob.ErrorKindTransient {
			logger.Info("status check failed, will retry", zap.Error(err))
			p.reschedule(ctx, job, job.Poll.Progress, logger)
			return
		}
		p.fail(ctx, job, perr, logger)
		return
	}

	switch report.Status {
	case genjob.StatusCompleted:
		if _, err := p.lifecycle.Complete(ctx, job, report.ResultRef); err != nil {
			logger.Warn("complete lost race", zap.Error(err))
		}
	case genjob.StatusFiltered:
		perr := provider.NewError(genjob.ErrorKindFiltered, "content filtered by provider", nil)
		if report.Err != nil {
			perr.Message = report.Err.Message
		}
		p.fail(ctx, job, perr, logger)
	case genjob.StatusFailed:
		perr := report.Err
		if perr == nil {
			perr = provider.NewError(genjob.ErrorKindTransient, "provider reported failure", nil)
		}
		p.fail(ctx, job, perr, logger)
	default:
		p.reschedule(ctx, job, report.Progress, logger)
	}
}

func (p *Poller) reschedule(ctx context.Context, job genjob.Job, progress float64, logger *zap.Logger) {
	now := p.clock.Now()
	poll := job.Poll
	if poll.FirstPollAt.IsZero() {
		poll.FirstPollAt = now
	}
	delay := p.cfg.Backoff.Next(now.Sub(poll.FirstPollAt), poll.Interval)
	poll.Attempts++
	poll.Interval = delay
	poll.NextPollAt = now.Add(delay)
	poll.LeasedUntil = time.Time{}
	poll.Progress = progress
	if _, err := p.lifecycle.Reschedule(ctx, job, poll); err != nil {
		logger.Debug("reschedule lost race", zap.Error(err))
	}
}

func (p *Poller) fail(ctx context.Context, job genjob.Job, err error, logger *zap.Logger) {
	if _, herr := p.lifecycle.HandleFailure(ctx, job, err); herr != nil {
		logger.Warn("failure handling lost race", zap.Error(herr))
	}
}
