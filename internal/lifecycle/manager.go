// Package lifecycle owns every job state transition: admission, retry and
// cancel from callers, and the assignment and settlement steps driven by the
// worker and poller.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/cache"
	"github.com/JakeFAU/mediagen/internal/cachekey"
	"github.com/JakeFAU/mediagen/internal/events"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/metrics"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/storage"
)

// Config holds lifecycle policy.
type Config struct {
	// MaxAttempts bounds automatic requeues of a job, counting the first attempt.
	MaxAttempts int
	// DefaultMaxWait applies when neither the request nor the provider sets one.
	DefaultMaxWait time.Duration
	// AssetPrefix is the blob path prefix for completion manifests.
	AssetPrefix string
	// CancelRetries bounds how often Cancel re-reads a job that moved underneath it.
	CancelRetries int
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Store     genjob.JobStore
	Cache     cache.Store
	TTL       cache.TTLTable
	Keys      *cachekey.Builder
	Providers *provider.Registry
	Accounts  *account.Registry
	Quota     genjob.QuotaChecker
	IDs       genjob.IDGenerator
	Clock     genjob.Clock
	Events    events.Publisher
	// Blobs is optional; without it no manifests are written.
	Blobs  storage.BlobStore
	Logger *zap.Logger
}

// Manager implements the job lifecycle.
type Manager struct {
	store     genjob.JobStore
	cache     cache.Store
	ttl       cache.TTLTable
	keys      *cachekey.Builder
	providers *provider.Registry
	accounts  *account.Registry
	quota     genjob.QuotaChecker
	ids       genjob.IDGenerator
	clock     genjob.Clock
	events    events.Publisher
	blobs     storage.BlobStore
	cfg       Config
	logger    *zap.Logger

	lookups singleflight.Group

	wakeMu sync.RWMutex
	wakers []genjob.Waker
}

// New validates deps and returns a Manager.
func New(deps Deps, cfg Config) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("job store is required")
	case deps.Cache == nil:
		return nil, errors.New("cache store is required")
	case deps.Keys == nil:
		return nil, errors.New("key builder is required")
	case deps.Providers == nil:
		return nil, errors.New("provider registry is required")
	case deps.Accounts == nil:
		return nil, errors.New("account registry is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.TTL == nil {
		deps.TTL = cache.DefaultTTLTable()
	}
	if deps.Quota == nil {
		deps.Quota = genjob.AllowAll{}
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultMaxWait <= 0 {
		cfg.DefaultMaxWait = 30 * time.Minute
	}
	if cfg.CancelRetries <= 0 {
		cfg.CancelRetries = 3
	}
	return &Manager{
		store:     deps.Store,
		cache:     deps.Cache,
		ttl:       deps.TTL,
		keys:      deps.Keys,
		providers: deps.Providers,
		accounts:  deps.Accounts,
		quota:     deps.Quota,
		ids:       deps.IDs,
		clock:     deps.Clock,
		events:    deps.Events,
		blobs:     deps.Blobs,
		cfg:       cfg,
		logger:    deps.Logger.Named("lifecycle"),
	}, nil
}

// AddWaker registers a listener notified whenever dispatchable work appears.
func (m *Manager) AddWaker(w genjob.Waker) {
	m.wakeMu.Lock()
	m.wakers = append(m.wakers, w)
	m.wakeMu.Unlock()
}

func (m *Manager) wake() {
	m.wakeMu.RLock()
	defer m.wakeMu.RUnlock()
	for _, w := range m.wakers {
		w.Wake()
	}
}

// Create admits a request. A live cache entry completes the job immediately
// without touching any account; otherwise the job is persisted PENDING.
func (m *Manager) Create(ctx context.Context, req genjob.Request) (genjob.Job, error) {
	if err := m.quota.CheckQuota(ctx, req.Owner, req.OpType); err != nil {
		return genjob.Job{}, fmt.Errorf("check quota: %w", err)
	}
	canon, err := m.keys.Canonicalize(req)
	if err != nil {
		return genjob.Job{}, err
	}
	desc, err := m.resolveProvider(req.ProviderID, canon.OpType)
	if err != nil {
		return genjob.Job{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return genjob.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	now := m.clock.Now()
	job := genjob.Job{
		ID:            id,
		CanonicalKey:  m.keys.ComputeKey(canon),
		ContentHash:   m.keys.ComputeContentHash(canon),
		Status:        genjob.StatusPending,
		OpType:        canon.OpType,
		Owner:         req.Owner,
		ProviderID:    desc.ID,
		AttemptCount:  1,
		MaxAttempts:   m.cfg.MaxAttempts,
		Priority:      req.Priority,
		CacheStrategy: canon.CacheStrategy,
		PreferCached:  req.WantsCached(),
		Canonical:     canon,
		MaxWait:       m.maxWait(req, desc),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	logger := m.logger.With(zap.String("job_id", job.ID), zap.String("key", job.CanonicalKey))

	if entry, hit := m.cachedResult(ctx, job, logger); hit {
		job.Status = genjob.StatusCompleted
		job.CacheHit = true
		job.ResultRef = entry.ResultRef
		job.CompletedAt = genjob.TimePtr(now)
		if err := m.store.Create(ctx, job); err != nil {
			return genjob.Job{}, fmt.Errorf("persist job: %w", err)
		}
		metrics.ObserveJob(string(job.Status))
		m.events.Emit(events.FromJob(events.JobCreated, job, now))
		m.events.Emit(events.FromJob(events.JobCompleted, job, now))
		logger.Info("job served from cache", zap.String("result_ref", job.ResultRef))
		return job, nil
	}

	if err := m.store.Create(ctx, job); err != nil {
		return genjob.Job{}, fmt.Errorf("persist job: %w", err)
	}
	metrics.ObserveJob(string(job.Status))
	m.events.Emit(events.FromJob(events.JobCreated, job, now))
	logger.Debug("job admitted", zap.String("provider_id", job.ProviderID))
	m.wake()
	return job, nil
}

// Get fetches a job.
func (m *Manager) Get(ctx context.Context, id string) (genjob.Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return genjob.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Query lists jobs matching filter.
func (m *Manager) Query(ctx context.Context, filter genjob.Filter) ([]genjob.Job, error) {
	jobs, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Retry reopens a FAILED job as a new attempt on the same canonical key.
func (m *Manager) Retry(ctx context.Context, id string) (genjob.Job, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return genjob.Job{}, err
	}
	if job.Status != genjob.StatusFailed {
		return genjob.Job{}, fmt.Errorf("retry %s: %w: status %s", id, genjob.ErrInvalidStateTransition, job.Status)
	}
	if job.ErrorInfo != nil && job.ErrorInfo.Kind.AccountSpecific() {
		job.Avoid(job.AccountID)
	}
	job.Status = genjob.StatusQueued
	job.AttemptCount++
	job.AccountID = ""
	job.ProviderJobID = ""
	job.ErrorInfo = nil
	job.Poll = genjob.PollState{}
	job.QueuedAt = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = m.clock.Now()
	if err := m.save(ctx, &job, genjob.StatusFailed); err != nil {
		return genjob.Job{}, fmt.Errorf("retry %s: %w", id, err)
	}
	metrics.ObserveJob(string(job.Status))
	m.logger.Info("job retried",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.AttemptCount),
		zap.Strings("avoid_accounts", job.AvoidAccounts),
	)
	m.wake()
	return job, nil
}

// Cancel stops a job that has not reached a terminal state. PROCESSING jobs are
// cancelled locally only; the provider-side work is left running.
func (m *Manager) Cancel(ctx context.Context, id string) (genjob.Job, error) {
	for range m.cfg.CancelRetries {
		job, err := m.Get(ctx, id)
		if err != nil {
			return genjob.Job{}, err
		}
		prev := job.Status
		if err := genjob.CheckTransition(prev, genjob.StatusCancelled); err != nil {
			return genjob.Job{}, fmt.Errorf("cancel %s: %w", id, err)
		}
		now := m.clock.Now()
		job.Status = genjob.StatusCancelled
		job.CompletedAt = genjob.TimePtr(now)
		job.UpdatedAt = now
		err = m.save(ctx, &job, prev)
		if errors.Is(err, genjob.ErrStaleJob) {
			continue
		}
		if err != nil {
			return genjob.Job{}, fmt.Errorf("cancel %s: %w", id, err)
		}
		metrics.ObserveJob(string(job.Status))
		m.releaseAccount(ctx, job.AccountID, prev)
		m.releaseLock(ctx, job)
		m.events.Emit(events.FromJob(events.JobCancelled, job, now))
		m.logger.Info("job cancelled", zap.String("job_id", id), zap.String("from", string(prev)))
		return job, nil
	}
	return genjob.Job{}, fmt.Errorf("cancel %s: %w", id, genjob.ErrStaleJob)
}

func (m *Manager) resolveProvider(id, opType string) (provider.Descriptor, error) {
	if id == "" {
		d, err := m.providers.ForOperation(opType)
		if err != nil {
			return provider.Descriptor{}, fmt.Errorf("%w: %w", genjob.ErrInvalidParams, err)
		}
		return d, nil
	}
	d, err := m.providers.Lookup(id)
	if err != nil {
		return provider.Descriptor{}, fmt.Errorf("%w: %w", genjob.ErrInvalidParams, err)
	}
	if !m.providers.Supports(id, opType) {
		return provider.Descriptor{}, fmt.Errorf("%w: provider %s does not support %s", genjob.ErrInvalidParams, id, opType)
	}
	return d, nil
}

func (m *Manager) maxWait(req genjob.Request, d provider.Descriptor) time.Duration {
	switch {
	case req.MaxWaitSeconds > 0:
		return time.Duration(req.MaxWaitSeconds) * time.Second
	case d.Capabilities.DefaultMaxWait > 0:
		return d.Capabilities.DefaultMaxWait
	default:
		return m.cfg.DefaultMaxWait
	}
}

type lookupResult struct {
	entry cache.Entry
	hit   bool
}

// cachedResult consults the cache unless the job opted out. Concurrent lookups
// for one key share a single round trip. Cache errors degrade to a miss.
func (m *Manager) cachedResult(ctx context.Context, job genjob.Job, logger *zap.Logger) (cache.Entry, bool) {
	if job.CacheStrategy.Bypass() {
		metrics.ObserveCacheLookup("bypass")
		return cache.Entry{}, false
	}
	if !job.PreferCached {
		metrics.ObserveCacheLookup("skipped")
		return cache.Entry{}, false
	}
	v, err, _ := m.lookups.Do(job.CanonicalKey, func() (any, error) {
		entry, hit, err := cache.Lookup(ctx, m.cache, job.CanonicalKey, job.ContentHash)
		return lookupResult{entry: entry, hit: hit}, err
	})
	if err != nil {
		metrics.ObserveCacheLookup("error")
		logger.Warn("cache lookup failed", zap.Error(err))
		return cache.Entry{}, false
	}
	res, _ := v.(lookupResult)
	if !res.hit {
		metrics.ObserveCacheLookup("miss")
		return cache.Entry{}, false
	}
	if res.entry.Key == job.CanonicalKey {
		metrics.ObserveCacheLookup("hit")
	} else {
		metrics.ObserveCacheLookup("hash_hit")
	}
	return res.entry, true
}
