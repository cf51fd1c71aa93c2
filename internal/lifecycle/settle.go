package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/cache"
	"github.com/JakeFAU/mediagen/internal/events"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/metrics"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/storage"
)

// Assign records a reserved account on a dispatchable job and moves it to
// QUEUED. The caller owns the reservation until Assign succeeds.
func (m *Manager) Assign(ctx context.Context, job genjob.Job, acct account.Account) (genjob.Job, error) {
	prev := job.Status
	switch {
	case prev == genjob.StatusQueued && job.AccountID == "":
	case prev == genjob.StatusPending:
	default:
		return genjob.Job{}, fmt.Errorf("assign %s: %w: status %s account %q",
			job.ID, genjob.ErrInvalidStateTransition, prev, job.AccountID)
	}
	now := m.clock.Now()
	job.Status = genjob.StatusQueued
	job.AccountID = acct.ID
	job.QueuedAt = genjob.TimePtr(now)
	job.UpdatedAt = now
	if err := m.save(ctx, &job, prev); err != nil {
		return genjob.Job{}, fmt.Errorf("assign %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Status))
	return job, nil
}

// MarkProcessing records the provider job id and first poll time after a
// successful submission.
func (m *Manager) MarkProcessing(ctx context.Context, job genjob.Job, providerJobID string, nextPoll genjob.PollState) (genjob.Job, error) {
	prev := job.Status
	if err := genjob.CheckTransition(prev, genjob.StatusProcessing); err != nil {
		return genjob.Job{}, err
	}
	now := m.clock.Now()
	job.Status = genjob.StatusProcessing
	job.ProviderJobID = providerJobID
	job.StartedAt = genjob.TimePtr(now)
	job.Poll = nextPoll
	job.UpdatedAt = now
	if err := m.save(ctx, &job, prev); err != nil {
		return genjob.Job{}, fmt.Errorf("mark processing %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Status))
	m.events.Emit(events.FromJob(events.JobStarted, job, now))
	return job, nil
}

// Reschedule persists new poll state for a PROCESSING job.
func (m *Manager) Reschedule(ctx context.Context, job genjob.Job, poll genjob.PollState) (genjob.Job, error) {
	job.Poll = poll
	job.UpdatedAt = m.clock.Now()
	if err := m.save(ctx, &job, genjob.StatusProcessing); err != nil {
		return genjob.Job{}, fmt.Errorf("reschedule %s: %w", job.ID, err)
	}
	return job, nil
}

// Complete settles a job with a produced result: the job is marked COMPLETED,
// the result cached under the strategy TTL, the account slot and stampede lock
// released, and JOB_COMPLETED plus ASSET_CREATED emitted.
func (m *Manager) Complete(ctx context.Context, job genjob.Job, resultRef string) (genjob.Job, error) {
	prev := job.Status
	if err := genjob.CheckTransition(prev, genjob.StatusCompleted); err != nil {
		return genjob.Job{}, err
	}
	now := m.clock.Now()
	job.Status = genjob.StatusCompleted
	job.ResultRef = resultRef
	job.ErrorInfo = nil
	job.Poll.Progress = 1
	job.CompletedAt = genjob.TimePtr(now)
	job.UpdatedAt = now
	if err := m.save(ctx, &job, prev); err != nil {
		return genjob.Job{}, fmt.Errorf("complete %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Status))
	logger := m.logger.With(zap.String("job_id", job.ID), zap.String("account_id", job.AccountID))

	if ttl, ok := m.ttl.TTL(job.CacheStrategy); ok {
		entry := cache.Entry{
			Key:         job.CanonicalKey,
			ContentHash: job.ContentHash,
			ResultRef:   resultRef,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := m.cache.Put(ctx, entry, ttl); err != nil {
			logger.Warn("cache put failed", zap.Error(err))
		}
	}
	m.releaseAccount(ctx, job.AccountID, prev)
	m.releaseLock(ctx, job)
	m.events.Emit(events.FromJob(events.JobCompleted, job, now))
	m.emitAsset(ctx, job, logger)
	logger.Info("job completed", zap.String("result_ref", resultRef))
	return job, nil
}

// CompleteFromCache settles a dispatchable job whose result appeared in the
// cache after admission. No account is involved.
func (m *Manager) CompleteFromCache(ctx context.Context, job genjob.Job, entry cache.Entry) (genjob.Job, error) {
	prev := job.Status
	if err := genjob.CheckTransition(prev, genjob.StatusCompleted); err != nil {
		return genjob.Job{}, err
	}
	now := m.clock.Now()
	job.Status = genjob.StatusCompleted
	job.CacheHit = true
	job.ResultRef = entry.ResultRef
	job.CompletedAt = genjob.TimePtr(now)
	job.UpdatedAt = now
	if err := m.save(ctx, &job, prev); err != nil {
		return genjob.Job{}, fmt.Errorf("complete %s from cache: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Status))
	m.releaseAccount(ctx, job.AccountID, prev)
	m.releaseLock(ctx, job)
	m.events.Emit(events.FromJob(events.JobCompleted, job, now))
	m.logger.Debug("job completed from cache", zap.String("job_id", job.ID))
	return job, nil
}

// HandleFailure classifies err and either requeues the job onto another
// account or settles it terminally. It returns the resulting job.
func (m *Manager) HandleFailure(ctx context.Context, job genjob.Job, err error) (genjob.Job, error) {
	perr := provider.Classify(err)
	if perr == nil {
		return job, nil
	}
	acct, hasAcct := m.accounts.Account(job.AccountID)
	info := &genjob.ErrorInfo{
		Kind:      perr.Kind,
		Message:   perr.Message,
		AccountID: job.AccountID,
		Attempt:   job.AttemptCount,
	}
	attemptsLeft := job.AttemptCount < job.MaxAttempts

	switch perr.Kind {
	case genjob.ErrorKindFiltered:
		return m.terminate(ctx, job, genjob.StatusFiltered, info)
	case genjob.ErrorKindTransient:
		if hasAcct {
			m.accounts.RecordOutcome(ctx, acct, false, 0)
		}
		if attemptsLeft {
			return m.requeue(ctx, job, info)
		}
	case genjob.ErrorKindAuth:
		if hasAcct {
			m.accounts.ForceCooldown(ctx, acct)
		}
		if attemptsLeft && m.accounts.HasAlternative(ctx, job.ProviderID, job.AccountID) {
			return m.requeue(ctx, job, info)
		}
	}
	return m.terminate(ctx, job, genjob.StatusFailed, info)
}

// RecoverStale returns a QUEUED job whose worker never submitted it to
// PENDING and frees its slot.
func (m *Manager) RecoverStale(ctx context.Context, job genjob.Job) (genjob.Job, error) {
	if job.Status != genjob.StatusQueued || job.AccountID == "" || job.ProviderJobID != "" {
		return job, nil
	}
	accountID := job.AccountID
	job.Status = genjob.StatusPending
	job.AccountID = ""
	job.QueuedAt = nil
	job.UpdatedAt = m.clock.Now()
	if err := m.save(ctx, &job, genjob.StatusQueued); err != nil {
		return genjob.Job{}, fmt.Errorf("recover %s: %w", job.ID, err)
	}
	m.releaseAccount(ctx, accountID, genjob.StatusQueued)
	m.logger.Warn("recovered stale reservation", zap.String("job_id", job.ID), zap.String("account_id", accountID))
	m.wake()
	return job, nil
}

// Abandon returns a dispatchable job to PENDING without counting an attempt,
// releasing the reservation it was assigned. Used when submission could not
// start for reasons unrelated to the provider.
func (m *Manager) Abandon(ctx context.Context, job genjob.Job) error {
	_, err := m.RecoverStale(ctx, job)
	return err
}

func (m *Manager) requeue(ctx context.Context, job genjob.Job, info *genjob.ErrorInfo) (genjob.Job, error) {
	prev := job.Status
	accountID := job.AccountID
	job.Avoid(accountID)
	job.Status = genjob.StatusPending
	job.AttemptCount++
	job.AccountID = ""
	job.ProviderJobID = ""
	job.Poll = genjob.PollState{}
	job.QueuedAt = nil
	job.StartedAt = nil
	job.ErrorInfo = info
	job.UpdatedAt = m.clock.Now()
	if err := m.save(ctx, &job, prev); err != nil {
		return genjob.Job{}, fmt.Errorf("requeue %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Status))
	m.releaseAccount(ctx, accountID, prev)
	m.logger.Info("job requeued",
		zap.String("job_id", job.ID),
		zap.String("account_id", accountID),
		zap.String("error_kind", string(info.Kind)),
		zap.Int("attempt", job.AttemptCount),
	)
	m.wake()
	return job, nil
}

func (m *Manager) terminate(ctx context.Context, job genjob.Job, status genjob.Status, info *genjob.ErrorInfo) (genjob.Job, error) {
	prev := job.Status
	if err := genjob.CheckTransition(prev, status); err != nil {
		return genjob.Job{}, err
	}
	now := m.clock.Now()
	job.Status = status
	job.ErrorInfo = info
	job.CompletedAt = genjob.TimePtr(now)
	job.UpdatedAt = now
	if err := m.save(ctx, &job, prev); err != nil {
		return genjob.Job{}, fmt.Errorf("settle %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Status))
	m.releaseAccount(ctx, job.AccountID, prev)
	m.releaseLock(ctx, job)
	if t, ok := events.TerminalType(status); ok {
		m.events.Emit(events.FromJob(t, job, now))
	}
	m.logger.Warn("job settled without result",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.String("error_kind", string(info.Kind)),
		zap.String("message", info.Message),
	)
	return job, nil
}

// save writes job if the stored copy still has status expect and job's
// version, then advances job to the stored version.
func (m *Manager) save(ctx context.Context, job *genjob.Job, expect genjob.Status) error {
	if err := m.store.Update(ctx, *job, expect); err != nil {
		return err
	}
	job.Version++
	return nil
}

// releaseAccount frees the slot held by a job leaving prev. Only QUEUED and
// PROCESSING jobs hold reservations.
func (m *Manager) releaseAccount(ctx context.Context, accountID string, prev genjob.Status) {
	if accountID == "" || (prev != genjob.StatusQueued && prev != genjob.StatusProcessing) {
		return
	}
	acct, ok := m.accounts.Account(accountID)
	if !ok {
		m.logger.Error("release for unknown account", zap.String("account_id", accountID))
		return
	}
	if err := m.accounts.Release(ctx, acct); err != nil {
		m.logger.Error("account release failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (m *Manager) releaseLock(ctx context.Context, job genjob.Job) {
	if job.CacheStrategy.Bypass() {
		return
	}
	if _, err := m.cache.ReleaseLock(ctx, job.CanonicalKey, job.ID); err != nil {
		m.logger.Warn("lock release failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) emitAsset(ctx context.Context, job genjob.Job, logger *zap.Logger) {
	now := m.clock.Now()
	evt := events.FromJob(events.AssetCreated, job, now)
	if m.blobs != nil {
		uri, err := storage.WriteManifest(ctx, m.blobs, m.cfg.AssetPrefix, storage.Manifest{
			JobID:       job.ID,
			Key:         job.CanonicalKey,
			ContentHash: job.ContentHash,
			OpType:      job.OpType,
			ProviderID:  job.ProviderID,
			AccountID:   job.AccountID,
			ResultRef:   job.ResultRef,
			CompletedAt: now,
		})
		if err != nil {
			logger.Warn("asset manifest write failed", zap.Error(err))
		}
		evt.AssetURI = uri
	}
	m.events.Emit(evt)
}
