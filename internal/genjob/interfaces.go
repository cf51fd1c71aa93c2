package genjob

import (
	"context"
	"time"
)

// JobStore persists generation jobs. Update is a compare-and-set on the stored
// status and version so concurrent workers, pollers and API calls never
// overwrite each other, even when a job has cycled back to an earlier status.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// Update replaces the stored job iff its current status equals expect and
	// its version equals job.Version, otherwise it returns ErrStaleJob. The
	// stored copy carries job.Version+1.
	Update(ctx context.Context, job Job, expect Status) error
	List(ctx context.Context, filter Filter) ([]Job, error)
	// ListDispatchable returns PENDING jobs and QUEUED jobs without an account,
	// highest priority first, oldest first within a priority.
	ListDispatchable(ctx context.Context, limit int) ([]Job, error)
	// ClaimDue leases PROCESSING jobs whose poll is due at now: each returned
	// job has Poll.LeasedUntil set to now+lease and its new version, so no other
	// poller sees it until the lease lapses or the holder writes it.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	// ListStaleQueued returns QUEUED jobs holding an account but no provider job
	// id whose reservation is older than before.
	ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]Job, error)
}

// QuotaChecker is the external collaborator consulted before a job is accepted.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, owner string, opType string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Waker is notified whenever dispatchable work may have appeared.
type Waker interface {
	Wake()
}

// AllowAll is a QuotaChecker that accepts every request.
type AllowAll struct{}

// CheckQuota always succeeds.
func (AllowAll) CheckQuota(context.Context, string, string) error { return nil }
