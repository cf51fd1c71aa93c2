package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

// JobStore provides an in-memory genjob.JobStore for development and tests.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]genjob.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]genjob.Job)}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job genjob.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required: %w", genjob.ErrInvalidParams)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create %s: %w", job.ID, genjob.ErrJobExists)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (genjob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return genjob.Job{}, fmt.Errorf("get %s: %w", id, genjob.ErrNotFound)
	}
	return job.Clone(), nil
}

// Update replaces the stored job when its status still equals expect and its
// version still equals job.Version.
func (s *JobStore) Update(_ context.Context, job genjob.Job, expect genjob.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", job.ID, genjob.ErrNotFound)
	}
	if cur.Status != expect {
		return fmt.Errorf("update %s: status %s, want %s: %w", job.ID, cur.Status, expect, genjob.ErrStaleJob)
	}
	if cur.Version != job.Version {
		return fmt.Errorf("update %s: version %d, have %d: %w", job.ID, cur.Version, job.Version, genjob.ErrStaleJob)
	}
	next := job.Clone()
	next.Version++
	s.jobs[job.ID] = next
	return nil
}

// List returns jobs matching filter ordered by creation time.
func (s *JobStore) List(_ context.Context, filter genjob.Filter) ([]genjob.Job, error) {
	out := s.collect(filter.Matches, byCreated)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []genjob.Job{}, nil
		}
		out = out[filter.Offset:]
	}
	return truncate(out, filter.Limit), nil
}

// ListDispatchable returns jobs waiting for an account, highest priority first.
func (s *JobStore) ListDispatchable(_ context.Context, limit int) ([]genjob.Job, error) {
	out := s.collect(func(j genjob.Job) bool {
		return j.Status == genjob.StatusPending || (j.Status == genjob.StatusQueued && j.AccountID == "")
	}, func(a, b genjob.Job) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return byCreated(a, b)
	})
	return truncate(out, limit), nil
}

// ClaimDue leases PROCESSING jobs whose poll is due, earliest first.
func (s *JobStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]genjob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]genjob.Job, 0)
	for _, j := range s.jobs {
		if j.Status == genjob.StatusProcessing && !j.Poll.DueAt().After(now) {
			due = append(due, j)
		}
	}
	slices.SortFunc(due, func(a, b genjob.Job) int {
		return a.Poll.DueAt().Compare(b.Poll.DueAt())
	})
	due = truncate(due, limit)
	out := make([]genjob.Job, 0, len(due))
	for _, j := range due {
		j = j.Clone()
		j.Poll.LeasedUntil = now.Add(lease)
		j.Version++
		s.jobs[j.ID] = j
		out = append(out, j.Clone())
	}
	return out, nil
}

// ListStaleQueued returns reserved QUEUED jobs that never reached the provider.
func (s *JobStore) ListStaleQueued(_ context.Context, before time.Time, limit int) ([]genjob.Job, error) {
	out := s.collect(func(j genjob.Job) bool {
		return j.Status == genjob.StatusQueued && j.AccountID != "" && j.ProviderJobID == "" &&
			j.QueuedAt != nil && j.QueuedAt.Before(before)
	}, byCreated)
	return truncate(out, limit), nil
}

func (s *JobStore) collect(keep func(genjob.Job) bool, order func(a, b genjob.Job) int) []genjob.Job {
	s.mu.RLock()
	out := make([]genjob.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, order)
	return out
}

func byCreated(a, b genjob.Job) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func truncate(jobs []genjob.Job, limit int) []genjob.Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}
