// Package genjob defines the core types shared across the scheduling subsystems.
package genjob

import (
	"slices"
	"time"
)

// Status represents the lifecycle state of a generation job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusFiltered   Status = "FILTERED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further automatic transition can leave the status.
// FAILED is terminal for the scheduler but may be re-opened by an explicit retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFiltered, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing,
		StatusCompleted, StatusFailed, StatusFiltered, StatusCancelled:
		return true
	default:
		return false
	}
}

// CacheStrategy selects how long a produced result may be reused.
type CacheStrategy string

// Supported cache strategies.
const (
	CacheOnce           CacheStrategy = "once"
	CachePerPlaythrough CacheStrategy = "per_playthrough"
	CachePerPlayer      CacheStrategy = "per_player"
	CacheAlways         CacheStrategy = "always"
)

// Valid reports whether the strategy is known.
func (c CacheStrategy) Valid() bool {
	switch c {
	case CacheOnce, CachePerPlaythrough, CachePerPlayer, CacheAlways:
		return true
	default:
		return false
	}
}

// Bypass reports whether the strategy skips cache reads and writes entirely.
func (c CacheStrategy) Bypass() bool {
	return c == CacheAlways
}

// ErrorKind classifies failures recorded on a job.
type ErrorKind string

// Error kinds recorded in ErrorInfo.
const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindFiltered  ErrorKind = "filtered"
	ErrorKindInvalid   ErrorKind = "invalid"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindInternal  ErrorKind = "internal"
)

// AccountSpecific reports whether a failure of this kind says something about the
// account that ran the job rather than about the request.
func (k ErrorKind) AccountSpecific() bool {
	switch k {
	case ErrorKindTransient, ErrorKindAuth, ErrorKindTimeout:
		return true
	default:
		return false
	}
}

// Request is a job submission as received from the routing layer.
type Request struct {
	OpType         string            `json:"op_type"`
	ProviderID     string            `json:"provider_id,omitempty"`
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Model          string            `json:"model,omitempty"`
	Purpose        string            `json:"purpose,omitempty"`
	SceneRefs      []string          `json:"scene_refs,omitempty"`
	Seed           int64             `json:"seed,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	CacheStrategy  CacheStrategy     `json:"cache_strategy,omitempty"`
	Owner          string            `json:"owner,omitempty"`
	PlaythroughID  string            `json:"playthrough_id,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	PreferCached   *bool             `json:"prefer_cached,omitempty"`
	MaxWaitSeconds int               `json:"max_wait_seconds,omitempty"`
}

// WantsCached reports whether a cache hit may satisfy the request.
func (r Request) WantsCached() bool {
	return r.PreferCached == nil || *r.PreferCached
}

// Canonical is the normalized, order-independent form of a Request.
type Canonical struct {
	OpType         string            `json:"op_type"`
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Model          string            `json:"model,omitempty"`
	Purpose        string            `json:"purpose"`
	SceneRefs      []string          `json:"scene_refs"`
	Seed           int64             `json:"seed"`
	Params         map[string]string `json:"params"`
	CacheStrategy  CacheStrategy     `json:"cache_strategy"`
	Scope          string            `json:"scope,omitempty"`
	SchemaVersion  string            `json:"schema_version"`
}

// ErrorInfo is the caller-facing summary of why a job did not complete.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	AccountID string    `json:"account_id,omitempty"`
	Attempt   int       `json:"attempt"`
}

// PollState carries the persisted backoff state of an in-flight job so polling can
// resume after a restart.
type PollState struct {
	Attempts    int       `json:"attempts"`
	FirstPollAt time.Time `json:"first_poll_at"`
	NextPollAt  time.Time `json:"next_poll_at"`
	// Interval is the delay that produced NextPollAt; growth resumes from it.
	Interval time.Duration `json:"interval"`
	Progress float64       `json:"progress"`
	// LeasedUntil is set while a poller holds the job; it is due again
	// afterwards if that poller never reports back.
	LeasedUntil time.Time `json:"leased_until,omitzero"`
}

// DueAt is when the job next becomes claimable by a poller.
func (p PollState) DueAt() time.Time {
	if p.LeasedUntil.After(p.NextPollAt) {
		return p.LeasedUntil
	}
	return p.NextPollAt
}

// Job represents the metadata persisted for each generation request.
type Job struct {
	ID            string        `json:"id"`
	CanonicalKey  string        `json:"canonical_key"`
	ContentHash   string        `json:"content_hash"`
	Status        Status        `json:"status"`
	OpType        string        `json:"op_type"`
	Owner         string        `json:"owner,omitempty"`
	ProviderID    string        `json:"provider_id"`
	AccountID     string        `json:"account_id,omitempty"`
	ProviderJobID string        `json:"provider_job_id,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	MaxAttempts   int           `json:"max_attempts"`
	Priority      int           `json:"priority"`
	CacheStrategy CacheStrategy `json:"cache_strategy"`
	PreferCached  bool          `json:"prefer_cached"`
	CacheHit      bool          `json:"cache_hit"`
	Canonical     Canonical     `json:"canonical"`
	MaxWait       time.Duration `json:"max_wait"`
	AvoidAccounts []string      `json:"avoid_accounts,omitempty"`
	Poll          PollState     `json:"poll"`
	ResultRef     string        `json:"result_ref,omitempty"`
	ErrorInfo     *ErrorInfo    `json:"error_info,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	QueuedAt      *time.Time    `json:"queued_at,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	// Version increments on every stored write; updates compare it so a stale
	// snapshot can never overwrite newer state.
	Version int64 `json:"version"`
}

// Avoid appends an account to the avoid list if it is not already present.
func (j *Job) Avoid(accountID string) {
	if accountID == "" || slices.Contains(j.AvoidAccounts, accountID) {
		return
	}
	j.AvoidAccounts = append(j.AvoidAccounts, accountID)
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (j Job) Clone() Job {
	cp := j
	cp.AvoidAccounts = slices.Clone(j.AvoidAccounts)
	cp.Canonical.SceneRefs = slices.Clone(j.Canonical.SceneRefs)
	if j.Canonical.Params != nil {
		cp.Canonical.Params = make(map[string]string, len(j.Canonical.Params))
		for k, v := range j.Canonical.Params {
			cp.Canonical.Params[k] = v
		}
	}
	if j.ErrorInfo != nil {
		info := *j.ErrorInfo
		cp.ErrorInfo = &info
	}
	cp.QueuedAt = cloneTime(j.QueuedAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	return cp
}

// Filter narrows a job listing.
type Filter struct {
	Status []Status
	OpType string
	Owner  string
	Limit  int
	Offset int
}

// Matches reports whether the job satisfies every populated field of the filter.
func (f Filter) Matches(j Job) bool {
	if len(f.Status) > 0 && !slices.Contains(f.Status, j.Status) {
		return false
	}
	if f.OpType != "" && f.OpType != j.OpType {
		return false
	}
	if f.Owner != "" && f.Owner != j.Owner {
		return false
	}
	return true
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return TimePtr(*t)
}
