package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

// Type names a lifecycle milestone.
type Type string

// Supported event types.
const (
	JobCreated   Type = "JOB_CREATED"
	JobStarted   Type = "JOB_STARTED"
	JobCompleted Type = "JOB_COMPLETED"
	JobFailed    Type = "JOB_FAILED"
	JobFiltered  Type = "JOB_FILTERED"
	JobCancelled Type = "JOB_CANCELLED"
	AssetCreated Type = "ASSET_CREATED"
)

// Terminal reports whether the event closes out a job.
func (t Type) Terminal() bool {
	switch t {
	case JobCompleted, JobFailed, JobFiltered, JobCancelled:
		return true
	default:
		return false
	}
}

// Event is a single lifecycle notification.
type Event struct {
	Type       Type             `json:"type"`
	JobID      string           `json:"job_id"`
	TS         time.Time        `json:"ts"`
	Status     genjob.Status    `json:"status"`
	OpType     string           `json:"op_type,omitempty"`
	Owner      string           `json:"owner,omitempty"`
	ProviderID string           `json:"provider_id,omitempty"`
	AccountID  string           `json:"account_id,omitempty"`
	Attempt    int              `json:"attempt,omitempty"`
	CacheHit   bool             `json:"cache_hit,omitempty"`
	ResultRef  string           `json:"result_ref,omitempty"`
	AssetURI   string           `json:"asset_uri,omitempty"`
	ErrorKind  genjob.ErrorKind `json:"error_kind,omitempty"`
	Message    string           `json:"message,omitempty"`
	// Dur is the time from creation to the event, set on terminal events.
	Dur time.Duration `json:"duration_ns,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case JobCreated, JobStarted, JobCompleted, JobFailed, JobFiltered, JobCancelled:
	case AssetCreated:
		if e.AssetURI == "" && e.ResultRef == "" {
			return errors.New("asset event requires a uri or result ref")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// FromJob builds an event of type t describing job at ts.
func FromJob(t Type, job genjob.Job, ts time.Time) Event {
	evt := Event{
		Type:       t,
		JobID:      job.ID,
		TS:         ts,
		Status:     job.Status,
		OpType:     job.OpType,
		Owner:      job.Owner,
		ProviderID: job.ProviderID,
		AccountID:  job.AccountID,
		Attempt:    job.AttemptCount,
		CacheHit:   job.CacheHit,
		ResultRef:  job.ResultRef,
	}
	if job.ErrorInfo != nil {
		evt.ErrorKind = job.ErrorInfo.Kind
		evt.Message = job.ErrorInfo.Message
	}
	if t.Terminal() && !job.CreatedAt.IsZero() && ts.After(job.CreatedAt) {
		evt.Dur = ts.Sub(job.CreatedAt)
	}
	return evt
}

// TerminalType maps a terminal job status to its event type.
func TerminalType(s genjob.Status) (Type, bool) {
	switch s {
	case genjob.StatusCompleted:
		return JobCompleted, true
	case genjob.StatusFailed:
		return JobFailed, true
	case genjob.StatusFiltered:
		return JobFiltered, true
	case genjob.StatusCancelled:
		return JobCancelled, true
	default:
		return "", false
	}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Emit(Event)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Emit implements Publisher.
func (Discard) Emit(Event) {}
