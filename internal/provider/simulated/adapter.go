// Package simulated provides a deterministic in-memory provider for development
// and tests. Jobs complete after a fixed number of status checks; failures can
// be scripted per account.
package simulated

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider"
)

// Statuses maps the simulator's internal codes onto canonical statuses.
var Statuses = provider.StatusMap{
	"queued":    genjob.StatusPending,
	"running":   genjob.StatusProcessing,
	"succeeded": genjob.StatusCompleted,
	"failed":    genjob.StatusFailed,
	"blocked":   genjob.StatusFiltered,
}

// Config tunes the simulator.
type Config struct {
	// PollsToComplete status checks are needed before a job succeeds. Zero
	// completes synchronously inside Execute.
	PollsToComplete int `mapstructure:"polls_to_complete"`
	// ResultPrefix prefixes produced result references.
	ResultPrefix string `mapstructure:"result_prefix"`
	// FilterTerms in a prompt make the job finish as blocked.
	FilterTerms []string `mapstructure:"filter_terms"`
}

type simJob struct {
	id        string
	opType    string
	accountID string
	polls     int
	blocked   bool
	failure   *provider.Error
}

// Adapter is the simulated provider.
type Adapter struct {
	cfg Config

	executions atomic.Int64
	checks     atomic.Int64

	mu              sync.Mutex
	seq             int
	jobs            map[string]*simJob
	executeFailures map[string][]error
	jobFailures     map[string][]*provider.Error
}

var _ provider.Adapter = (*Adapter)(nil)

// New returns a simulator.
func New(cfg Config) *Adapter {
	if cfg.ResultPrefix == "" {
		cfg.ResultPrefix = "sim://"
	}
	return &Adapter{
		cfg:             cfg,
		jobs:            make(map[string]*simJob),
		executeFailures: make(map[string][]error),
		jobFailures:     make(map[string][]*provider.Error),
	}
}

// FailNextExecute makes the next Execute on accountID return err.
func (a *Adapter) FailNextExecute(accountID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executeFailures[accountID] = append(a.executeFailures[accountID], err)
}

// FailNextJob makes the next job accepted on accountID finish as FAILED with err.
func (a *Adapter) FailNextJob(accountID string, err *provider.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobFailures[accountID] = append(a.jobFailures[accountID], err)
}

// Executions counts accepted and rejected Execute calls.
func (a *Adapter) Executions() int { return int(a.executions.Load()) }

// Checks counts CheckStatus calls.
func (a *Adapter) Checks() int { return int(a.checks.Load()) }

// Execute implements provider.Adapter.
func (a *Adapter) Execute(ctx context.Context, opType string, acct account.Account, params map[string]any) (provider.Submission, error) {
	a.executions.Add(1)
	if err := ctx.Err(); err != nil {
		return provider.Submission{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if queue := a.executeFailures[acct.ID]; len(queue) > 0 {
		a.executeFailures[acct.ID] = queue[1:]
		return provider.Submission{}, queue[0]
	}

	a.seq++
	job := &simJob{
		id:        fmt.Sprintf("sim-%d", a.seq),
		opType:    opType,
		accountID: acct.ID,
		blocked:   a.blocked(params),
	}
	if queue := a.jobFailures[acct.ID]; len(queue) > 0 {
		a.jobFailures[acct.ID] = queue[1:]
		job.failure = queue[0]
	}
	a.jobs[job.id] = job

	if a.cfg.PollsToComplete <= 0 {
		report := a.reportLocked(job, a.codeLocked(job, true))
		if report.Err != nil {
			return provider.Submission{}, report.Err
		}
		return provider.Submission{ProviderJobID: job.id, Status: report.Status, ResultRef: report.ResultRef}, nil
	}
	st, _ := Statuses.Resolve("queued")
	return provider.Submission{ProviderJobID: job.id, Status: st}, nil
}

// CheckStatus implements provider.Adapter.
func (a *Adapter) CheckStatus(ctx context.Context, _ account.Account, providerJobID string) (provider.StatusReport, error) {
	a.checks.Add(1)
	if err := ctx.Err(); err != nil {
		return provider.StatusReport{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[providerJobID]
	if !ok {
		return provider.StatusReport{}, provider.FromStatus(404, "unknown job "+providerJobID)
	}
	job.polls++
	return a.reportLocked(job, a.codeLocked(job, job.polls >= a.cfg.PollsToComplete)), nil
}

// MapParameters implements provider.Adapter.
func (a *Adapter) MapParameters(opType string, c genjob.Canonical) (map[string]any, error) {
	out := map[string]any{
		"op":     opType,
		"prompt": c.Prompt,
		"seed":   c.Seed,
	}
	if c.NegativePrompt != "" {
		out["negative_prompt"] = c.NegativePrompt
	}
	if len(c.SceneRefs) > 0 {
		out["scenes"] = c.SceneRefs
	}
	for k, v := range c.Params {
		out[k] = v
	}
	return out, nil
}

func (a *Adapter) codeLocked(job *simJob, done bool) string {
	switch {
	case !done:
		return "running"
	case job.blocked:
		return "blocked"
	case job.failure != nil:
		return "failed"
	default:
		return "succeeded"
	}
}

func (a *Adapter) reportLocked(job *simJob, code string) provider.StatusReport {
	st, _ := Statuses.Resolve(code)
	report := provider.StatusReport{Status: st}
	switch st {
	case genjob.StatusCompleted:
		report.Progress = 1
		report.ResultRef = fmt.Sprintf("%s%s/%s", a.cfg.ResultPrefix, job.opType, job.id)
	case genjob.StatusFiltered:
		report.Err = provider.NewError(genjob.ErrorKindFiltered, "prompt blocked by content policy", nil)
	case genjob.StatusFailed:
		report.Err = job.failure
	default:
		if a.cfg.PollsToComplete > 0 {
			report.Progress = float64(job.polls) / float64(a.cfg.PollsToComplete)
		}
	}
	return report
}

func (a *Adapter) blocked(params map[string]any) bool {
	prompt, _ := params["prompt"].(string)
	prompt = strings.ToLower(prompt)
	for _, term := range a.cfg.FilterTerms {
		if term != "" && strings.Contains(prompt, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
