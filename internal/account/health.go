package account

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

// HealthPolicy configures failure tracking.
type HealthPolicy struct {
	// FailureThreshold failures inside Window put the account into cooldown.
	FailureThreshold int
	Window           time.Duration
	// BaseCooldown doubles with every consecutive violation up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	// BlacklistAfter violations remove the account until an operator intervenes.
	// Zero disables blacklisting.
	BlacklistAfter int
}

// DefaultHealthPolicy returns the stock policy: 5 failures in 10 minutes.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		FailureThreshold: 5,
		Window:           10 * time.Minute,
		BaseCooldown:     time.Minute,
		MaxCooldown:      30 * time.Minute,
		BlacklistAfter:   5,
	}
}

// Normalized fills zero fields from DefaultHealthPolicy.
func (p HealthPolicy) Normalized() HealthPolicy {
	def := DefaultHealthPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.Window <= 0 {
		p.Window = def.Window
	}
	if p.BaseCooldown <= 0 {
		p.BaseCooldown = def.BaseCooldown
	}
	if p.MaxCooldown < p.BaseCooldown {
		p.MaxCooldown = p.BaseCooldown
	}
	return p
}

// Cooldown returns the exclusion period for the given violation count.
func (p HealthPolicy) Cooldown(violations int) time.Duration {
	backoff := p.BaseCooldown
	for i := 1; i < violations && backoff < p.MaxCooldown; i++ {
		backoff *= 2
	}
	return min(backoff, p.MaxCooldown)
}

// Blacklists reports whether violations is enough to blacklist.
func (p HealthPolicy) Blacklists(violations int) bool {
	return p.BlacklistAfter > 0 && violations >= p.BlacklistAfter
}

// HealthTracker records provider outcomes per account and decides when an
// account sits out. Shared implementations let every replica see the same
// cooldowns.
type HealthTracker interface {
	// RecordOutcome updates latency and the failure window. It reports
	// whether this outcome started a cooldown.
	RecordOutcome(ctx context.Context, accountID string, success bool, latencyMs int64) (bool, error)
	// ForceCooldown puts the account into cooldown regardless of its window.
	ForceCooldown(ctx context.Context, accountID string) error
	// Available reports whether the account may take new work now.
	Available(ctx context.Context, accountID string) (bool, error)
	// Status returns a snapshot for reporting and selection.
	Status(ctx context.Context, accountID string) (HealthStatus, error)
}

// HealthStatus is a point-in-time view of an account's health.
type HealthStatus struct {
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
	LastLatencyMs  int64     `json:"last_latency_ms"`
	Blacklisted    bool      `json:"blacklisted"`
	RecentFailures int       `json:"recent_failures"`
	Violations     int       `json:"violations"`
}

type healthState struct {
	failures      []time.Time
	violations    int
	cooldownUntil time.Time
	lastLatencyMs int64
	blacklisted   bool
}

// Health keeps rolling failure windows per account in process memory.
type Health struct {
	policy HealthPolicy
	clock  genjob.Clock

	mu     sync.Mutex
	states map[string]*healthState
}

var _ HealthTracker = (*Health)(nil)

// NewHealth builds a tracker. Zero policy fields fall back to the defaults.
func NewHealth(policy HealthPolicy, clk genjob.Clock) *Health {
	return &Health{policy: policy.Normalized(), clock: clk, states: make(map[string]*healthState)}
}

// RecordOutcome implements HealthTracker.
func (h *Health) RecordOutcome(_ context.Context, accountID string, success bool, latencyMs int64) (bool, error) {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(accountID)
	if latencyMs > 0 {
		st.lastLatencyMs = latencyMs
	}
	st.failures = pruneBefore(st.failures, now.Add(-h.policy.Window))
	if success {
		return false, nil
	}
	st.failures = append(st.failures, now)
	if len(st.failures) < h.policy.FailureThreshold {
		return false, nil
	}
	h.violateLocked(st, now)
	return true, nil
}

// ForceCooldown implements HealthTracker.
func (h *Health) ForceCooldown(_ context.Context, accountID string) error {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.violateLocked(h.stateLocked(accountID), now)
	return nil
}

// Available implements HealthTracker.
func (h *Health) Available(_ context.Context, accountID string) (bool, error) {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[accountID]
	if !ok {
		return true, nil
	}
	return !st.blacklisted && !now.Before(st.cooldownUntil), nil
}

// Status implements HealthTracker.
func (h *Health) Status(_ context.Context, accountID string) (HealthStatus, error) {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[accountID]
	if !ok {
		return HealthStatus{}, nil
	}
	return HealthStatus{
		CooldownUntil:  st.cooldownUntil,
		LastLatencyMs:  st.lastLatencyMs,
		Blacklisted:    st.blacklisted,
		RecentFailures: len(pruneBefore(st.failures, now.Add(-h.policy.Window))),
		Violations:     st.violations,
	}, nil
}

// Reset clears cooldown, blacklist and failure history.
func (h *Health) Reset(accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, accountID)
}

func (h *Health) stateLocked(accountID string) *healthState {
	st, ok := h.states[accountID]
	if !ok {
		st = &healthState{}
		h.states[accountID] = st
	}
	return st
}

func (h *Health) violateLocked(st *healthState, now time.Time) {
	st.violations++
	st.failures = st.failures[:0]
	st.cooldownUntil = now.Add(h.policy.Cooldown(st.violations))
	if h.policy.Blacklists(st.violations) {
		st.blacklisted = true
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
