package account

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/metrics"
)

// Status is a reporting view of one account.
type Status struct {
	Account  Account      `json:"account"`
	Capacity int          `json:"capacity"`
	InFlight int          `json:"inflight"`
	Health   HealthStatus `json:"health"`
}

// Registry owns the configured accounts of every provider and mediates all slot
// reservations.
type Registry struct {
	counter  Counter
	health   HealthTracker
	selector *Selector
	logger   *zap.Logger

	mu        sync.RWMutex
	limits    map[string]Limits
	accounts  map[string][]Account
	byID      map[string]Account
	listeners []func(Account)
}

// NewRegistry wires a registry over the given counter and health tracker.
func NewRegistry(counter Counter, health HealthTracker, selector *Selector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		counter:  counter,
		health:   health,
		selector: selector,
		logger:   logger.Named("accounts"),
		limits:   make(map[string]Limits),
		accounts: make(map[string][]Account),
		byID:     make(map[string]Account),
	}
}

// Register adds a provider and its accounts in configuration order. For
// single-account providers only the first account is ever selected.
func (r *Registry) Register(l Limits, accounts []Account) error {
	if l.ProviderID == "" {
		return errors.New("provider id is required")
	}
	if l.DefaultConcurrency <= 0 {
		return fmt.Errorf("provider %s: default concurrency must be positive", l.ProviderID)
	}
	if l.ProConcurrency <= 0 {
		l.ProConcurrency = l.DefaultConcurrency
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.limits[l.ProviderID]; exists {
		return fmt.Errorf("provider %s already registered", l.ProviderID)
	}
	list := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		if a.ID == "" {
			return fmt.Errorf("provider %s: account id is required", l.ProviderID)
		}
		if _, dup := r.byID[a.ID]; dup {
			return fmt.Errorf("account %s registered twice", a.ID)
		}
		a.ProviderID = l.ProviderID
		if a.Tier == "" {
			a.Tier = TierStandard
		}
		r.byID[a.ID] = a
		list = append(list, a)
	}
	r.limits[l.ProviderID] = l
	r.accounts[l.ProviderID] = list
	return nil
}

// Limits returns the capacity rules of a provider.
func (r *Registry) Limits(providerID string) (Limits, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limits[providerID]
	return l, ok
}

// Account looks up an account by id.
func (r *Registry) Account(id string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// Accounts returns the accounts selection may consider for a provider.
func (r *Registry) Accounts(providerID string) []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.accounts[providerID]
	if l, ok := r.limits[providerID]; ok && !l.MultiAccount && len(list) > 1 {
		list = list[:1]
	}
	return append([]Account(nil), list...)
}

// OnRelease registers fn to run after every successful release.
func (r *Registry) OnRelease(fn func(Account)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// ListEligible returns the accounts that are active, not blacklisted, not
// cooling down and have a free slot.
func (r *Registry) ListEligible(ctx context.Context, providerID, opType string) ([]Candidate, error) {
	l, ok := r.Limits(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", genjob.ErrUnknownProvider, providerID)
	}
	if !l.Supports(opType) {
		return nil, fmt.Errorf("%w: provider %s does not support %s", genjob.ErrInvalidParams, providerID, opType)
	}
	var out []Candidate
	for _, a := range r.Accounts(providerID) {
		if !a.Active {
			continue
		}
		ok, err := r.health.Available(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("read health for %s: %w", a.ID, err)
		}
		if !ok {
			continue
		}
		inflight, err := r.counter.InFlight(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("read inflight for %s: %w", a.ID, err)
		}
		capacity := EffectiveCapacity(a, l)
		if capacity-inflight <= 0 {
			continue
		}
		st, err := r.health.Status(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("read health for %s: %w", a.ID, err)
		}
		out = append(out, Candidate{
			Account:   a,
			InFlight:  inflight,
			Capacity:  capacity,
			LatencyMs: st.LastLatencyMs,
		})
	}
	return out, nil
}

// Reserve takes one slot on a, or fails with genjob.ErrCapacityExceeded.
func (r *Registry) Reserve(ctx context.Context, a Account) error {
	l, ok := r.Limits(a.ProviderID)
	if !ok {
		return fmt.Errorf("%w: %s", genjob.ErrUnknownProvider, a.ProviderID)
	}
	n, ok, err := r.counter.Reserve(ctx, a.ID, EffectiveCapacity(a, l))
	if err != nil {
		return fmt.Errorf("reserve %s: %w", a.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", genjob.ErrCapacityExceeded, a.ID)
	}
	metrics.SetAccountInFlight(a.ProviderID, a.ID, n)
	return nil
}

// Release frees one slot on a and notifies release listeners.
func (r *Registry) Release(ctx context.Context, a Account) error {
	n, err := r.counter.Release(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("release %s: %w", a.ID, err)
	}
	metrics.SetAccountInFlight(a.ProviderID, a.ID, n)

	r.mu.RLock()
	listeners := slices.Clone(r.listeners)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(a)
	}
	return nil
}

// Acquire selects and reserves an account for a job in one step. When a
// reservation loses a race the next candidate in preference order is tried.
func (r *Registry) Acquire(ctx context.Context, providerID, opType string, strategy Strategy, avoid []string) (Account, error) {
	candidates, err := r.ListEligible(ctx, providerID, opType)
	if err != nil {
		return Account{}, err
	}
	for _, c := range r.selector.Order(candidates, strategy, avoid) {
		err := r.Reserve(ctx, c.Account)
		if err == nil {
			return c.Account, nil
		}
		if !errors.Is(err, genjob.ErrCapacityExceeded) {
			return Account{}, err
		}
	}
	return Account{}, fmt.Errorf("%w: provider %s", genjob.ErrNoEligibleAccount, providerID)
}

// HasAlternative reports whether providerID has a usable account other than
// excludeID, ignoring momentary load. Accounts whose health cannot be read
// count as unusable.
func (r *Registry) HasAlternative(ctx context.Context, providerID, excludeID string) bool {
	for _, a := range r.Accounts(providerID) {
		if a.ID == excludeID || !a.Active {
			continue
		}
		ok, err := r.health.Available(ctx, a.ID)
		if err != nil {
			r.logger.Warn("health read failed", zap.String("account_id", a.ID), zap.Error(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// RecordOutcome feeds the health tracker.
func (r *Registry) RecordOutcome(ctx context.Context, a Account, success bool, latencyMs int64) {
	tripped, err := r.health.RecordOutcome(ctx, a.ID, success, latencyMs)
	if err != nil {
		r.logger.Warn("health record failed", zap.String("account_id", a.ID), zap.Error(err))
		return
	}
	if !tripped {
		return
	}
	metrics.ObserveAccountCooldown(a.ProviderID, a.ID)
	fields := []zap.Field{
		zap.String("provider_id", a.ProviderID),
		zap.String("account_id", a.ID),
	}
	if st, err := r.health.Status(ctx, a.ID); err == nil {
		fields = append(fields, zap.Time("cooldown_until", st.CooldownUntil), zap.Bool("blacklisted", st.Blacklisted))
	}
	r.logger.Warn("account entered cooldown", fields...)
}

// ForceCooldown excludes a from selection for one cooldown period.
func (r *Registry) ForceCooldown(ctx context.Context, a Account) {
	if err := r.health.ForceCooldown(ctx, a.ID); err != nil {
		r.logger.Error("forced cooldown failed", zap.String("account_id", a.ID), zap.Error(err))
		return
	}
	metrics.ObserveAccountCooldown(a.ProviderID, a.ID)
	r.logger.Warn("account forced into cooldown",
		zap.String("provider_id", a.ProviderID),
		zap.String("account_id", a.ID),
	)
}

// Snapshot reports every account of a provider.
func (r *Registry) Snapshot(ctx context.Context, providerID string) ([]Status, error) {
	l, ok := r.Limits(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", genjob.ErrUnknownProvider, providerID)
	}
	r.mu.RLock()
	all := append([]Account(nil), r.accounts[providerID]...)
	r.mu.RUnlock()

	out := make([]Status, 0, len(all))
	for _, a := range all {
		inflight, err := r.counter.InFlight(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("read inflight for %s: %w", a.ID, err)
		}
		health, err := r.health.Status(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("read health for %s: %w", a.ID, err)
		}
		out = append(out, Status{
			Account:  a,
			Capacity: EffectiveCapacity(a, l),
			InFlight: inflight,
			Health:   health,
		})
	}
	return out, nil
}

// Close releases the counter backend.
func (r *Registry) Close() error {
	return r.counter.Close()
}
