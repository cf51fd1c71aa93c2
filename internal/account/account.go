// Package account tracks provider accounts: their tier-derived capacity, their
// health and the in-flight slots they hold. Slot counts live in a Counter so a
// shared backend can enforce capacity across worker processes.
package account

import (
	"context"
	"strings"
)

// Tier controls an account's concurrency ceiling.
type Tier string

// Account tiers.
const (
	TierStandard Tier = "standard"
	TierPro      Tier = "pro"
)

// ParseTier maps configuration text to a Tier; anything unrecognised is standard.
func ParseTier(s string) Tier {
	if strings.EqualFold(strings.TrimSpace(s), string(TierPro)) {
		return TierPro
	}
	return TierStandard
}

// Account is a credentialed identity on one provider.
type Account struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Tier       Tier   `json:"tier"`
	// MaxConcurrentJobs overrides the tier capacity when positive.
	MaxConcurrentJobs int    `json:"max_concurrent_jobs,omitempty"`
	Active            bool   `json:"active"`
	APIKey            string `json:"-"`
	Endpoint          string `json:"endpoint,omitempty"`
}

// Limits are the static per-provider capacity rules.
type Limits struct {
	ProviderID         string
	MultiAccount       bool
	DefaultConcurrency int
	ProConcurrency     int
	Operations         []string
}

// Supports reports whether the provider accepts opType. An empty list accepts all.
func (l Limits) Supports(opType string) bool {
	if len(l.Operations) == 0 {
		return true
	}
	for _, op := range l.Operations {
		if strings.EqualFold(op, opType) {
			return true
		}
	}
	return false
}

// EffectiveCapacity returns the concurrency ceiling of a under l.
func EffectiveCapacity(a Account, l Limits) int {
	if a.MaxConcurrentJobs > 0 {
		return a.MaxConcurrentJobs
	}
	if a.Tier == TierPro {
		return l.ProConcurrency
	}
	return l.DefaultConcurrency
}

// Counter holds per-account in-flight counts. Reserve must be atomic: it
// increments only when the count is below capacity and reports the new count.
type Counter interface {
	Reserve(ctx context.Context, accountID string, capacity int) (int, bool, error)
	// Release decrements the count, never below zero, and reports the new count.
	Release(ctx context.Context, accountID string) (int, error)
	InFlight(ctx context.Context, accountID string) (int, error)
	Close() error
}
