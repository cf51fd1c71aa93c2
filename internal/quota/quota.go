// Package quota implements the owner admission check consulted before a job is
// created.
package quota

import (
	"context"
	"fmt"

	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/policy/ratelimit"
)

// Checker admits job submissions per owner under a token bucket.
type Checker struct {
	limiter *ratelimit.Limiter
}

var _ genjob.QuotaChecker = (*Checker)(nil)

// New builds a checker allowing perMinute submissions per owner with the given burst.
func New(perMinute float64, burst int, overrides map[string]ratelimit.Rule) *Checker {
	return &Checker{limiter: ratelimit.New(ratelimit.Config{
		DefaultRPS:   perMinute / 60,
		DefaultBurst: burst,
		Overrides:    overrides,
	})}
}

// CheckQuota implements genjob.QuotaChecker. Anonymous submissions share one bucket.
func (c *Checker) CheckQuota(_ context.Context, owner string, opType string) error {
	key := owner
	if key == "" {
		key = "anonymous"
	}
	if !c.limiter.Allow(key) {
		return fmt.Errorf("%w: owner %s for %s", genjob.ErrQuotaExceeded, key, opType)
	}
	return nil
}
