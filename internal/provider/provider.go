// Package provider defines the contract every external generation integration
// implements, and the registry the scheduler dispatches through by provider id.
package provider

import (
	"context"
	"time"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
)

// Capabilities is the static manifest of one provider.
type Capabilities struct {
	SupportsMultiAccount bool          `json:"supports_multi_account" mapstructure:"supports_multi_account"`
	DefaultConcurrency   int           `json:"default_concurrency" mapstructure:"default_concurrency"`
	ProConcurrency       int           `json:"pro_concurrency" mapstructure:"pro_concurrency"`
	Operations           []string      `json:"operations" mapstructure:"operations"`
	DefaultMaxWait       time.Duration `json:"default_max_wait" mapstructure:"default_max_wait"`
}

// Limits converts the manifest into the account registry's capacity rules.
func (c Capabilities) Limits(providerID string) account.Limits {
	return account.Limits{
		ProviderID:         providerID,
		MultiAccount:       c.SupportsMultiAccount,
		DefaultConcurrency: c.DefaultConcurrency,
		ProConcurrency:     c.ProConcurrency,
		Operations:         c.Operations,
	}
}

// Submission is what a provider returns when it accepts work. Synchronous
// providers may answer with a terminal status and result directly.
type Submission struct {
	ProviderJobID string
	Status        genjob.Status
	ResultRef     string
}

// StatusReport is one observation of a provider-side job.
type StatusReport struct {
	Status    genjob.Status
	ResultRef string
	Progress  float64
	// Err explains a FAILED or FILTERED status.
	Err *Error
}

// Adapter is implemented by every provider integration.
type Adapter interface {
	// Execute submits work on behalf of acct.
	Execute(ctx context.Context, opType string, acct account.Account, params map[string]any) (Submission, error)
	// CheckStatus reports the state of a previously submitted job.
	CheckStatus(ctx context.Context, acct account.Account, providerJobID string) (StatusReport, error)
	// MapParameters translates a canonical request into provider parameters.
	MapParameters(opType string, c genjob.Canonical) (map[string]any, error)
}

// Descriptor binds an adapter to its id and manifest.
type Descriptor struct {
	ID           string
	Capabilities Capabilities
	Adapter      Adapter
}
