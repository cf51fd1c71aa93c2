// Package lifecycletest assembles an in-memory scheduler for tests: memory
// stores, a manual clock and the simulated provider.
package lifecycletest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/mediagen/internal/account"
	accountmemory "github.com/JakeFAU/mediagen/internal/account/memory"
	cachememory "github.com/JakeFAU/mediagen/internal/cache/memory"
	"github.com/JakeFAU/mediagen/internal/cachekey"
	"github.com/JakeFAU/mediagen/internal/clock"
	"github.com/JakeFAU/mediagen/internal/events"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/id/uuid"
	"github.com/JakeFAU/mediagen/internal/lifecycle"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/provider/simulated"
	storagememory "github.com/JakeFAU/mediagen/internal/storage/memory"
)

// ProviderID is the id the simulated provider is registered under.
const ProviderID = "sim"

// Epoch is the manual clock's starting instant.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Options shape a Harness.
type Options struct {
	// Accounts registered for the simulated provider; defaults to one.
	Accounts []account.Account
	// Concurrency is the per-account capacity.
	Concurrency int
	// MultiAccount lets selection use every account.
	MultiAccount bool
	// Sim configures the simulated provider.
	Sim simulated.Config
	// Lifecycle overrides manager policy.
	Lifecycle lifecycle.Config
	// Quota is consulted on Create when set.
	Quota genjob.QuotaChecker
	// WrapStore, when set, wraps the job store the manager writes through.
	// Harness.Store stays the unwrapped memory store.
	WrapStore func(genjob.JobStore) genjob.JobStore
}

// Harness is a fully wired in-memory scheduler core.
type Harness struct {
	Clock     *clock.Manual
	Store     *storagememory.JobStore
	Blobs     *storagememory.BlobStore
	Cache     *cachememory.Store
	Accounts  *account.Registry
	Providers *provider.Registry
	Sim       *simulated.Adapter
	Events    *Recorder
	Manager   *lifecycle.Manager
	Logger    *zap.Logger
}

// New builds a Harness and fails the test on wiring errors.
func New(t testing.TB, opts Options) *Harness {
	t.Helper()
	if len(opts.Accounts) == 0 {
		opts.Accounts = []account.Account{{ID: "acct-a", Active: true}}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	logger := zaptest.NewLogger(t)
	clk := clock.NewManual(Epoch)

	sim := simulated.New(opts.Sim)
	providers := provider.NewRegistry()
	caps := provider.Capabilities{
		SupportsMultiAccount: opts.MultiAccount,
		DefaultConcurrency:   opts.Concurrency,
		Operations:           []string{"image", "video"},
	}
	require.NoError(t, providers.Register(provider.Descriptor{ID: ProviderID, Capabilities: caps, Adapter: sim}))

	accounts := account.NewRegistry(
		accountmemory.New(),
		account.NewHealth(account.DefaultHealthPolicy(), clk),
		account.NewSelector(),
		logger,
	)
	require.NoError(t, accounts.Register(caps.Limits(ProviderID), opts.Accounts))

	h := &Harness{
		Clock:     clk,
		Store:     storagememory.NewJobStore(),
		Blobs:     storagememory.NewBlobStore(),
		Cache:     cachememory.New(clk),
		Accounts:  accounts,
		Providers: providers,
		Sim:       sim,
		Events:    &Recorder{},
		Logger:    logger,
	}
	if opts.Lifecycle.AssetPrefix == "" {
		opts.Lifecycle.AssetPrefix = "assets"
	}
	var store genjob.JobStore = h.Store
	if opts.WrapStore != nil {
		store = opts.WrapStore(store)
	}
	mgr, err := lifecycle.New(lifecycle.Deps{
		Store:     store,
		Cache:     h.Cache,
		Keys:      cachekey.New(""),
		Providers: providers,
		Accounts:  accounts,
		Quota:     opts.Quota,
		IDs:       uuid.NewSequence("job"),
		Clock:     clk,
		Events:    h.Events,
		Blobs:     h.Blobs,
		Logger:    logger,
	}, opts.Lifecycle)
	require.NoError(t, err)
	h.Manager = mgr
	return h
}

// Request returns a valid image request for the simulated provider.
func Request(prompt string) genjob.Request {
	return genjob.Request{
		OpType:     "image",
		ProviderID: ProviderID,
		Prompt:     prompt,
		Owner:      "player-1",
	}
}

// Recorder is an events.Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.Publisher = (*Recorder)(nil)

// Emit implements events.Publisher.
func (r *Recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Types lists the event types emitted for jobID in order.
func (r *Recorder) Types(jobID string) []events.Type {
	var out []events.Type
	for _, e := range r.Events() {
		if e.JobID == jobID {
			out = append(out, e.Type)
		}
	}
	return out
}

// Count returns how many events of type t were emitted.
func (r *Recorder) Count(t events.Type) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}
