package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/clock"
	"github.com/JakeFAU/mediagen/internal/config"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider/httpjson"
	"github.com/JakeFAU/mediagen/internal/provider/openaiimage"
	"github.com/JakeFAU/mediagen/internal/provider/simulated"
	"github.com/JakeFAU/mediagen/internal/provider/veo"
	storagememory "github.com/JakeFAU/mediagen/internal/storage/memory"
)

type jobResponse struct {
	Job struct {
		ID        string        `json:"id"`
		Status    genjob.Status `json:"status"`
		CacheHit  bool          `json:"cache_hit"`
		AccountID string        `json:"account_id"`
		ResultRef string        `json:"result_ref"`
	} `json:"job"`
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.DispatchInterval = 10 * time.Millisecond
	cfg.Poll.Interval = 10 * time.Millisecond
	cfg.Poll.Base = 10 * time.Millisecond
	cfg.Poll.Threshold = time.Second
	cfg.Poll.Max = 20 * time.Millisecond
	return cfg
}

func call(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, jobResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	var out jobResponse
	if rec.Code < http.StatusBadRequest {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	}
	return rec, out
}

func TestBuildServesJobsEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(ctx, testConfig(t), zap.NewNop(), "test")
	require.NoError(t, err)
	defer func() {
		cancel()
		app.Close(context.Background())
	}()

	go app.dispatch.Run(ctx)
	go app.poll.Run(ctx)

	const body = `{"op_type":"image","provider_id":"simulated","prompt":"lighthouse in fog","owner":"p1"}`
	rec, created := call(t, app.Handler(), http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		_, got := call(t, app.Handler(), http.MethodGet, "/v1/jobs/"+created.Job.ID, "")
		return got.Job.Status == genjob.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	_, done := call(t, app.Handler(), http.MethodGet, "/v1/jobs/"+created.Job.ID, "")
	require.NotEmpty(t, done.Job.AccountID)
	require.NotEmpty(t, done.Job.ResultRef)

	rec, again := call(t, app.Handler(), http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, again.Job.CacheHit)
	require.Equal(t, done.Job.ResultRef, again.Job.ResultRef)

	ready := httptest.NewRecorder()
	app.Handler().ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, ready.Code)
}

func TestBuildRejectsUnknownProviderKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers[0].Kind = "teleport"

	_, err := Build(context.Background(), cfg, zap.NewNop(), "test")
	require.ErrorContains(t, err, `unknown provider kind "teleport"`)
}

func TestBuildRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Strategy = "fastest"

	_, err := Build(context.Background(), cfg, zap.NewNop(), "test")
	require.ErrorContains(t, err, `unknown selection strategy "fastest"`)
}

func TestSetupAccountsRedisSharesHealth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cfg := config.Config{
		Accounts: config.AccountsConfig{Backend: config.BackendRedis},
		Redis:    config.RedisConfig{Addr: mr.Addr(), Prefix: "t:"},
	}
	replicas := make([]*App, 2)
	for i := range replicas {
		a := &App{cfg: cfg, logger: zap.NewNop()}
		require.NoError(t, a.setupAccounts(clk))
		t.Cleanup(func() { _ = a.accounts.Close() })
		require.NoError(t, a.accounts.Register(
			account.Limits{ProviderID: "p", MultiAccount: true, DefaultConcurrency: 1},
			[]account.Account{{ID: "a", Active: true}, {ID: "b", Active: true}},
		))
		replicas[i] = a
	}

	a, _ := replicas[0].accounts.Account("a")
	replicas[0].accounts.ForceCooldown(ctx, a)
	require.True(t, mr.Exists("t:health:state:a"))

	cands, err := replicas[1].accounts.ListEligible(ctx, "p", "x")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "b", cands[0].Account.ID)
}

func TestNewAdapterKinds(t *testing.T) {
	t.Parallel()

	blobs := storagememory.NewBlobStore()
	cases := []struct {
		pc   config.ProviderConfig
		want any
	}{
		{config.ProviderConfig{Kind: config.KindSimulated}, &simulated.Adapter{}},
		{config.ProviderConfig{Kind: config.KindHTTPJSON, HTTPJSON: httpjson.Config{BaseURL: "http://localhost:9"}}, &httpjson.Adapter{}},
		{config.ProviderConfig{Kind: config.KindVeo}, &veo.Adapter{}},
		{config.ProviderConfig{Kind: config.KindOpenAIImage}, &openaiimage.Adapter{}},
	}
	for _, tc := range cases {
		adapter, err := NewAdapter(tc.pc, blobs)
		require.NoError(t, err, tc.pc.Kind)
		require.IsType(t, tc.want, adapter)
	}
}

func TestProviderPacer(t *testing.T) {
	t.Parallel()

	require.Nil(t, providerPacer([]config.ProviderConfig{{ID: "free"}}))

	pacer := providerPacer([]config.ProviderConfig{{ID: "slow", RatePerSecond: 1000, Burst: 1}, {ID: "free"}})
	require.NotNil(t, pacer)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pacer.Wait(ctx, "slow"))
	require.NoError(t, pacer.Wait(ctx, "free"))
}

func TestSetupBlobsLocal(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Storage: config.StorageConfig{Backend: config.BackendLocal, LocalDir: t.TempDir()}}
	a := &App{cfg: cfg, logger: zap.NewNop()}
	blobs, err := a.setupBlobs(context.Background())
	require.NoError(t, err)
	uri, err := blobs.PutObject(context.Background(), "assets/x.json", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	require.Contains(t, uri, "x.json")
}
