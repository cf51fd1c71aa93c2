package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/events"
	"github.com/JakeFAU/mediagen/internal/events/sinks"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/lifecycle/lifecycletest"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/quota"
)

type jobEnvelope struct {
	Job jobDTO `json:"job"`
}

type listEnvelope struct {
	Jobs []jobDTO `json:"jobs"`
}

func newTestServer(t *testing.T, opts lifecycletest.Options, apiOpts Options) (*Server, *lifecycletest.Harness, *sinks.Broadcaster) {
	t.Helper()
	h := lifecycletest.New(t, opts)
	b := sinks.NewBroadcaster(16)
	return NewServer(h.Manager, b, apiOpts, zap.NewNop()), h, b
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

const submitBody = `{"op_type":"image","provider_id":"sim","prompt":"castle at dusk","owner":"player-1"}`

func TestSubmitJobAccepted(t *testing.T) {
	t.Parallel()
	s, h, _ := newTestServer(t, lifecycletest.Options{}, Options{})

	rec := do(t, s, http.MethodPost, "/v1/jobs", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	got := decode[jobEnvelope](t, rec).Job
	require.Equal(t, genjob.StatusPending, got.Status)
	require.Equal(t, "player-1", got.Owner)
	require.Equal(t, 1, got.Attempt)
	require.NotEmpty(t, got.CanonicalKey)

	stored, err := h.Store.Get(context.Background(), got.ID)
	require.NoError(t, err)
	require.Equal(t, got.CanonicalKey, stored.CanonicalKey)
}

func TestSubmitJobServedFromCache(t *testing.T) {
	t.Parallel()
	s, h, _ := newTestServer(t, lifecycletest.Options{}, Options{})
	ctx := context.Background()

	first := decode[jobEnvelope](t, do(t, s, http.MethodPost, "/v1/jobs", submitBody)).Job
	job, err := h.Store.Get(ctx, first.ID)
	require.NoError(t, err)
	_, err = h.Manager.Complete(ctx, job, "sim://castle")
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/v1/jobs", submitBody)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[jobEnvelope](t, rec).Job
	require.Equal(t, genjob.StatusCompleted, again.Status)
	require.True(t, again.CacheHit)
	require.Equal(t, "sim://castle", again.ResultRef)
}

func TestSubmitJobRejectsBadInput(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, lifecycletest.Options{}, Options{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"op_type":`},
		{"unknown field", `{"op_type":"image","prompt":"x","colour":"red"}`},
		{"missing prompt", `{"op_type":"image","provider_id":"sim"}`},
		{"unsupported op", `{"op_type":"hologram","provider_id":"sim","prompt":"x"}`},
		{"unknown provider", `{"op_type":"image","provider_id":"nope","prompt":"x"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, s, http.MethodPost, "/v1/jobs", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmitJobQuotaExceeded(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, lifecycletest.Options{Quota: quota.New(1, 1, nil)}, Options{})

	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/jobs", submitBody).Code)
	rec := do(t, s, http.MethodPost, "/v1/jobs", submitBody)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, lifecycletest.Options{}, Options{})

	created := decode[jobEnvelope](t, do(t, s, http.MethodPost, "/v1/jobs", submitBody)).Job
	rec := do(t, s, http.MethodGet, "/v1/jobs/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, created.ID, decode[jobEnvelope](t, rec).Job.ID)

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/jobs/missing", "").Code)
}

func TestListJobsFilters(t *testing.T) {
	t.Parallel()
	s, h, _ := newTestServer(t, lifecycletest.Options{}, Options{})
	ctx := context.Background()

	a := decode[jobEnvelope](t, do(t, s, http.MethodPost, "/v1/jobs", submitBody)).Job
	other := `{"op_type":"video","provider_id":"sim","prompt":"river","owner":"player-2"}`
	b := decode[jobEnvelope](t, do(t, s, http.MethodPost, "/v1/jobs", other)).Job
	_, err := h.Manager.Cancel(ctx, b.ID)
	require.NoError(t, err)

	all := decode[listEnvelope](t, do(t, s, http.MethodGet, "/v1/jobs", ""))
	require.Len(t, all.Jobs, 2)

	pending := decode[listEnvelope](t, do(t, s, http.MethodGet, "/v1/jobs?status=pending", ""))
	require.Len(t, pending.Jobs, 1)
	require.Equal(t, a.ID, pending.Jobs[0].ID)

	byOwner := decode[listEnvelope](t, do(t, s, http.MethodGet, "/v1/jobs?owner=player-2&op=video", ""))
	require.Len(t, byOwner.Jobs, 1)
	require.Equal(t, b.ID, byOwner.Jobs[0].ID)

	multi := decode[listEnvelope](t, do(t, s, http.MethodGet, "/v1/jobs?status=PENDING,CANCELLED&limit=1", ""))
	require.Len(t, multi.Jobs, 1)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/jobs?status=sleeping", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/jobs?limit=-1", "").Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, lifecycletest.Options{}, Options{})

	created := decode[jobEnvelope](t, do(t, s, http.MethodPost, "/v1/jobs", submitBody)).Job
	rec := do(t, s, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, genjob.StatusCancelled, decode[jobEnvelope](t, rec).Job.Status)

	again := do(t, s, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", "")
	require.Equal(t, http.StatusConflict, again.Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/jobs/missing/cancel", "").Code)
}

func TestRetryJob(t *testing.T) {
	t.Parallel()
	s, h, _ := newTestServer(t, lifecycletest.Options{}, Options{})
	ctx := context.Background()

	created := decode[jobEnvelope](t, do(t, s, http.MethodPost, "/v1/jobs", submitBody)).Job
	require.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v1/jobs/"+created.ID+"/retry", "").Code)

	job, err := h.Store.Get(ctx, created.ID)
	require.NoError(t, err)
	failed, err := h.Manager.HandleFailure(ctx, job, provider.NewError(genjob.ErrorKindInvalid, "bad request", nil))
	require.NoError(t, err)
	require.Equal(t, genjob.StatusFailed, failed.Status)

	rec := do(t, s, http.MethodPost, "/v1/jobs/"+created.ID+"/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	retried := decode[jobEnvelope](t, rec).Job
	require.Equal(t, genjob.StatusQueued, retried.Status)
	require.Equal(t, failed.AttemptCount+1, retried.Attempt)
	require.Nil(t, retried.Error)
}

func TestAuthRequiredOnV1(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, lifecycletest.Options{}, Options{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/jobs", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()
	healthy := NewServer(nil, nil, Options{}, nil)
	require.Equal(t, http.StatusOK, do(t, healthy, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, do(t, healthy, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusOK, do(t, healthy, http.MethodGet, "/metrics", "").Code)

	degraded := NewServer(nil, nil, Options{ReadyChecks: map[string]ReadyCheck{
		"db": func(context.Context) error { return errors.New("connection refused") },
	}}, nil)
	rec := do(t, degraded, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	require.Equal(t, http.StatusServiceUnavailable, do(t, healthy, http.MethodGet, "/v1/events", "").Code)
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{genjob.ErrInvalidParams, http.StatusBadRequest},
		{genjob.ErrUnknownProvider, http.StatusBadRequest},
		{genjob.ErrNotFound, http.StatusNotFound},
		{genjob.ErrInvalidStateTransition, http.StatusConflict},
		{genjob.ErrQuotaExceeded, http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{genjob.ErrCapacityExceeded, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, errorStatus(tc.err), tc.err.Error())
	}
}

func TestStreamEvents(t *testing.T) {
	t.Parallel()
	s, _, b := newTestServer(t, lifecycletest.Options{}, Options{Heartbeat: time.Hour})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?job_id=job-7", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	ts := lifecycletest.Epoch
	require.NoError(t, b.Consume(ctx, []events.Event{
		{Type: events.JobCreated, JobID: "job-other", TS: ts, Status: genjob.StatusPending},
		{Type: events.JobCompleted, JobID: "job-7", TS: ts, Status: genjob.StatusCompleted, ResultRef: "sim://x"},
	}))

	reader := bufio.NewReader(resp.Body)
	var frame []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		frame = append(frame, line)
	}
	require.Len(t, frame, 3)
	require.Equal(t, "id: 1", frame[0])
	require.Equal(t, "event: JOB_COMPLETED", frame[1])

	var evt events.Event
	require.NoError(t, json.NewDecoder(bytes.NewReader([]byte(strings.TrimPrefix(frame[2], "data: ")))).Decode(&evt))
	require.Equal(t, "job-7", evt.JobID)
	require.Equal(t, "sim://x", evt.ResultRef)
}

func TestEventFilter(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events?owner=p1&type=job_failed,JOB_COMPLETED", nil)
	keep := eventFilter(req)
	require.NotNil(t, keep)
	require.True(t, keep(events.Event{Type: events.JobFailed, Owner: "p1"}))
	require.False(t, keep(events.Event{Type: events.JobCreated, Owner: "p1"}))
	require.False(t, keep(events.Event{Type: events.JobCompleted, Owner: "p2"}))

	require.Nil(t, eventFilter(httptest.NewRequest(http.MethodGet, "/v1/events", nil)))
}
