package httpjson

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider"
)

func TestAdapterSubmitAndPoll(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generations", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "text_to_video", body["op_type"])
		require.Equal(t, "a cat", body["text"])
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "gen-1", "status": "queued"})
	})
	mux.HandleFunc("GET /v1/generations/{id}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gen-1", r.PathValue("id"))
		if polls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "running", "progress": 0.4})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "succeeded", "result_url": "https://cdn/x.mp4"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	a, err := New(Config{BaseURL: srv.URL, ParamNames: map[string]string{"prompt": "text"}}, srv.Client())
	require.NoError(t, err)
	acct := account.Account{ID: "acct", APIKey: "secret"}

	params, err := a.MapParameters("text_to_video", genjob.Canonical{Prompt: "a cat"})
	require.NoError(t, err)
	sub, err := a.Execute(context.Background(), "text_to_video", acct, params)
	require.NoError(t, err)
	require.Equal(t, provider.Submission{ProviderJobID: "gen-1", Status: genjob.StatusPending}, sub)

	report, err := a.CheckStatus(context.Background(), acct, "gen-1")
	require.NoError(t, err)
	require.Equal(t, genjob.StatusProcessing, report.Status)
	require.InDelta(t, 0.4, report.Progress, 0.001)

	report, err = a.CheckStatus(context.Background(), acct, "gen-1")
	require.NoError(t, err)
	require.Equal(t, genjob.StatusCompleted, report.Status)
	require.Equal(t, "https://cdn/x.mp4", report.ResultRef)
}

func TestAdapterClassifiesHTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want genjob.ErrorKind
	}{
		{http.StatusUnauthorized, genjob.ErrorKindAuth},
		{http.StatusTooManyRequests, genjob.ErrorKindTransient},
		{http.StatusBadGateway, genjob.ErrorKindTransient},
		{http.StatusUnprocessableEntity, genjob.ErrorKindInvalid},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tc.code)
			}))
			t.Cleanup(srv.Close)

			a, err := New(Config{BaseURL: srv.URL}, srv.Client())
			require.NoError(t, err)
			_, err = a.Execute(context.Background(), "op", account.Account{ID: "x"}, nil)
			require.Error(t, err)
			pe := provider.Classify(err)
			require.Equal(t, tc.want, pe.Kind)
			require.Equal(t, tc.code, pe.StatusCode)
		})
	}
}

func TestAdapterReportsFailureAndFilter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "failed"
		if r.URL.Path == "/v1/generations/blocked" {
			status = "moderated"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "error": map[string]any{"message": "why"}})
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	report, err := a.CheckStatus(context.Background(), account.Account{}, "x")
	require.NoError(t, err)
	require.Equal(t, genjob.StatusFailed, report.Status)
	require.Equal(t, "why", report.Err.Message)

	report, err = a.CheckStatus(context.Background(), account.Account{}, "blocked")
	require.NoError(t, err)
	require.Equal(t, genjob.StatusFiltered, report.Status)
	require.Equal(t, genjob.ErrorKindFiltered, report.Err.Kind)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{StatusPath: "/status"}, nil)
	require.ErrorIs(t, err, genjob.ErrInvalidParams)
	_, err = New(Config{StatusMap: map[string]string{"ok": "QUEUED"}}, nil)
	require.ErrorIs(t, err, genjob.ErrInvalidParams)
}
