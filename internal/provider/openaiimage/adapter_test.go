package openaiimage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider"
)

func serve(t *testing.T, handler http.HandlerFunc) account.Account {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return account.Account{ID: "oa-1", APIKey: "sk-test", Endpoint: srv.URL + "/"}
}

func TestExecuteReturnsURL(t *testing.T) {
	t.Parallel()

	acct := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/generations", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "dall-e-3", body["model"])
		require.Equal(t, "url", body["response_format"])
		require.Equal(t, "1792x1024", body["size"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created":1,"data":[{"url":"https://img.example/cat.png"}]}`)
	})

	a := New(Config{}, nil)
	params, err := a.MapParameters("text_to_image", genjob.Canonical{Prompt: "a cat", Params: map[string]string{"size": "1792x1024"}})
	require.NoError(t, err)
	sub, err := a.Execute(context.Background(), "text_to_image", acct, params)
	require.NoError(t, err)
	require.Equal(t, genjob.StatusCompleted, sub.Status)
	require.Equal(t, "https://img.example/cat.png", sub.ResultRef)
	require.NotEmpty(t, sub.ProviderJobID)
}

type recordingUploader struct {
	path string
	data []byte
}

func (u *recordingUploader) PutObject(_ context.Context, path, _ string, body io.Reader) (string, error) {
	u.path = path
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(body)
	u.data = buf.Bytes()
	return "mem://assets/" + path, nil
}

func TestExecuteUploadsInlineImages(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	acct := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created":1,"data":[{"b64_json":"`+payload+`"}]}`)
	})

	up := &recordingUploader{}
	a := New(Config{Model: "gpt-image-1"}, up)
	params, err := a.MapParameters("text_to_image", genjob.Canonical{Prompt: "a cat"})
	require.NoError(t, err)
	sub, err := a.Execute(context.Background(), "text_to_image", acct, params)
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), up.data)
	require.Equal(t, "mem://assets/"+up.path, sub.ResultRef)
}

func TestExecuteClassifiesAPIErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int
		body string
		want genjob.ErrorKind
	}{
		{"auth", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, genjob.ErrorKindAuth},
		{"policy", http.StatusBadRequest, `{"error":{"message":"no","type":"invalid_request_error","code":"content_policy_violation"}}`, genjob.ErrorKindFiltered},
		{"invalid", http.StatusBadRequest, `{"error":{"message":"size","type":"invalid_request_error","code":"invalid_size"}}`, genjob.ErrorKindInvalid},
		{"overloaded", http.StatusServiceUnavailable, `{"error":{"message":"busy","type":"server_error"}}`, genjob.ErrorKindTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			acct := serve(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.code)
				_, _ = io.WriteString(w, tc.body)
			})
			a := New(Config{}, nil)
			_, err := a.Execute(context.Background(), "text_to_image", acct, map[string]any{"prompt": "x", "model": "dall-e-3", "size": "1024x1024"})
			require.Error(t, err)
			require.Equal(t, tc.want, provider.Classify(err).Kind)
		})
	}
}

func TestMapParametersRejectsVideo(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil).MapParameters("text_to_video", genjob.Canonical{Prompt: "x"})
	require.ErrorIs(t, err, genjob.ErrInvalidParams)
}
