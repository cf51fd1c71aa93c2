package veo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider"
)

type fakeVideos struct {
	generateErr error
	gotModel    string
	gotPrompt   string
	gotImage    *genai.Image
	gotConfig   *genai.GenerateVideosConfig
	ops         map[string]*genai.GenerateVideosOperation
}

func (f *fakeVideos) GenerateVideos(_ context.Context, model, prompt string, image *genai.Image, cfg *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	f.gotModel, f.gotPrompt, f.gotImage, f.gotConfig = model, prompt, image, cfg
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &genai.GenerateVideosOperation{Name: "operations/op-1"}, nil
}

func (f *fakeVideos) GetVideosOperation(_ context.Context, name string) (*genai.GenerateVideosOperation, error) {
	op, ok := f.ops[name]
	if !ok {
		return nil, errors.New("Error 404, Message: not found")
	}
	return op, nil
}

func newAdapter(fake *fakeVideos) *Adapter {
	a := New(Config{OutputGCSURI: "gs://bucket/out"})
	a.newClient = func(context.Context, account.Account) (videoAPI, error) { return fake, nil }
	return a
}

var acct = account.Account{ID: "veo-1", APIKey: "k"}

func TestExecuteBuildsRequest(t *testing.T) {
	t.Parallel()

	fake := &fakeVideos{}
	a := newAdapter(fake)
	params, err := a.MapParameters("text_to_video", genjob.Canonical{
		Prompt:         "a cat",
		NegativePrompt: "blur",
		Seed:           7,
		Params:         map[string]string{"aspect_ratio": "16:9", "duration_seconds": "8", "ignored": "x"},
	})
	require.NoError(t, err)
	require.NotContains(t, params, "ignored")

	sub, err := a.Execute(context.Background(), "text_to_video", acct, params)
	require.NoError(t, err)
	require.Equal(t, "operations/op-1", sub.ProviderJobID)
	require.Equal(t, genjob.StatusProcessing, sub.Status)

	require.Equal(t, DefaultModel, fake.gotModel)
	require.Equal(t, "a cat", fake.gotPrompt)
	require.Nil(t, fake.gotImage)
	require.Equal(t, "blur", fake.gotConfig.NegativePrompt)
	require.Equal(t, "16:9", fake.gotConfig.AspectRatio)
	require.Equal(t, "gs://bucket/out", fake.gotConfig.OutputGCSURI)
	require.Equal(t, int32(7), *fake.gotConfig.Seed)
	require.Equal(t, int32(8), *fake.gotConfig.DurationSeconds)
}

func TestImageToVideoRequiresImage(t *testing.T) {
	t.Parallel()

	a := newAdapter(&fakeVideos{})
	_, err := a.MapParameters("image_to_video", genjob.Canonical{Prompt: "pan"})
	require.ErrorIs(t, err, genjob.ErrInvalidParams)

	fake := &fakeVideos{}
	a = newAdapter(fake)
	params, err := a.MapParameters("image_to_video", genjob.Canonical{Prompt: "pan", Params: map[string]string{"image_uri": "gs://b/i.png"}})
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), "image_to_video", acct, params)
	require.NoError(t, err)
	require.Equal(t, "gs://b/i.png", fake.gotImage.GCSURI)
}

func TestCheckStatusMapsOperations(t *testing.T) {
	t.Parallel()

	fake := &fakeVideos{ops: map[string]*genai.GenerateVideosOperation{
		"running": {Name: "running"},
		"done": {Name: "done", Done: true, Response: &genai.GenerateVideosResponse{
			GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{URI: "gs://bucket/out/v.mp4"}}},
		}},
		"filtered": {Name: "filtered", Done: true, Response: &genai.GenerateVideosResponse{RAIMediaFilteredCount: 1}},
		"denied":   {Name: "denied", Done: true, Error: map[string]any{"code": float64(7), "message": "denied"}},
		"quota":    {Name: "quota", Done: true, Error: map[string]any{"code": float64(8), "message": "quota"}},
	}}
	a := newAdapter(fake)
	ctx := context.Background()

	tests := []struct {
		name   string
		status genjob.Status
		kind   genjob.ErrorKind
	}{
		{"running", genjob.StatusProcessing, ""},
		{"done", genjob.StatusCompleted, ""},
		{"filtered", genjob.StatusFiltered, genjob.ErrorKindFiltered},
		{"denied", genjob.StatusFailed, genjob.ErrorKindAuth},
		{"quota", genjob.StatusFailed, genjob.ErrorKindTransient},
	}
	for _, tc := range tests {
		report, err := a.CheckStatus(ctx, acct, tc.name)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.status, report.Status, tc.name)
		if tc.kind == "" {
			require.Nil(t, report.Err, tc.name)
		} else {
			require.Equal(t, tc.kind, report.Err.Kind, tc.name)
		}
	}

	report, err := a.CheckStatus(ctx, acct, "done")
	require.NoError(t, err)
	require.Equal(t, "gs://bucket/out/v.mp4", report.ResultRef)

	_, err = a.CheckStatus(ctx, acct, "missing")
	require.Equal(t, genjob.ErrorKindInvalid, provider.Classify(err).Kind)
}

func TestExecuteClassifiesSDKErrors(t *testing.T) {
	t.Parallel()

	a := newAdapter(&fakeVideos{generateErr: errors.New("Error 429, Message: Resource exhausted, Status: RESOURCE_EXHAUSTED")})
	_, err := a.Execute(context.Background(), "text_to_video", acct, map[string]any{"prompt": "x"})
	pe := provider.Classify(err)
	require.Equal(t, genjob.ErrorKindTransient, pe.Kind)
	require.Equal(t, 429, pe.StatusCode)

	a = newAdapter(&fakeVideos{generateErr: errors.New("Error 403, Message: API key invalid")})
	_, err = a.Execute(context.Background(), "text_to_video", acct, map[string]any{"prompt": "x"})
	require.Equal(t, genjob.ErrorKindAuth, provider.Classify(err).Kind)
}
