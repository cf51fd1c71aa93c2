// Package openaiimage adapts the OpenAI Images API. Generation is synchronous,
// so Execute reports COMPLETED with the result reference directly.
package openaiimage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider"
)

// Uploader persists inline image bytes and returns their URI.
type Uploader interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Config tunes the adapter.
type Config struct {
	Model   string `mapstructure:"model"`
	Size    string `mapstructure:"size"`
	Quality string `mapstructure:"quality"`
	// MaxRetries is handed to the SDK's own retry loop.
	MaxRetries int `mapstructure:"max_retries"`
}

// Adapter is the OpenAI image provider.
type Adapter struct {
	cfg      Config
	uploader Uploader

	mu      sync.Mutex
	clients map[string]*openai.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds the adapter. uploader may be nil when the model returns URLs.
func New(cfg Config, uploader Uploader) *Adapter {
	if cfg.Model == "" {
		cfg.Model = string(openai.ImageModelDallE3)
	}
	if cfg.Size == "" {
		cfg.Size = string(openai.ImageGenerateParamsSize1024x1024)
	}
	return &Adapter{cfg: cfg, uploader: uploader, clients: make(map[string]*openai.Client)}
}

func (a *Adapter) client(acct account.Account) *openai.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[acct.ID]; ok {
		return c
	}
	opts := []option.RequestOption{option.WithAPIKey(acct.APIKey), option.WithMaxRetries(a.cfg.MaxRetries)}
	if acct.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(acct.Endpoint))
	}
	c := openai.NewClient(opts...)
	a.clients[acct.ID] = &c
	return &c
}

// MapParameters implements provider.Adapter.
func (a *Adapter) MapParameters(opType string, c genjob.Canonical) (map[string]any, error) {
	if opType != "text_to_image" {
		return nil, fmt.Errorf("%w: %s is not an image operation", genjob.ErrInvalidParams, opType)
	}
	prompt := c.Prompt
	if c.NegativePrompt != "" {
		prompt += "\nAvoid: " + c.NegativePrompt
	}
	out := map[string]any{"prompt": prompt, "model": a.cfg.Model, "size": a.cfg.Size}
	if c.Model != "" {
		out["model"] = c.Model
	}
	if v := c.Params["size"]; v != "" {
		out["size"] = v
	}
	if v := c.Params["quality"]; v != "" {
		out["quality"] = v
	} else if a.cfg.Quality != "" {
		out["quality"] = a.cfg.Quality
	}
	if v := c.Params["style"]; v != "" {
		out["style"] = v
	}
	return out, nil
}

// Execute implements provider.Adapter.
func (a *Adapter) Execute(ctx context.Context, _ string, acct account.Account, params map[string]any) (provider.Submission, error) {
	req := openai.ImageGenerateParams{
		Prompt: stringParam(params, "prompt"),
		Model:  openai.ImageModel(stringParam(params, "model")),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(stringParam(params, "size")),
	}
	if req.Model == openai.ImageModelDallE3 || req.Model == openai.ImageModelDallE2 {
		req.ResponseFormat = openai.ImageGenerateParamsResponseFormatURL
	}
	if v := stringParam(params, "quality"); v != "" {
		req.Quality = openai.ImageGenerateParamsQuality(v)
	}
	if v := stringParam(params, "style"); v != "" {
		req.Style = openai.ImageGenerateParamsStyle(v)
	}

	resp, err := a.client(acct).Images.Generate(ctx, req)
	if err != nil {
		return provider.Submission{}, classify(err)
	}
	if len(resp.Data) == 0 {
		return provider.Submission{}, provider.NewError(genjob.ErrorKindTransient, "images response carried no data", nil)
	}

	id := "img-" + uuid.NewString()
	ref := resp.Data[0].URL
	if ref == "" && resp.Data[0].B64JSON != "" {
		ref, err = a.upload(ctx, id, resp.Data[0].B64JSON)
		if err != nil {
			return provider.Submission{}, err
		}
	}
	if ref == "" {
		return provider.Submission{}, provider.NewError(genjob.ErrorKindTransient, "image carried neither url nor data", nil)
	}
	return provider.Submission{ProviderJobID: id, Status: genjob.StatusCompleted, ResultRef: ref}, nil
}

// CheckStatus implements provider.Adapter. Jobs complete inside Execute, so
// there is never anything to poll.
func (a *Adapter) CheckStatus(_ context.Context, _ account.Account, providerJobID string) (provider.StatusReport, error) {
	return provider.StatusReport{}, provider.NewError(genjob.ErrorKindInvalid,
		"synchronous provider has no pending job "+providerJobID, nil)
}

func (a *Adapter) upload(ctx context.Context, id, b64 string) (string, error) {
	if a.uploader == nil {
		return "", provider.NewError(genjob.ErrorKindInvalid, "inline image returned but no asset store configured", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", provider.NewError(genjob.ErrorKindTransient, "decode inline image", err)
	}
	uri, err := a.uploader.PutObject(ctx, "images/"+id+".png", "image/png", bytes.NewReader(raw))
	if err != nil {
		return "", provider.NewError(genjob.ErrorKindTransient, "store inline image", err)
	}
	return uri, nil
}

func classify(err error) *provider.Error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return provider.Classify(err)
	}
	pe := provider.FromStatus(apiErr.StatusCode, "openai images request failed")
	if apiErr.Code == "content_policy_violation" {
		pe.Kind = genjob.ErrorKindFiltered
	}
	pe.Err = err
	return pe
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}
