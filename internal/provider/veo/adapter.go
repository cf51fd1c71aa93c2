// Package veo adapts Google's Veo video models, served through the genai SDK as
// long-running operations, to the provider contract.
package veo

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"google.golang.org/genai"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider"
)

// DefaultModel is used when neither the request nor the config names one.
const DefaultModel = "veo-3.0-generate-001"

// Statuses maps derived operation states onto canonical statuses.
var Statuses = provider.StatusMap{
	"running":  genjob.StatusProcessing,
	"done":     genjob.StatusCompleted,
	"error":    genjob.StatusFailed,
	"filtered": genjob.StatusFiltered,
}

// Config selects the backend and defaults.
type Config struct {
	Model string `mapstructure:"model"`
	// Vertex selects Vertex AI (project/location with ADC) instead of the
	// Gemini API (per-account API key).
	Vertex       bool   `mapstructure:"vertex"`
	Project      string `mapstructure:"project"`
	Location     string `mapstructure:"location"`
	OutputGCSURI string `mapstructure:"output_gcs_uri"`
}

// videoAPI is the slice of the genai client the adapter needs.
type videoAPI interface {
	GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, cfg *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
	GetVideosOperation(ctx context.Context, name string) (*genai.GenerateVideosOperation, error)
}

type genaiVideoAPI struct {
	client *genai.Client
}

func (g genaiVideoAPI) GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, cfg *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	return g.client.Models.GenerateVideos(ctx, model, prompt, image, cfg)
}

func (g genaiVideoAPI) GetVideosOperation(ctx context.Context, name string) (*genai.GenerateVideosOperation, error) {
	return g.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: name}, nil)
}

// Adapter is the Veo provider.
type Adapter struct {
	cfg       Config
	newClient func(ctx context.Context, acct account.Account) (videoAPI, error)

	mu      sync.Mutex
	clients map[string]videoAPI
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds the adapter. Clients are created lazily per account.
func New(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	a := &Adapter{cfg: cfg, clients: make(map[string]videoAPI)}
	a.newClient = a.dial
	return a
}

func (a *Adapter) dial(ctx context.Context, acct account.Account) (videoAPI, error) {
	cc := &genai.ClientConfig{APIKey: acct.APIKey, Backend: genai.BackendGeminiAPI}
	if a.cfg.Vertex {
		cc = &genai.ClientConfig{Backend: genai.BackendVertexAI, Project: a.cfg.Project, Location: a.cfg.Location}
	}
	if acct.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: acct.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return genaiVideoAPI{client: client}, nil
}

func (a *Adapter) client(ctx context.Context, acct account.Account) (videoAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[acct.ID]; ok {
		return c, nil
	}
	c, err := a.newClient(ctx, acct)
	if err != nil {
		return nil, provider.NewError(genjob.ErrorKindAuth, "genai client for "+acct.ID, err)
	}
	a.clients[acct.ID] = c
	return c, nil
}

// MapParameters implements provider.Adapter.
func (a *Adapter) MapParameters(opType string, c genjob.Canonical) (map[string]any, error) {
	model := c.Model
	if model == "" {
		model = a.cfg.Model
	}
	out := map[string]any{"model": model, "prompt": c.Prompt}
	if c.NegativePrompt != "" {
		out["negative_prompt"] = c.NegativePrompt
	}
	if c.Seed != 0 {
		out["seed"] = c.Seed
	}
	for _, k := range []string{"aspect_ratio", "resolution", "duration_seconds", "image_uri", "image_mime_type"} {
		if v, ok := c.Params[k]; ok {
			out[k] = v
		}
	}
	if opType == "image_to_video" && out["image_uri"] == nil {
		return nil, fmt.Errorf("%w: image_to_video requires params.image_uri", genjob.ErrInvalidParams)
	}
	return out, nil
}

// Execute implements provider.Adapter.
func (a *Adapter) Execute(ctx context.Context, _ string, acct account.Account, params map[string]any) (provider.Submission, error) {
	client, err := a.client(ctx, acct)
	if err != nil {
		return provider.Submission{}, err
	}
	cfg, err := a.videoConfig(params)
	if err != nil {
		return provider.Submission{}, err
	}
	var image *genai.Image
	if uri, _ := params["image_uri"].(string); uri != "" {
		mime, _ := params["image_mime_type"].(string)
		if mime == "" {
			mime = "image/png"
		}
		image = &genai.Image{GCSURI: uri, MIMEType: mime}
	}
	model, _ := params["model"].(string)
	prompt, _ := params["prompt"].(string)

	op, err := client.GenerateVideos(ctx, model, prompt, image, cfg)
	if err != nil {
		return provider.Submission{}, classifyAPIError(err)
	}
	report := a.report(op)
	if report.Err != nil && report.Status == genjob.StatusFailed {
		return provider.Submission{}, report.Err
	}
	return provider.Submission{ProviderJobID: op.Name, Status: report.Status, ResultRef: report.ResultRef}, nil
}

// CheckStatus implements provider.Adapter.
func (a *Adapter) CheckStatus(ctx context.Context, acct account.Account, providerJobID string) (provider.StatusReport, error) {
	client, err := a.client(ctx, acct)
	if err != nil {
		return provider.StatusReport{}, err
	}
	op, err := client.GetVideosOperation(ctx, providerJobID)
	if err != nil {
		return provider.StatusReport{}, classifyAPIError(err)
	}
	return a.report(op), nil
}

func (a *Adapter) videoConfig(params map[string]any) (*genai.GenerateVideosConfig, error) {
	cfg := &genai.GenerateVideosConfig{NumberOfVideos: 1, OutputGCSURI: a.cfg.OutputGCSURI}
	if v, _ := params["negative_prompt"].(string); v != "" {
		cfg.NegativePrompt = v
	}
	if v, _ := params["aspect_ratio"].(string); v != "" {
		cfg.AspectRatio = v
	}
	if v, _ := params["resolution"].(string); v != "" {
		cfg.Resolution = v
	}
	if seed, ok := params["seed"].(int64); ok {
		s := int32(seed) //nolint:gosec // provider seeds are 32-bit
		cfg.Seed = &s
	}
	if v, _ := params["duration_seconds"].(string); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, provider.NewError(genjob.ErrorKindInvalid, "duration_seconds must be an integer", err)
		}
		d := int32(n)
		cfg.DurationSeconds = &d
	}
	return cfg, nil
}

func (a *Adapter) report(op *genai.GenerateVideosOperation) provider.StatusReport {
	code, perr := operationState(op)
	st, _ := Statuses.Resolve(code)
	report := provider.StatusReport{Status: st, Err: perr}
	if st == genjob.StatusCompleted {
		report.Progress = 1
		report.ResultRef = op.Response.GeneratedVideos[0].Video.URI
	}
	return report
}

func operationState(op *genai.GenerateVideosOperation) (string, *provider.Error) {
	if op == nil {
		return "error", provider.NewError(genjob.ErrorKindTransient, "empty operation", nil)
	}
	if len(op.Error) > 0 {
		return "error", operationError(op.Error)
	}
	if !op.Done {
		return "running", nil
	}
	resp := op.Response
	if resp != nil && len(resp.GeneratedVideos) > 0 && resp.GeneratedVideos[0].Video != nil {
		if resp.GeneratedVideos[0].Video.URI == "" {
			return "error", provider.NewError(genjob.ErrorKindInvalid, "video returned inline; configure output_gcs_uri", nil)
		}
		return "done", nil
	}
	if resp != nil && resp.RAIMediaFilteredCount > 0 {
		msg := "video blocked by safety filters"
		if len(resp.RAIMediaFilteredReasons) > 0 {
			msg = resp.RAIMediaFilteredReasons[0]
		}
		return "filtered", provider.NewError(genjob.ErrorKindFiltered, msg, nil)
	}
	return "error", provider.NewError(genjob.ErrorKindTransient, "operation finished without output", nil)
}

// operationError maps a google.rpc.Status payload onto an error kind.
func operationError(status map[string]any) *provider.Error {
	msg, _ := status["message"].(string)
	if msg == "" {
		msg = "operation failed"
	}
	var code int
	if c, ok := status["code"].(float64); ok {
		code = int(c)
	}
	kind := genjob.ErrorKindTransient
	switch code {
	case 3, 9, 11: // INVALID_ARGUMENT, FAILED_PRECONDITION, OUT_OF_RANGE
		kind = genjob.ErrorKindInvalid
	case 7, 16: // PERMISSION_DENIED, UNAUTHENTICATED
		kind = genjob.ErrorKindAuth
	}
	return provider.NewError(kind, msg, nil)
}

var statusPattern = regexp.MustCompile(`Error (\d{3})`)

// classifyAPIError reads the HTTP status the SDK embeds in its error text.
func classifyAPIError(err error) *provider.Error {
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		pe := provider.FromStatus(code, "genai request failed")
		pe.Err = err
		return pe
	}
	return provider.Classify(err)
}
