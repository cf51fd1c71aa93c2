// Package httpjson adapts any asynchronous provider exposing a JSON submit
// endpoint and a JSON status endpoint. Field names and the status map come from
// configuration, so new providers of this shape need no code.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider"
)

const maxBodyBytes = 1 << 20

// Config describes the provider's HTTP surface.
type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	SubmitPath string `mapstructure:"submit_path"`
	// StatusPath contains "{id}" where the provider job id goes.
	StatusPath    string            `mapstructure:"status_path"`
	IDField       string            `mapstructure:"id_field"`
	StatusField   string            `mapstructure:"status_field"`
	ResultField   string            `mapstructure:"result_field"`
	ProgressField string            `mapstructure:"progress_field"`
	ErrorField    string            `mapstructure:"error_field"`
	AuthHeader    string            `mapstructure:"auth_header"`
	AuthScheme    string            `mapstructure:"auth_scheme"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	StatusMap     map[string]string `mapstructure:"status_map"`
	// ParamNames renames canonical fields in the submitted body.
	ParamNames map[string]string `mapstructure:"param_names"`
}

func (c *Config) applyDefaults() {
	if c.SubmitPath == "" {
		c.SubmitPath = "/v1/generations"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/v1/generations/{id}"
	}
	if c.IDField == "" {
		c.IDField = "id"
	}
	if c.StatusField == "" {
		c.StatusField = "status"
	}
	if c.ResultField == "" {
		c.ResultField = "result_url"
	}
	if c.ProgressField == "" {
		c.ProgressField = "progress"
	}
	if c.ErrorField == "" {
		c.ErrorField = "error"
	}
	if c.AuthHeader == "" {
		c.AuthHeader = "Authorization"
	}
	if c.AuthScheme == "" {
		c.AuthScheme = "Bearer"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// DefaultStatusMap is used when the configuration supplies none.
func DefaultStatusMap() map[string]string {
	return map[string]string{
		"queued":     "PENDING",
		"pending":    "PENDING",
		"running":    "PROCESSING",
		"processing": "PROCESSING",
		"succeeded":  "COMPLETED",
		"completed":  "COMPLETED",
		"failed":     "FAILED",
		"error":      "FAILED",
		"filtered":   "FILTERED",
		"moderated":  "FILTERED",
	}
}

// Adapter talks to one HTTP provider.
type Adapter struct {
	cfg      Config
	statuses provider.StatusMap
	client   *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New validates cfg and builds the adapter. A nil client uses one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Adapter, error) {
	cfg.applyDefaults()
	if cfg.StatusMap == nil {
		cfg.StatusMap = DefaultStatusMap()
	}
	statuses, err := provider.ParseStatusMap(cfg.StatusMap)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(cfg.StatusPath, "{id}") {
		return nil, fmt.Errorf("%w: status path %q lacks {id}", genjob.ErrInvalidParams, cfg.StatusPath)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{cfg: cfg, statuses: statuses, client: client}, nil
}

// Execute implements provider.Adapter.
func (a *Adapter) Execute(ctx context.Context, opType string, acct account.Account, params map[string]any) (provider.Submission, error) {
	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	body["op_type"] = opType
	raw, err := json.Marshal(body)
	if err != nil {
		return provider.Submission{}, provider.NewError(genjob.ErrorKindInvalid, "encode request", err)
	}

	doc, err := a.do(ctx, http.MethodPost, a.baseURL(acct)+a.cfg.SubmitPath, acct, raw)
	if err != nil {
		return provider.Submission{}, err
	}
	id := stringField(doc, a.cfg.IDField)
	if id == "" {
		return provider.Submission{}, provider.NewError(genjob.ErrorKindTransient,
			fmt.Sprintf("response missing %q", a.cfg.IDField), nil)
	}
	st, _ := a.statuses.Resolve(stringField(doc, a.cfg.StatusField))
	return provider.Submission{ProviderJobID: id, Status: st, ResultRef: stringField(doc, a.cfg.ResultField)}, nil
}

// CheckStatus implements provider.Adapter.
func (a *Adapter) CheckStatus(ctx context.Context, acct account.Account, providerJobID string) (provider.StatusReport, error) {
	path := strings.ReplaceAll(a.cfg.StatusPath, "{id}", providerJobID)
	doc, err := a.do(ctx, http.MethodGet, a.baseURL(acct)+path, acct, nil)
	if err != nil {
		return provider.StatusReport{}, err
	}
	st, _ := a.statuses.Resolve(stringField(doc, a.cfg.StatusField))
	report := provider.StatusReport{
		Status:    st,
		ResultRef: stringField(doc, a.cfg.ResultField),
	}
	if p, ok := doc[a.cfg.ProgressField].(float64); ok {
		report.Progress = p
	}
	switch st {
	case genjob.StatusFailed:
		report.Err = provider.NewError(genjob.ErrorKindTransient, a.errorMessage(doc), nil)
	case genjob.StatusFiltered:
		report.Err = provider.NewError(genjob.ErrorKindFiltered, a.errorMessage(doc), nil)
	}
	return report, nil
}

// MapParameters implements provider.Adapter.
func (a *Adapter) MapParameters(_ string, c genjob.Canonical) (map[string]any, error) {
	out := map[string]any{a.name("prompt"): c.Prompt}
	if c.NegativePrompt != "" {
		out[a.name("negative_prompt")] = c.NegativePrompt
	}
	if c.Model != "" {
		out[a.name("model")] = c.Model
	}
	if c.Seed != 0 {
		out[a.name("seed")] = c.Seed
	}
	if len(c.SceneRefs) > 0 {
		out[a.name("scenes")] = c.SceneRefs
	}
	for k, v := range c.Params {
		out[a.name(k)] = v
	}
	return out, nil
}

func (a *Adapter) name(field string) string {
	if renamed, ok := a.cfg.ParamNames[field]; ok && renamed != "" {
		return renamed
	}
	return field
}

func (a *Adapter) baseURL(acct account.Account) string {
	if acct.Endpoint != "" {
		return strings.TrimRight(acct.Endpoint, "/")
	}
	return strings.TrimRight(a.cfg.BaseURL, "/")
}

func (a *Adapter) errorMessage(doc map[string]any) string {
	switch v := doc[a.cfg.ErrorField].(type) {
	case string:
		return v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return "provider reported failure"
}

func (a *Adapter) do(ctx context.Context, method, url string, acct account.Account, body []byte) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, provider.NewError(genjob.ErrorKindInvalid, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if acct.APIKey != "" {
		req.Header.Set(a.cfg.AuthHeader, strings.TrimSpace(a.cfg.AuthScheme+" "+acct.APIKey))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, provider.Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, provider.NewError(genjob.ErrorKindTransient, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, provider.FromStatus(resp.StatusCode, fmt.Sprintf("%s %s: %s", method, req.URL.Path, msg))
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, provider.NewError(genjob.ErrorKindTransient, "decode response", err)
	}
	return doc, nil
}

func stringField(doc map[string]any, field string) string {
	v, ok := doc[field]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}
