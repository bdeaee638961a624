// Package render calls the Template Service to turn a template id and data
// into a subject and body, and classifies its failures into transient and
// permanent kinds.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notifypipe/internal/types"
)

// Error codes returned in the Template Service response envelope.
const (
	CodeTemplateNotFound = "TEMPLATE_NOT_FOUND"
	CodeMissingVariables = "MISSING_VARIABLES"
)

// maxResponseBytes bounds how much of a render response is read.
const maxResponseBytes = 1 << 20

// Rendered is the output of a successful render.
type Rendered struct {
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	VariablesUsed []string `json:"variables_used"`
}

// Client renders a template.
type Client interface {
	Render(ctx context.Context, templateID string, data map[string]any, languageCode string) (*Rendered, error)
}

type renderRequest struct {
	Data         map[string]any `json:"data"`
	LanguageCode string         `json:"language_code"`
}

// envelope is the Template Service standard response.
type envelope struct {
	Success bool      `json:"success"`
	Data    *Rendered `json:"data"`
	Error   string    `json:"error"`
	Message string    `json:"message"`
}

// HTTPClient renders templates over the Template Service HTTP API.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	timeout   time.Duration
	userAgent string
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithUserAgent sets the User-Agent sent to the Template Service.
func WithUserAgent(ua string) HTTPClientOption {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// NewHTTPClient creates an HTTPClient. timeout bounds every call in addition
// to any deadline already on the context.
func NewHTTPClient(httpClient *http.Client, baseURL string, timeout time.Duration, opts ...HTTPClientOption) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &HTTPClient{
		client:    httpClient,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		timeout:   timeout,
		userAgent: "notifypipe-worker",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Render POSTs {data, language_code} to /api/v1/templates/{id}/render.
//
// Classification:
//   - TEMPLATE_NOT_FOUND or HTTP 404 -> RENDER_PERMANENT
//   - MISSING_VARIABLES or HTTP 400/422 -> RENDER_PERMANENT
//   - timeout, connection error, 5xx, 429, unreadable response -> RENDER_TRANSIENT
func (c *HTTPClient) Render(ctx context.Context, templateID string, data map[string]any, languageCode string) (*Rendered, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(renderRequest{Data: data, LanguageCode: languageCode})
	if err != nil {
		return nil, types.NewPipelineError(types.KindRenderPermanent, "template data is not serializable", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/templates/%s/render", c.baseURL, url.PathEscape(templateID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewPipelineError(types.KindRenderPermanent, "build render request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if id := types.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		msg := "template service unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "template service timed out"
		}
		return nil, types.NewPipelineError(types.KindRenderTransient, msg, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, types.NewPipelineError(types.KindRenderTransient, "read render response", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, templateID, env.Error, env.Message)
	}
	if decodeErr != nil {
		return nil, types.NewPipelineError(types.KindRenderTransient, "malformed render response", decodeErr)
	}
	if !env.Success {
		return nil, classifyEnvelope(templateID, env.Error, env.Message)
	}
	if env.Data == nil {
		return nil, types.NewPipelineError(types.KindRenderTransient, "render response missing data", nil)
	}
	return env.Data, nil
}

func classifyStatus(status int, templateID, code, message string) error {
	switch {
	case status == http.StatusNotFound:
		return permanent(CodeTemplateNotFound, templateID, message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if code == "" {
			code = CodeMissingVariables
		}
		return permanent(code, templateID, message)
	case status == http.StatusTooManyRequests || status >= 500:
		return types.NewPipelineError(types.KindRenderTransient,
			fmt.Sprintf("template service returned %d", status), nil)
	default:
		return types.NewPipelineError(types.KindRenderPermanent,
			fmt.Sprintf("template service rejected %s with %d", templateID, status), nil)
	}
}

// classifyEnvelope handles a 2xx response with success=false. Unknown error
// codes are treated as transient so the retry budget decides.
func classifyEnvelope(templateID, code, message string) error {
	switch code {
	case CodeTemplateNotFound, CodeMissingVariables:
		return permanent(code, templateID, message)
	}
	return types.NewPipelineError(types.KindRenderTransient,
		fmt.Sprintf("render of %s failed: %s %s", templateID, code, message), nil)
}

func permanent(code, templateID, message string) error {
	if message == "" {
		message = templateID
	}
	return types.NewPipelineError(types.KindRenderPermanent, fmt.Sprintf("%s: %s", code, message), nil)
}
