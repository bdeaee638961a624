package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"notifypipe/internal/provider"
	"notifypipe/internal/types"
)

// sendGridAPIBase is the default SendGrid API base URL.
const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridClientConfig holds the configuration for creating a SendGridClient.
type SendGridClientConfig struct {
	APIKey      string
	BaseURL     string // defaults to sendGridAPIBase
	FromAddress string
	FromName    string
}

// SendGridClient delivers rendered email through the SendGrid v3 Mail Send API.
type SendGridClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	from    sendGridAddress
}

// NewSendGridClient creates a SendGridClient on top of base.
func NewSendGridClient(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		from:    sendGridAddress{Email: cfg.FromAddress, Name: cfg.FromName},
	}
}

// Send posts the rendered message and classifies the response:
//   - 202 -> delivered, X-Message-Id as the provider message id
//   - 429, 5xx, 401 -> transient (401 covers a key mid-rotation)
//   - 403 -> permanent, recipient blocked or suppressed
//   - other 4xx -> permanent, request rejected
func (s *SendGridClient) Send(ctx context.Context, msg provider.Message) (provider.Result, error) {
	body, err := json.Marshal(s.buildMailPayload(msg))
	if err != nil {
		return provider.Permanent("encode SendGrid payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return provider.Permanent("build SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return provider.Result{Status: types.OutcomeTransientFailure, Reason: "SendGrid unreachable"}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return provider.Delivered(resp.Header.Get("X-Message-Id")), nil
	}
	return s.classify(resp)
}

// sendGridMailPayload is the v3 mail/send request body with inline content.
type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

type sendGridPersonalization struct {
	To         []sendGridAddress `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *SendGridClient) buildMailPayload(msg provider.Message) sendGridMailPayload {
	contentType := "text/plain"
	if looksLikeHTML(msg.Body) {
		contentType = "text/html"
	}

	args := map[string]string{"request_id": msg.IdempotencyKey()}
	if msg.CorrelationID != "" {
		args["correlation_id"] = msg.CorrelationID
	}

	return sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{
			To:         []sendGridAddress{{Email: msg.Recipient}},
			CustomArgs: args,
		}},
		From:    s.from,
		Subject: msg.Subject,
		Content: []sendGridContent{{Type: contentType, Value: msg.Body}},
	}
}

func looksLikeHTML(body string) bool {
	b := strings.TrimSpace(body)
	return strings.HasPrefix(b, "<") && strings.Contains(b, ">")
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (s *SendGridClient) classify(resp *http.Response) (provider.Result, error) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	detail := strings.TrimSpace(string(raw))
	var sgErr sendGridErrorResponse
	if json.Unmarshal(raw, &sgErr) == nil && len(sgErr.Errors) > 0 {
		detail = sgErr.Errors[0].Message
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return provider.Transient("SendGrid rate limit exceeded", s.base.RetryAfter(resp),
			types.NewAppError(types.ErrCodeUpstreamRateLimited, detail, nil))
	case code >= 500:
		return provider.Transient(fmt.Sprintf("SendGrid server error %d", code), s.base.RetryAfter(resp),
			types.NewAppError(types.ErrCodeUpstreamEmailProvider, detail, nil))
	case code == http.StatusUnauthorized:
		return provider.Transient("SendGrid rejected credentials", 0,
			types.NewAppError(types.ErrCodeUpstreamEmailProvider, detail, nil))
	case code == http.StatusForbidden:
		return provider.Permanent("SendGrid blocked delivery: "+detail,
			types.NewAppError(types.ErrCodeEmailBlocked, detail, nil))
	default:
		return provider.Permanent(fmt.Sprintf("SendGrid rejected message (%d): %s", code, detail),
			types.NewAppError(types.ErrCodeRecipientRejected, detail, nil))
	}
}

var _ provider.Sink = (*SendGridClient)(nil)
