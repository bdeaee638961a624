package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"notifypipe/internal/provider"
	"notifypipe/internal/types"
)

const fcmAPIBase = "https://fcm.googleapis.com"

// FCMClientConfig holds the configuration for creating an FCMClient.
type FCMClientConfig struct {
	ProjectID   string
	AccessToken string
	BaseURL     string // defaults to fcmAPIBase
}

// FCMClient delivers push notifications through the FCM HTTP v1 API.
type FCMClient struct {
	base     *BaseClient
	token    string
	endpoint string
}

// NewFCMClient creates an FCMClient on top of base.
func NewFCMClient(base *BaseClient, cfg FCMClientConfig) *FCMClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fcmAPIBase
	}
	return &FCMClient{
		base:     base,
		token:    cfg.AccessToken,
		endpoint: fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimSuffix(baseURL, "/"), url.PathEscape(cfg.ProjectID)),
	}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroid        `json:"android"`
	APNS         fcmAPNS           `json:"apns"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers"`
}

type fcmResponse struct {
	Name string `json:"name"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *FCMClient) buildRequest(msg provider.Message) fcmRequest {
	androidPriority, apnsPriority := "NORMAL", "5"
	if msg.Priority == types.PriorityHigh {
		androidPriority, apnsPriority = "HIGH", "10"
	}

	data := map[string]string{"request_id": msg.IdempotencyKey()}
	if msg.CorrelationID != "" {
		data["correlation_id"] = msg.CorrelationID
	}

	return fcmRequest{Message: fcmMessage{
		Token:        msg.Recipient,
		Notification: fcmNotification{Title: msg.Subject, Body: msg.Body},
		Data:         data,
		Android:      fcmAndroid{Priority: androidPriority},
		APNS:         fcmAPNS{Headers: map[string]string{"apns-priority": apnsPriority}},
	}}
}

// Send posts one message. 200 is delivered with the returned message name as
// the provider id. 400, 403 and 404 (invalid or unregistered token, sender
// mismatch) are permanent; everything else is transient.
func (c *FCMClient) Send(ctx context.Context, msg provider.Message) (provider.Result, error) {
	body, err := json.Marshal(c.buildRequest(msg))
	if err != nil {
		return provider.Permanent("encode FCM payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.Permanent("build FCM request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.base.Do(req)
	if err != nil {
		return provider.Result{Status: types.OutcomeTransientFailure, Reason: "FCM unreachable"}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusOK {
		var out fcmResponse
		_ = json.Unmarshal(raw, &out)
		return provider.Delivered(out.Name), nil
	}

	detail := strings.TrimSpace(string(raw))
	var fe fcmErrorResponse
	if json.Unmarshal(raw, &fe) == nil && fe.Error.Status != "" {
		detail = fe.Error.Status + ": " + fe.Error.Message
	}

	switch code := resp.StatusCode; code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return provider.Permanent(fmt.Sprintf("FCM rejected message (%d): %s", code, detail),
			types.NewAppError(types.ErrCodeRecipientRejected, detail, nil))
	case http.StatusTooManyRequests:
		return provider.Transient("FCM quota exceeded", c.base.RetryAfter(resp),
			types.NewAppError(types.ErrCodeUpstreamRateLimited, detail, nil))
	default:
		return provider.Transient(fmt.Sprintf("FCM returned %d", code), c.base.RetryAfter(resp),
			types.NewAppError(types.ErrCodeUpstreamPushProvider, detail, nil))
	}
}

var _ provider.Sink = (*FCMClient)(nil)
