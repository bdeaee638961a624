package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"notifypipe/internal/provider"
	"notifypipe/internal/types"
)

func testPush(priority types.Priority) provider.Message {
	return provider.Message{
		RequestID:     "r2",
		Channel:       types.ChannelPush,
		Recipient:     "device-token-1",
		Subject:       "Order shipped",
		Body:          "Your order is on its way",
		Priority:      priority,
		CorrelationID: "c2",
	}
}

func TestFCMSend_Success(t *testing.T) {
	var got fcmRequest
	var path, auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"projects/demo/messages/0:123"}`))
	}))
	defer server.Close()

	c := NewFCMClient(newTestBase(5), FCMClientConfig{ProjectID: "demo", AccessToken: "ya29.token", BaseURL: server.URL})
	res, err := c.Send(context.Background(), testPush(types.PriorityHigh))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if path != "/v1/projects/demo/messages:send" {
		t.Errorf("unexpected path %q", path)
	}
	if auth != "Bearer ya29.token" {
		t.Errorf("unexpected Authorization %q", auth)
	}
	if res.Status != types.OutcomeDelivered || res.ProviderMessageID != "projects/demo/messages/0:123" {
		t.Errorf("unexpected result %+v", res)
	}
	if got.Message.Token != "device-token-1" || got.Message.Notification.Title != "Order shipped" {
		t.Errorf("unexpected message %+v", got.Message)
	}
	if got.Message.Data["request_id"] != "r2" || got.Message.Data["correlation_id"] != "c2" {
		t.Errorf("unexpected data %+v", got.Message.Data)
	}
	if got.Message.Android.Priority != "HIGH" || got.Message.APNS.Headers["apns-priority"] != "10" {
		t.Errorf("high priority not mapped: %+v %+v", got.Message.Android, got.Message.APNS)
	}
}

func TestFCMBuildRequest_NormalPriority(t *testing.T) {
	c := NewFCMClient(newTestBase(5), FCMClientConfig{ProjectID: "demo"})
	req := c.buildRequest(testPush(types.PriorityLow))
	if req.Message.Android.Priority != "NORMAL" || req.Message.APNS.Headers["apns-priority"] != "5" {
		t.Errorf("unexpected priority mapping %+v", req.Message)
	}
}

func TestFCMSend_Classification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   types.ErrorKind
	}{
		{http.StatusBadRequest, `{"error":{"code":400,"message":"bad token","status":"INVALID_ARGUMENT"}}`, types.KindSendPermanent},
		{http.StatusNotFound, `{"error":{"code":404,"message":"gone","status":"UNREGISTERED"}}`, types.KindSendPermanent},
		{http.StatusForbidden, `{"error":{"code":403,"status":"SENDER_ID_MISMATCH"}}`, types.KindSendPermanent},
		{http.StatusTooManyRequests, `{"error":{"code":429,"status":"QUOTA_EXCEEDED"}}`, types.KindSendTransient},
		{http.StatusUnauthorized, `{}`, types.KindSendTransient},
		{http.StatusInternalServerError, ``, types.KindSendTransient},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(tt.body))
		}))

		c := NewFCMClient(newTestBase(50), FCMClientConfig{ProjectID: "demo", BaseURL: server.URL})
		_, err := c.Send(context.Background(), testPush(types.PriorityNormal))
		server.Close()

		if got := types.KindOf(err, ""); got != tt.want {
			t.Errorf("status %d: expected %s, got %s (%v)", tt.status, tt.want, got, err)
		}
	}
}
