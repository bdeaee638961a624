package external

import (
	"net/http"
	"time"

	"notifypipe/internal/config"
	"notifypipe/internal/provider"
	"notifypipe/internal/types"
)

// providerHTTPTimeout caps a single provider call. The worker's send_timeout
// on the context usually fires first.
const providerHTTPTimeout = 15 * time.Second

// NewSinkRegistry builds the channel router used by the workers. With
// Kind "stub" every channel gets a StubSink; otherwise SendGrid serves email
// and FCM serves push. Each sink is wrapped in a rate limiter.
func NewSinkRegistry(cfg config.ProviderConfig, channels []types.Channel, userAgent string, logger types.Logger) *provider.Router {
	sinks := make(map[types.Channel]provider.Sink, len(channels))

	if cfg.Kind == "stub" {
		logger.Info("initializing providers in STUB mode")
		for _, ch := range channels {
			sinks[ch] = NewStubSink(ch, logger.With("mode", "stub"))
		}
		return provider.NewRouter(sinks)
	}

	logger.Info("initializing providers in LIVE mode")
	httpClient := &http.Client{Timeout: providerHTTPTimeout}

	for _, ch := range channels {
		var sink provider.Sink
		switch ch {
		case types.ChannelEmail:
			base := NewBaseClient(httpClient, "sendgrid", DefaultBreakerSettings(), userAgent)
			sink = NewSendGridClient(base, SendGridClientConfig{
				APIKey:      cfg.SendGridAPIKey.Unmask(),
				BaseURL:     cfg.SendGridURL,
				FromAddress: cfg.FromAddress,
				FromName:    cfg.FromName,
			})
		case types.ChannelPush:
			base := NewBaseClient(httpClient, "fcm", DefaultBreakerSettings(), userAgent)
			sink = NewFCMClient(base, FCMClientConfig{
				ProjectID:   cfg.FCMProjectID,
				AccessToken: cfg.FCMAccessToken.Unmask(),
				BaseURL:     cfg.FCMBaseURL,
			})
		default:
			continue
		}
		sinks[ch] = provider.NewRateLimited(sink, cfg.RateLimit, cfg.RateBurst)
	}
	return provider.NewRouter(sinks)
}
