package notifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"xrplalerts/internal/models"
)

// WebhookSender posts the canonical v1.0 envelope to user-configured
// endpoints with per-config method, headers and auth.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Send(ctx context.Context, p Payload) (SendResult, error) {
	cfg := p.Notification.ChannelConfig.Webhook
	if cfg == nil {
		return SendResult{}, permanentf("webhook channel config missing")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return SendResult{}, permanentf("webhook URL scheme must be http or https")
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return SendResult{}, permanentf("Unsupported HTTP method: %s", method)
	}

	env := buildEnvelope(p)
	body, err := json.Marshal(env)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "xrplalerts-webhook/1.0")
	if err := applyAuth(req, cfg.Auth); err != nil {
		return SendResult{}, err
	}
	// Caller headers win over defaults.
	for name, value := range cfg.Headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("%s %s: %w", method, cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return SendResult{}, &SendError{
			RetryAfter: retryAfterDuration(resp),
			Err:        fmt.Errorf("webhook rate limited"),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return SendResult{MessageID: env.Webhook.ID}, nil
}

func applyAuth(req *http.Request, auth *models.WebhookAuth) error {
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case models.AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	case models.AuthAPIKey:
		if auth.HeaderName == "" {
			return permanentf("api-key auth requires a header name")
		}
		req.Header.Set(auth.HeaderName, auth.Token)
	default:
		return permanentf("unknown webhook auth type: %s", auth.Type)
	}
	return nil
}
