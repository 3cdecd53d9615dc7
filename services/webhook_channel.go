package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pagerloop/pagerloop/db"
)

// WebhookChannel posts the JSON payload to the configured endpoint, signed
// with HMAC-SHA256 over the exact request body.
type WebhookChannel struct {
	client *http.Client
}

func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (w *WebhookChannel) Send(ctx context.Context, channel db.AlertChannel, cfg db.ChannelConfig, payload DeliveryPayload) error {
	if cfg.URL == "" {
		return fmt.Errorf("webhook channel %s has no url configured", channel.ID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PagerLoop-Event", payload.EventType)
	if cfg.Secret != "" {
		req.Header.Set("X-PagerLoop-Signature", signBody(cfg.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// signBody computes the hex HMAC-SHA256 of the body under the shared secret.
// Receivers must recompute over the raw bytes before parsing.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
