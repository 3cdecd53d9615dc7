package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pagerloop/pagerloop/db"
)

// EmailChannel sends through an HTTP email provider API with a bearer token.
// The recipient comes from the routed target when the step resolved an
// on-call alias, otherwise from the channel's configured default.
type EmailChannel struct {
	client *http.Client
}

type emailMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func NewEmailChannel() *EmailChannel {
	return &EmailChannel{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (e *EmailChannel) Send(ctx context.Context, channel db.AlertChannel, cfg db.ChannelConfig, payload DeliveryPayload) error {
	if cfg.URL == "" || cfg.Token == "" {
		return fmt.Errorf("email channel %s is missing provider url or token", channel.ID)
	}

	to := payload.ToAddress
	if to == "" {
		to = cfg.ToAddress
	}
	if to == "" {
		return fmt.Errorf("email channel %s has no recipient", channel.ID)
	}

	msg := emailMessage{
		From:    cfg.FromAddress,
		To:      to,
		Subject: fmt.Sprintf("[%s] %s", payload.Severity, payload.Title),
		Text: fmt.Sprintf("Alert %s (%s) escalated to step %d at %s.\n\n%s",
			payload.AlertID, payload.AlertType, payload.StepNumber,
			payload.OccurredAt.Format(time.RFC3339), payload.Details),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
