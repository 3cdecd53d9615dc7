package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pagerloop/pagerloop/db"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackChannel posts an attachment-formatted message via chat.postMessage.
type SlackChannel struct {
	client *http.Client
}

type slackMessage struct {
	Channel     string            `json:"channel"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func NewSlackChannel() *SlackChannel {
	return &SlackChannel{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *SlackChannel) Send(ctx context.Context, channel db.AlertChannel, cfg db.ChannelConfig, payload DeliveryPayload) error {
	if cfg.Token == "" {
		// Slack requires a completed OAuth install before any send works.
		return ErrChannelNotConnected
	}
	if cfg.SlackChannel == "" {
		return fmt.Errorf("slack channel %s has no destination channel configured", channel.ID)
	}

	msg := slackMessage{
		Channel: cfg.SlackChannel,
		Text:    fmt.Sprintf("Alert escalated: %s", payload.Title),
		Attachments: []slackAttachment{
			{
				Color: severityColor(payload.Severity),
				Title: payload.Title,
				Text:  payload.Details,
				Fields: []slackField{
					{Title: "Severity", Value: string(payload.Severity), Short: true},
					{Title: "Step", Value: fmt.Sprintf("%d", payload.StepNumber), Short: true},
					{Title: "Type", Value: payload.AlertType, Short: true},
				},
				Footer: "PagerLoop",
			},
		},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackPostMessageURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	var slackResp slackResponse
	if err := json.NewDecoder(resp.Body).Decode(&slackResp); err != nil {
		return fmt.Errorf("failed to decode slack response: %w", err)
	}
	if !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}
	return nil
}

func severityColor(sev db.Severity) string {
	switch sev {
	case db.SeverityCritical:
		return "#dc3545"
	case db.SeverityHigh:
		return "#fd7e14"
	case db.SeverityMedium:
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}
