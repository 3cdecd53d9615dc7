package services

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/pagerloop/pagerloop/db"
)

// PushChannel delivers through Firebase Cloud Messaging to the organization's
// alert topic. A nil messaging client means the Firebase credential was not
// available at startup; sends then fail as not connected.
type PushChannel struct {
	client *messaging.Client
}

// NewPushChannel initializes the Firebase Admin SDK from the given service
// account file. Initialization failure is logged and leaves the channel
// disconnected rather than failing startup.
func NewPushChannel(credentialFile string) *PushChannel {
	channel := &PushChannel{}

	if credentialFile == "" {
		log.Println("Push channel: no FCM credential configured, push delivery disabled")
		return channel
	}

	opt := option.WithCredentialsFile(credentialFile)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		log.Printf("Push channel: firebase app not initialized: %v", err)
		return channel
	}

	client, err := app.Messaging(context.Background())
	if err != nil {
		log.Printf("Push channel: firebase messaging client not initialized: %v", err)
		return channel
	}

	channel.client = client
	return channel
}

func (p *PushChannel) Send(ctx context.Context, channel db.AlertChannel, cfg db.ChannelConfig, payload DeliveryPayload) error {
	if p.client == nil {
		return ErrChannelNotConnected
	}

	msg := &messaging.Message{
		Topic: fmt.Sprintf("org-%s-alerts", payload.OrgID),
		Notification: &messaging.Notification{
			Title: fmt.Sprintf("[%s] %s", payload.Severity, payload.Title),
			Body:  payload.Details,
		},
		Data: map[string]string{
			"alert_id":    payload.AlertID,
			"alert_type":  payload.AlertType,
			"severity":    string(payload.Severity),
			"step_number": fmt.Sprintf("%d", payload.StepNumber),
			"event_type":  payload.EventType,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	if _, err := p.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send failed: %w", err)
	}
	return nil
}
