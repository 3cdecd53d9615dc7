package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pagerloop/pagerloop/db"
)

const (
	dispatchMaxAttempts    = 3
	dispatchInitialBackoff = 200 * time.Millisecond
)

// ChannelAdapter sends one notification over a concrete provider. Adapters
// report ErrChannelNotConnected for missing provider handshakes, which the
// dispatcher treats as terminal.
type ChannelAdapter interface {
	Send(ctx context.Context, channel db.AlertChannel, cfg db.ChannelConfig, payload DeliveryPayload) error
}

// DispatchService owns the at-most-once delivery contract per (event,
// channel): dedup on a prior successful attempt, bounded retries with
// backoff, and an audit row per attempt.
type DispatchService struct {
	PG       *sql.DB
	Cipher   *db.ConfigCipher
	Adapters map[string]ChannelAdapter
	Timeout  time.Duration
}

func NewDispatchService(pg *sql.DB, cipher *db.ConfigCipher, adapters map[string]ChannelAdapter, timeout time.Duration) *DispatchService {
	return &DispatchService{PG: pg, Cipher: cipher, Adapters: adapters, Timeout: timeout}
}

// Dispatch delivers a payload to one channel for one event. A prior
// successful delivery for the pair makes this a no-op, so replays after a
// crash between the escalation record and delivery stay idempotent.
func (s *DispatchService) Dispatch(ctx context.Context, alertEventID, channelID string, payload DeliveryPayload) error {
	delivered, err := s.alreadyDelivered(alertEventID, channelID)
	if err != nil {
		return err
	}
	if delivered {
		return nil
	}

	channel, err := s.getChannelForDispatch(channelID)
	if err != nil {
		return err
	}

	if !channel.Connected {
		s.recordAttempt(alertEventID, channelID, 1, false, db.DeliveryErrNotConnected, "channel requires provider connection")
		return ErrChannelNotConnected
	}

	adapter, ok := s.Adapters[channel.Type]
	if !ok {
		s.recordAttempt(alertEventID, channelID, 1, false, db.DeliveryErrBadConfig, fmt.Sprintf("no adapter for channel type %s", channel.Type))
		return fmt.Errorf("no adapter registered for channel type %s", channel.Type)
	}

	cfg, err := s.Cipher.Open(channel.EncryptedConfig)
	if err != nil {
		s.recordAttempt(alertEventID, channelID, 1, false, db.DeliveryErrBadConfig, err.Error())
		return fmt.Errorf("failed to decrypt channel config: %w", err)
	}

	backoff := dispatchInitialBackoff
	for attempt := 1; attempt <= dispatchMaxAttempts; attempt++ {
		sendErr := s.sendOnce(ctx, adapter, channel, cfg, payload)
		if sendErr == nil {
			s.recordAttempt(alertEventID, channelID, attempt, true, "", "")
			return nil
		}

		var statusErr *HTTPStatusError
		code := db.DeliveryErrTransport
		if errors.Is(sendErr, ErrChannelNotConnected) {
			code = db.DeliveryErrNotConnected
		} else if errors.As(sendErr, &statusErr) {
			code = db.DeliveryErrHTTPStatus
		}
		s.recordAttempt(alertEventID, channelID, attempt, false, code, sendErr.Error())

		// A missing provider connection never recovers within a retry loop.
		if errors.Is(sendErr, ErrChannelNotConnected) {
			return ErrChannelNotConnected
		}

		if attempt < dispatchMaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	log.Printf("Dispatcher: all attempts exhausted for event %s channel %s", alertEventID, channelID)
	return ErrDeliveryFailed
}

func (s *DispatchService) sendOnce(ctx context.Context, adapter ChannelAdapter, channel db.AlertChannel, cfg db.ChannelConfig, payload DeliveryPayload) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return adapter.Send(attemptCtx, channel, cfg, payload)
}

// HTTPStatusError marks a provider response outside the 2xx range.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.StatusCode)
}

func (s *DispatchService) alreadyDelivered(alertEventID, channelID string) (bool, error) {
	var exists bool
	err := s.PG.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM alert_deliveries
			WHERE alert_event_id = $1 AND channel_id = $2 AND success = true
		)
	`, alertEventID, channelID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check delivery dedup: %w", err)
	}
	return exists, nil
}

func (s *DispatchService) getChannelForDispatch(channelID string) (db.AlertChannel, error) {
	var ch db.AlertChannel
	err := s.PG.QueryRow(`
		SELECT id, organization_id, type, name, min_severity, encrypted_config, active, connected
		FROM alert_channels
		WHERE id = $1
	`, channelID).Scan(&ch.ID, &ch.OrganizationID, &ch.Type, &ch.Name,
		&ch.MinSeverity, &ch.EncryptedConfig, &ch.Active, &ch.Connected)
	if err != nil {
		return ch, fmt.Errorf("failed to get channel for dispatch: %w", err)
	}
	return ch, nil
}

// recordAttempt writes the audit row for one attempt. Audit failures are
// logged, never allowed to mask the delivery outcome.
func (s *DispatchService) recordAttempt(alertEventID, channelID string, attempt int, success bool, errorCode, errorDetail string) {
	_, err := s.PG.Exec(`
		INSERT INTO alert_deliveries (id, alert_event_id, channel_id, attempt, success, error_code, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New().String(), alertEventID, channelID, attempt, success, errorCode, errorDetail, time.Now().UTC())
	if err != nil {
		log.Printf("Dispatcher: failed to record delivery attempt for event %s channel %s: %v", alertEventID, channelID, err)
	}
}
