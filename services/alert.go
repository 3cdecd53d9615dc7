package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pagerloop/pagerloop/db"
)

// AlertService owns alert event ingestion, acknowledgment, and the audit
// read paths for escalations and deliveries.
type AlertService struct {
	PG      *sql.DB
	Limiter RateLimiter
}

func NewAlertService(pg *sql.DB, limiter RateLimiter) *AlertService {
	return &AlertService{PG: pg, Limiter: limiter}
}

// RecordFailure ingests one failure report. Repeated reports of the same
// open (organization, type) pair bump the existing event's count instead of
// opening a new one, so the scanner escalates off the first occurrence.
func (s *AlertService) RecordFailure(ctx context.Context, req db.RecordFailureRequest, now time.Time) (*db.AlertEvent, error) {
	if req.Severity.Rank() < 0 {
		return nil, fmt.Errorf("invalid severity %q", req.Severity)
	}

	allowed, err := s.Limiter.Allow(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to check ingest rate limit: %w", err)
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	existing, found, err := s.openEventByType(req.OrganizationID, req.AlertType)
	if err != nil {
		return nil, err
	}
	if found {
		_, err := s.PG.Exec(`
			UPDATE alert_events SET count = count + 1 WHERE id = $1
		`, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to bump alert event count: %w", err)
		}
		existing.Count++
		return &existing, nil
	}

	event := db.AlertEvent{
		ID:             uuid.New().String(),
		OrganizationID: req.OrganizationID,
		Type:           req.AlertType,
		Severity:       req.Severity,
		Title:          req.Title,
		Details:        req.Details,
		Count:          1,
		CreatedAt:      now,
	}
	if event.Title == "" {
		event.Title = req.AlertType
	}

	_, err = s.PG.Exec(`
		INSERT INTO alert_events (id, organization_id, type, severity, title, details, count, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
	`, event.ID, event.OrganizationID, event.Type, event.Severity,
		event.Title, event.Details, event.Count, event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert alert event: %w", err)
	}
	return &event, nil
}

// Acknowledge closes an open alert event. Acknowledging an already-closed
// event reports ErrEventNotFound so callers can surface the conflict.
func (s *AlertService) Acknowledge(eventID, userID string, now time.Time) error {
	result, err := s.PG.Exec(`
		UPDATE alert_events
		SET acknowledged = true, acknowledged_at = $1, acknowledged_by = $2
		WHERE id = $3 AND acknowledged = false
	`, now, userID, eventID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check acknowledge result: %w", err)
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

// GetEvent loads one alert event by id.
func (s *AlertService) GetEvent(eventID string) (*db.AlertEvent, error) {
	var ev db.AlertEvent
	var ackAt sql.NullTime
	var ackBy sql.NullString
	err := s.PG.QueryRow(`
		SELECT id, organization_id, type, severity, title, COALESCE(details, ''), count,
		       acknowledged, acknowledged_at, acknowledged_by, created_at
		FROM alert_events
		WHERE id = $1
	`, eventID).Scan(&ev.ID, &ev.OrganizationID, &ev.Type, &ev.Severity, &ev.Title,
		&ev.Details, &ev.Count, &ev.Acknowledged, &ackAt, &ackBy, &ev.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get alert event: %w", err)
	}
	if ackAt.Valid {
		ev.AcknowledgedAt = &ackAt.Time
	}
	if ackBy.Valid {
		ev.AcknowledgedBy = &ackBy.String
	}
	return &ev, nil
}

// ListEscalations returns the escalation audit trail for an event, oldest
// first, including suppressed rows.
func (s *AlertService) ListEscalations(eventID string) ([]db.AlertEscalation, error) {
	rows, err := s.PG.Query(`
		SELECT id, alert_event_id, policy_id, step_number, suppressed, reason, routed_to::text, created_at
		FROM alert_escalations
		WHERE alert_event_id = $1
		ORDER BY created_at ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert escalations: %w", err)
	}
	defer rows.Close()

	var escalations []db.AlertEscalation
	for rows.Next() {
		var esc db.AlertEscalation
		var reason sql.NullString
		var routedToJSON string
		err := rows.Scan(&esc.ID, &esc.AlertEventID, &esc.PolicyID, &esc.StepNumber,
			&esc.Suppressed, &reason, &routedToJSON, &esc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert escalation: %w", err)
		}
		if reason.Valid {
			esc.Reason = &reason.String
		}
		if err := json.Unmarshal([]byte(routedToJSON), &esc.RoutedTo); err != nil {
			return nil, fmt.Errorf("failed to parse routed_to for escalation %s: %w", esc.ID, err)
		}
		escalations = append(escalations, esc)
	}
	return escalations, rows.Err()
}

// ListDeliveries returns every delivery attempt for an event, oldest first.
func (s *AlertService) ListDeliveries(eventID string) ([]db.AlertDelivery, error) {
	rows, err := s.PG.Query(`
		SELECT id, alert_event_id, channel_id, attempt, success,
		       COALESCE(error_code, ''), COALESCE(error_detail, ''), created_at
		FROM alert_deliveries
		WHERE alert_event_id = $1
		ORDER BY created_at ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []db.AlertDelivery
	for rows.Next() {
		var d db.AlertDelivery
		err := rows.Scan(&d.ID, &d.AlertEventID, &d.ChannelID, &d.Attempt,
			&d.Success, &d.ErrorCode, &d.ErrorDetail, &d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (s *AlertService) openEventByType(orgID, alertType string) (db.AlertEvent, bool, error) {
	var ev db.AlertEvent
	err := s.PG.QueryRow(`
		SELECT id, organization_id, type, severity, title, COALESCE(details, ''), count, created_at
		FROM alert_events
		WHERE organization_id = $1 AND type = $2 AND acknowledged = false
		ORDER BY created_at DESC
		LIMIT 1
	`, orgID, alertType).Scan(&ev.ID, &ev.OrganizationID, &ev.Type, &ev.Severity,
		&ev.Title, &ev.Details, &ev.Count, &ev.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ev, false, nil
		}
		return ev, false, fmt.Errorf("failed to look up open alert event: %w", err)
	}
	return ev, true, nil
}
