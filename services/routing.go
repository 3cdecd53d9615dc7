package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pagerloop/pagerloop/db"
)

// DeliveryPayload is the notification body handed to channel adapters.
// ToAddress is routing metadata for alias-resolved email deliveries and never
// serializes into webhook bodies.
type DeliveryPayload struct {
	EventType  string      `json:"event_type"`
	AlertID    string      `json:"alert_id"`
	OrgID      string      `json:"organization_id"`
	AlertType  string      `json:"alert_type"`
	Severity   db.Severity `json:"severity"`
	Title      string      `json:"title"`
	Details    string      `json:"details,omitempty"`
	StepNumber int         `json:"step_number"`
	OccurredAt time.Time   `json:"occurred_at"`

	ToAddress string `json:"-"`
}

// ResolvedTarget is one concrete delivery destination produced from a step's
// route entry. Label is the audit snapshot recorded on the escalation row.
type ResolvedTarget struct {
	ChannelID string
	Label     string
	ToAddress string
}

// RoutingService translates escalation step targets (channel ids or on-call
// aliases) into concrete channels, calling the rotation resolver for aliases.
type RoutingService struct {
	PG         *sql.DB
	Rotation   *RotationService
	Dispatcher *DispatchService
}

func NewRoutingService(pg *sql.DB, rotation *RotationService, dispatcher *DispatchService) *RoutingService {
	return &RoutingService{PG: pg, Rotation: rotation, Dispatcher: dispatcher}
}

// ResolveStepTargets maps every route entry of a step to a deliverable
// target. Unresolvable entries (missing on-call, inactive channel, severity
// below the channel floor) are logged and skipped, never fatal.
func (s *RoutingService) ResolveStepTargets(orgID string, step db.EscalationStep, sev db.Severity, now time.Time) ([]ResolvedTarget, error) {
	var targets []ResolvedTarget

	for _, target := range step.Targets() {
		switch target.Kind {
		case db.RouteKindChannel:
			resolved, ok, err := s.resolveChannelTarget(target.ChannelID, sev)
			if err != nil {
				return nil, err
			}
			if ok {
				targets = append(targets, resolved)
			}
		case db.RouteKindAlias:
			resolved, ok := s.resolveAliasTarget(orgID, target.Alias, now)
			if ok {
				targets = append(targets, resolved)
			}
		default:
			log.Printf("Router: unknown route target kind %q", target.Kind)
		}
	}

	return targets, nil
}

func (s *RoutingService) resolveChannelTarget(channelID string, sev db.Severity) (ResolvedTarget, bool, error) {
	channel, err := s.getChannel(channelID)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("Router: channel %s not found, skipping", channelID)
			return ResolvedTarget{}, false, nil
		}
		return ResolvedTarget{}, false, err
	}
	if !channel.Active {
		log.Printf("Router: channel %s is inactive, skipping", channelID)
		return ResolvedTarget{}, false, nil
	}
	if !sev.AtLeast(channel.MinSeverity) {
		return ResolvedTarget{}, false, nil
	}
	return ResolvedTarget{
		ChannelID: channel.ID,
		Label:     fmt.Sprintf("channel:%s", channel.ID),
	}, true, nil
}

// resolveAliasTarget resolves the on-call primary (local or forced-global)
// and routes to that user's email through the org's email channel.
func (s *RoutingService) resolveAliasTarget(orgID, alias string, now time.Time) (ResolvedTarget, bool) {
	var resolution *db.OnCallResolution
	var err error

	switch alias {
	case db.AliasOnCallPrimaryEmail:
		resolution, err = s.Rotation.ResolveNow(orgID, now)
	case db.AliasOnCallPrimaryGlobal:
		resolution, err = s.Rotation.ResolveGlobal(orgID, now)
	default:
		log.Printf("Router: unknown route alias %q", alias)
		return ResolvedTarget{}, false
	}

	if err != nil {
		if errors.Is(err, ErrNoSchedule) || errors.Is(err, ErrScheduleCycle) {
			log.Printf("Router: on-call resolution unavailable for org %s (%s): %v", orgID, alias, err)
			return ResolvedTarget{}, false
		}
		log.Printf("Router: failed to resolve on-call for org %s: %v", orgID, err)
		return ResolvedTarget{}, false
	}
	if resolution.PrimaryUserID == nil {
		log.Printf("Router: no primary on-call for org %s (%s)", orgID, alias)
		return ResolvedTarget{}, false
	}

	email, err := s.getUserEmail(*resolution.PrimaryUserID)
	if err != nil {
		log.Printf("Router: failed to look up email for user %s: %v", *resolution.PrimaryUserID, err)
		return ResolvedTarget{}, false
	}

	channel, err := s.getOrgEmailChannel(orgID)
	if err != nil {
		log.Printf("Router: no active email channel for org %s: %v", orgID, err)
		return ResolvedTarget{}, false
	}

	return ResolvedTarget{
		ChannelID: channel.ID,
		Label:     fmt.Sprintf("%s:%s", alias, email),
		ToAddress: email,
	}, true
}

// Deliver dispatches the event to every resolved target. Failures are
// recorded by the dispatcher and logged here; the scan continues regardless.
func (s *RoutingService) Deliver(ctx context.Context, event db.AlertEvent, step db.EscalationStep, targets []ResolvedTarget) {
	for _, target := range targets {
		payload := DeliveryPayload{
			EventType:  "alert.escalated",
			AlertID:    event.ID,
			OrgID:      event.OrganizationID,
			AlertType:  event.Type,
			Severity:   event.Severity,
			Title:      event.Title,
			Details:    event.Details,
			StepNumber: step.StepNumber,
			OccurredAt: event.CreatedAt,
			ToAddress:  target.ToAddress,
		}
		if err := s.Dispatcher.Dispatch(ctx, event.ID, target.ChannelID, payload); err != nil {
			log.Printf("Router: delivery to channel %s failed for event %s: %v", target.ChannelID, event.ID, err)
		}
	}
}

func (s *RoutingService) getChannel(channelID string) (db.AlertChannel, error) {
	var ch db.AlertChannel
	err := s.PG.QueryRow(`
		SELECT id, organization_id, type, name, min_severity, active, connected
		FROM alert_channels
		WHERE id = $1
	`, channelID).Scan(&ch.ID, &ch.OrganizationID, &ch.Type, &ch.Name,
		&ch.MinSeverity, &ch.Active, &ch.Connected)
	if err != nil {
		if err == sql.ErrNoRows {
			return ch, err
		}
		return ch, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

func (s *RoutingService) getOrgEmailChannel(orgID string) (db.AlertChannel, error) {
	var ch db.AlertChannel
	err := s.PG.QueryRow(`
		SELECT id, organization_id, type, name, min_severity, active, connected
		FROM alert_channels
		WHERE organization_id = $1 AND type = $2 AND active = true
		ORDER BY created_at ASC
		LIMIT 1
	`, orgID, db.ChannelEmail).Scan(&ch.ID, &ch.OrganizationID, &ch.Type, &ch.Name,
		&ch.MinSeverity, &ch.Active, &ch.Connected)
	if err != nil {
		if err == sql.ErrNoRows {
			return ch, fmt.Errorf("no active email channel")
		}
		return ch, fmt.Errorf("failed to get email channel: %w", err)
	}
	return ch, nil
}

func (s *RoutingService) getUserEmail(userID string) (string, error) {
	var email string
	err := s.PG.QueryRow(`SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if err != nil {
		return "", fmt.Errorf("failed to get user email: %w", err)
	}
	return email, nil
}
