package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pagerloop/pagerloop/db"
)

// escalationCooldown is the minimum spacing before the same step may be
// considered again for the same event. A re-fire inside the window is skipped
// entirely: not recorded, not delivered.
const escalationCooldown = 10 * time.Minute

// ScanResult summarizes one escalation scan tick for an organization.
type ScanResult struct {
	TotalProcessed int `json:"total_processed"`
	Escalated      int `json:"escalated"`
	Suppressed     int `json:"suppressed"`
}

// EscalationService walks open alert events against the organization's
// active policy and fires or suppresses escalation steps. The evaluation
// instant is always passed in; the service never reads the wall clock.
type EscalationService struct {
	PG     *sql.DB
	Router *RoutingService
}

func NewEscalationService(pg *sql.DB, router *RoutingService) *EscalationService {
	return &EscalationService{PG: pg, Router: router}
}

// RunEscalationScanForOrg processes every open alert event for one
// organization at the given instant. Event-level failures are logged and
// contained; one broken event never blocks the rest of the scan.
func (s *EscalationService) RunEscalationScanForOrg(ctx context.Context, orgID string, now time.Time) (*ScanResult, error) {
	result := &ScanResult{}

	policy, err := s.GetActivePolicy(orgID)
	if err != nil {
		if errors.Is(err, ErrNoPolicy) {
			return result, nil
		}
		return nil, err
	}

	events, err := s.getOpenEvents(orgID)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		result.TotalProcessed++

		outcome, err := s.processEvent(ctx, policy, event, now)
		if err != nil {
			log.Printf("Scanner: failed to process event %s: %v", event.ID, err)
			continue
		}
		switch outcome {
		case outcomeEscalated:
			result.Escalated++
		case outcomeSuppressed:
			result.Suppressed++
		}
	}

	return result, nil
}

type scanOutcome int

const (
	outcomeNone scanOutcome = iota
	outcomeEscalated
	outcomeSuppressed
)

// processEvent evaluates one open event: pick the highest eligible step,
// dedup against recorded escalations, apply cooldown, then fire or suppress.
func (s *EscalationService) processEvent(ctx context.Context, policy *db.EscalationPolicy, event db.AlertEvent, now time.Time) (scanOutcome, error) {
	elapsedMinutes := int(now.Sub(event.CreatedAt).Minutes())

	step, ok := highestEligibleStep(policy, event.Severity, elapsedMinutes)
	if !ok {
		return outcomeNone, nil
	}

	fired, err := s.stepAlreadyFired(event.ID, step.StepNumber)
	if err != nil {
		return outcomeNone, err
	}
	if fired {
		return outcomeNone, nil
	}

	lastAt, found, err := s.lastStepRecord(event.ID, step.StepNumber)
	if err != nil {
		return outcomeNone, err
	}
	if found && now.Sub(lastAt) < escalationCooldown {
		// Cooldown skip: neither recorded nor re-delivered.
		return outcomeNone, nil
	}

	quiet, err := quietHoursActive(policy, now)
	if err != nil {
		return outcomeNone, err
	}
	if quiet {
		reason := db.SuppressReasonQuietHours
		if err := s.recordEscalation(event.ID, policy.ID, step.StepNumber, true, &reason, nil, now); err != nil {
			return outcomeNone, err
		}
		return outcomeSuppressed, nil
	}

	targets, err := s.Router.ResolveStepTargets(event.OrganizationID, step, event.Severity, now)
	if err != nil {
		return outcomeNone, fmt.Errorf("failed to resolve step targets: %w", err)
	}

	routedTo := make([]string, 0, len(targets))
	for _, t := range targets {
		routedTo = append(routedTo, t.Label)
	}

	// The escalation row is the dedup anchor; write it before dispatching so
	// a crash mid-delivery never double-fires the step. Replayed deliveries
	// are deduped per channel by the dispatcher.
	if err := s.recordEscalation(event.ID, policy.ID, step.StepNumber, false, nil, routedTo, now); err != nil {
		return outcomeNone, err
	}

	s.Router.Deliver(ctx, event, step, targets)
	return outcomeEscalated, nil
}

// highestEligibleStep returns the step with the largest effective threshold
// among those the event currently satisfies, breaking ties by step number.
func highestEligibleStep(policy *db.EscalationPolicy, sev db.Severity, elapsedMinutes int) (db.EscalationStep, bool) {
	var best db.EscalationStep
	bestAfter := -1
	for _, step := range policy.Steps {
		after := policy.EffectiveAfterMinutes(step, sev)
		if elapsedMinutes < after || !sev.AtLeast(step.MinSeverity) {
			continue
		}
		if after > bestAfter || (after == bestAfter && step.StepNumber > best.StepNumber) {
			best = step
			bestAfter = after
		}
	}
	return best, bestAfter >= 0
}

// quietHoursActive reports whether the instant falls inside the policy's
// quiet hours in policy-local time. An end at or before the start wraps the
// window past midnight.
func quietHoursActive(policy *db.EscalationPolicy, now time.Time) (bool, error) {
	if !policy.QuietHours {
		return false, nil
	}
	loc, err := time.LoadLocation(policy.Timezone)
	if err != nil {
		return false, fmt.Errorf("invalid policy timezone %q: %w", policy.Timezone, err)
	}
	startMin, err := parseClock(policy.QuietHoursStart)
	if err != nil {
		return false, fmt.Errorf("invalid quiet hours start: %w", err)
	}
	endMin, err := parseClock(policy.QuietHoursEnd)
	if err != nil {
		return false, fmt.Errorf("invalid quiet hours end: %w", err)
	}

	local := now.In(loc)
	nowMin := local.Hour()*60 + local.Minute()

	if endMin <= startMin {
		return nowMin >= startMin || nowMin < endMin, nil
	}
	return nowMin >= startMin && nowMin < endMin, nil
}

// GetActivePolicy loads the organization's most recent active policy with its
// ordered steps. Returns ErrNoPolicy when none exists.
func (s *EscalationService) GetActivePolicy(orgID string) (*db.EscalationPolicy, error) {
	var policy db.EscalationPolicy
	err := s.PG.QueryRow(`
		SELECT id, organization_id, name, timezone, quiet_hours,
		       COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''),
		       sla_critical, sla_high, sla_medium, sla_low, active, created_at, updated_at
		FROM escalation_policies
		WHERE organization_id = $1 AND active = true
		ORDER BY created_at DESC
		LIMIT 1
	`, orgID).Scan(
		&policy.ID, &policy.OrganizationID, &policy.Name, &policy.Timezone,
		&policy.QuietHours, &policy.QuietHoursStart, &policy.QuietHoursEnd,
		&policy.SLACritical, &policy.SLAHigh, &policy.SLAMedium, &policy.SLALow,
		&policy.Active, &policy.CreatedAt, &policy.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoPolicy
		}
		return nil, fmt.Errorf("failed to get escalation policy: %w", err)
	}

	rows, err := s.PG.Query(`
		SELECT id, policy_id, step_number, after_minutes, route_to::text, min_severity
		FROM escalation_steps
		WHERE policy_id = $1
		ORDER BY step_number ASC
	`, policy.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step db.EscalationStep
		var routeToJSON string
		err := rows.Scan(&step.ID, &step.PolicyID, &step.StepNumber,
			&step.AfterMinutes, &routeToJSON, &step.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation step: %w", err)
		}
		if err := json.Unmarshal([]byte(routeToJSON), &step.RouteTo); err != nil {
			return nil, fmt.Errorf("failed to parse route_to for step %s: %w", step.ID, err)
		}
		policy.Steps = append(policy.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &policy, nil
}

func (s *EscalationService) getOpenEvents(orgID string) ([]db.AlertEvent, error) {
	rows, err := s.PG.Query(`
		SELECT id, organization_id, type, severity, title, COALESCE(details, ''), count, created_at
		FROM alert_events
		WHERE organization_id = $1 AND acknowledged = false
		ORDER BY created_at ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open alert events: %w", err)
	}
	defer rows.Close()

	var events []db.AlertEvent
	for rows.Next() {
		var ev db.AlertEvent
		err := rows.Scan(&ev.ID, &ev.OrganizationID, &ev.Type, &ev.Severity,
			&ev.Title, &ev.Details, &ev.Count, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *EscalationService) stepAlreadyFired(eventID string, stepNumber int) (bool, error) {
	var exists bool
	err := s.PG.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM alert_escalations
			WHERE alert_event_id = $1 AND step_number = $2 AND suppressed = false
		)
	`, eventID, stepNumber).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check fired escalation: %w", err)
	}
	return exists, nil
}

func (s *EscalationService) lastStepRecord(eventID string, stepNumber int) (time.Time, bool, error) {
	var createdAt time.Time
	err := s.PG.QueryRow(`
		SELECT created_at FROM alert_escalations
		WHERE alert_event_id = $1 AND step_number = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, eventID, stepNumber).Scan(&createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to check escalation cooldown: %w", err)
	}
	return createdAt, true, nil
}

func (s *EscalationService) recordEscalation(eventID, policyID string, stepNumber int, suppressed bool, reason *string, routedTo []string, now time.Time) error {
	if routedTo == nil {
		routedTo = []string{}
	}
	routedToJSON, err := json.Marshal(routedTo)
	if err != nil {
		return fmt.Errorf("failed to marshal routed_to: %w", err)
	}

	_, err = s.PG.Exec(`
		INSERT INTO alert_escalations (id, alert_event_id, policy_id, step_number, suppressed, reason, routed_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New().String(), eventID, policyID, stepNumber, suppressed, reason, string(routedToJSON), now)
	if err != nil {
		return fmt.Errorf("failed to record escalation: %w", err)
	}
	return nil
}
