package db

import "time"

// ===========================
// SEVERITY
// ===========================

// Severity of an alert event. Ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal position of the severity, -1 for unknown values.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or above min in the severity ordering.
// Unknown severities never satisfy any threshold.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= 0 && min.Rank() >= 0 && s.Rank() >= min.Rank()
}

// ===========================
// SCHEDULES & ROTATIONS
// ===========================

// Handoff intervals supported by rotation schedules.
const (
	HandoffDaily  = "DAILY"
	HandoffWeekly = "WEEKLY"
)

// On-call tiers within a schedule.
const (
	TierPrimary   = "PRIMARY"
	TierSecondary = "SECONDARY"
)

// CoverageWindow restricts when a schedule is live to local business hours.
// Weekdays uses time.Weekday values (Sunday=0). Start/End are "HH:MM" local
// times; the window is [Start, End).
type CoverageWindow struct {
	Enabled  bool   `json:"enabled"`
	Weekdays []int  `json:"weekdays"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

// Schedule is a rotation schedule for an organization. A schedule may be
// suppressed by a linked holiday calendar or by its coverage window, in which
// case resolution falls through to FallbackScheduleID.
type Schedule struct {
	ID                 string          `json:"id"`
	OrganizationID     string          `json:"organization_id"`
	Name               string          `json:"name"`
	Timezone           string          `json:"timezone"`
	HandoffInterval    string          `json:"handoff_interval"` // DAILY | WEEKLY
	HandoffHour        int             `json:"handoff_hour"`     // 0-23, in Timezone
	AnchorStart        time.Time       `json:"anchor_start"`
	Coverage           *CoverageWindow `json:"coverage,omitempty"`
	FallbackScheduleID *string         `json:"fallback_schedule_id,omitempty"`
	HolidayCalendarID  *string         `json:"holiday_calendar_id,omitempty"`
	Enabled            bool            `json:"enabled"`
	CreatedAt          time.Time       `json:"created_at"`
}

// RotationMember is one slot in a schedule's ordered rotation for a tier.
type RotationMember struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	UserID     string    `json:"user_id"`
	Tier       string    `json:"tier"`  // PRIMARY | SECONDARY
	Order      int       `json:"order"` // positive, unique per schedule+tier
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScheduleOverride replaces the rotation-computed user for a tier while the
// instant falls inside [StartAt, EndAt] (inclusive).
type ScheduleOverride struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	Tier       string    `json:"tier"`
	FromUserID *string   `json:"from_user_id,omitempty"`
	ToUserID   string    `json:"to_user_id"`
	StartAt    time.Time `json:"start_at"`
	EndAt      time.Time `json:"end_at"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// HolidayCalendar groups whole-day holiday entries evaluated in Timezone.
type HolidayCalendar struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

// HolidayEntry is an inclusive whole-day date range ("2006-01-02" local dates).
type HolidayEntry struct {
	ID         string `json:"id"`
	CalendarID string `json:"calendar_id"`
	Name       string `json:"name"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

// OnCallResolution is the result of resolving the on-call identity for an
// organization at an instant. Nil user ids mean the tier has no one on duty.
type OnCallResolution struct {
	PrimaryUserID    *string `json:"primary_user_id"`
	SecondaryUserID  *string `json:"secondary_user_id"`
	ActiveScheduleID string  `json:"active_schedule_id"`
	InCoverageWindow bool    `json:"in_coverage_window"`
}

// ===========================
// ESCALATION POLICIES
// ===========================

// Route target aliases usable in escalation steps alongside channel ids.
const (
	AliasOnCallPrimaryEmail  = "ONCALL_PRIMARY_EMAIL"
	AliasOnCallPrimaryGlobal = "ONCALL_PRIMARY_GLOBAL"
)

// Route target kinds.
const (
	RouteKindChannel = "channel"
	RouteKindAlias   = "alias"
)

// RouteTarget is a tagged variant: a concrete channel id or an on-call alias.
type RouteTarget struct {
	Kind      string `json:"kind"` // channel | alias
	ChannelID string `json:"channel_id,omitempty"`
	Alias     string `json:"alias,omitempty"`
}

// ParseRouteTarget maps a stored routing entry to its variant. Alias names
// are fixed; anything else is treated as a channel id.
func ParseRouteTarget(raw string) RouteTarget {
	switch raw {
	case AliasOnCallPrimaryEmail, AliasOnCallPrimaryGlobal:
		return RouteTarget{Kind: RouteKindAlias, Alias: raw}
	default:
		return RouteTarget{Kind: RouteKindChannel, ChannelID: raw}
	}
}

// String returns the stored form of the target.
func (t RouteTarget) String() string {
	if t.Kind == RouteKindAlias {
		return t.Alias
	}
	return t.ChannelID
}

// EscalationStep is one time-boxed step of a policy. AfterMinutes of zero
// falls back to the policy SLA for the event's severity.
type EscalationStep struct {
	ID           string   `json:"id"`
	PolicyID     string   `json:"policy_id"`
	StepNumber   int      `json:"step_number"`
	AfterMinutes int      `json:"after_minutes"`
	RouteTo      []string `json:"route_to"` // channel ids or aliases
	MinSeverity  Severity `json:"min_severity"`
}

// Targets returns the step's routing entries as tagged variants.
func (s EscalationStep) Targets() []RouteTarget {
	targets := make([]RouteTarget, 0, len(s.RouteTo))
	for _, raw := range s.RouteTo {
		targets = append(targets, ParseRouteTarget(raw))
	}
	return targets
}

// EscalationPolicy holds an organization's escalation configuration:
// quiet hours in the policy timezone, per-severity SLAs in minutes, and the
// ordered steps.
type EscalationPolicy struct {
	ID              string           `json:"id"`
	OrganizationID  string           `json:"organization_id"`
	Name            string           `json:"name"`
	Timezone        string           `json:"timezone"`
	QuietHours      bool             `json:"quiet_hours"`
	QuietHoursStart string           `json:"quiet_hours_start"` // "HH:MM"
	QuietHoursEnd   string           `json:"quiet_hours_end"`   // "HH:MM"
	SLACritical     int              `json:"sla_critical"`
	SLAHigh         int              `json:"sla_high"`
	SLAMedium       int              `json:"sla_medium"`
	SLALow          int              `json:"sla_low"`
	Active          bool             `json:"active"`
	Steps           []EscalationStep `json:"steps"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// SLAFor returns the policy SLA minutes for a severity.
func (p EscalationPolicy) SLAFor(sev Severity) int {
	switch sev {
	case SeverityCritical:
		return p.SLACritical
	case SeverityHigh:
		return p.SLAHigh
	case SeverityMedium:
		return p.SLAMedium
	default:
		return p.SLALow
	}
}

// EffectiveAfterMinutes resolves a step's threshold, defaulting to the policy
// SLA for the severity when the step does not set one.
func (p EscalationPolicy) EffectiveAfterMinutes(step EscalationStep, sev Severity) int {
	if step.AfterMinutes > 0 {
		return step.AfterMinutes
	}
	return p.SLAFor(sev)
}

// ===========================
// ALERT EVENTS & AUDIT
// ===========================

// AlertEvent is created by ingestion and mutated only by acknowledgment.
type AlertEvent struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Type           string     `json:"type"`
	Severity       Severity   `json:"severity"`
	Title          string     `json:"title"`
	Details        string     `json:"details"`
	Count          int        `json:"count"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Escalation suppression reasons.
const (
	SuppressReasonQuietHours = "quiet-hours"
	SuppressReasonCooldown   = "cooldown"
)

// AlertEscalation records one fired or suppressed step for an event. At most
// one non-suppressed row may exist per (event, step) pair.
type AlertEscalation struct {
	ID           string    `json:"id"`
	AlertEventID string    `json:"alert_event_id"`
	PolicyID     string    `json:"policy_id"`
	StepNumber   int       `json:"step_number"`
	Suppressed   bool      `json:"suppressed"`
	Reason       *string   `json:"reason,omitempty"`
	RoutedTo     []string  `json:"routed_to"` // snapshot of resolved targets
	CreatedAt    time.Time `json:"created_at"`
}

// Channel types.
const (
	ChannelWebhook = "WEBHOOK"
	ChannelEmail   = "EMAIL"
	ChannelSlack   = "SLACK"
	ChannelPush    = "PUSH"
)

// AlertChannel is a delivery endpoint. EncryptedConfig holds the sealed
// channel configuration (URL, secret, token...) and is decrypted only at
// dispatch time. Connected reflects a completed provider handshake for
// channel types that require one.
type AlertChannel struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organization_id"`
	Type            string    `json:"type"`
	Name            string    `json:"name"`
	MinSeverity     Severity  `json:"min_severity"`
	EncryptedConfig []byte    `json:"-"`
	Active          bool      `json:"active"`
	Connected       bool      `json:"connected"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChannelConfig is the decrypted per-channel configuration.
type ChannelConfig struct {
	URL           string `json:"url,omitempty"`            // webhook endpoint / email provider endpoint
	Secret        string `json:"secret,omitempty"`         // webhook signing secret
	Token         string `json:"token,omitempty"`          // slack bot token / provider api key
	SlackChannel  string `json:"slack_channel,omitempty"`  // slack channel id
	FromAddress   string `json:"from_address,omitempty"`   // email sender
	ToAddress     string `json:"to_address,omitempty"`     // default email recipient
	FCMCredential string `json:"fcm_credential,omitempty"` // path to service account key
}

// Delivery error codes recorded on failed attempts.
const (
	DeliveryErrNotConnected = "NOT_CONNECTED"
	DeliveryErrHTTPStatus   = "HTTP_STATUS"
	DeliveryErrTransport    = "TRANSPORT"
	DeliveryErrBadConfig    = "BAD_CONFIG"
)

// AlertDelivery is one dispatch attempt for (event, channel). A successful
// row doubles as the dedup anchor for idempotent replays.
type AlertDelivery struct {
	ID           string    `json:"id"`
	AlertEventID string    `json:"alert_event_id"`
	ChannelID    string    `json:"channel_id"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ===========================
// REQUESTS
// ===========================

// RecordFailureRequest is the ingestion payload consumed from the CRUD layer.
type RecordFailureRequest struct {
	OrganizationID string   `json:"organization_id" binding:"required"`
	AlertType      string   `json:"alert_type" binding:"required"`
	Severity       Severity `json:"severity" binding:"required"`
	Title          string   `json:"title"`
	Details        string   `json:"details"`
}

// AcknowledgeRequest marks an alert event as acknowledged.
type AcknowledgeRequest struct {
	UserID string `json:"user_id" binding:"required"`
}
