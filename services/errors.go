package services

import "errors"

// Sentinel errors for resolver, scanner, and dispatch outcomes. Suppression
// (quiet hours, cooldown) is a recorded outcome, not an error.
var (
	// ErrScheduleCycle means a fallback chain revisited a schedule. The
	// affected branch resolves to nothing rather than looping.
	ErrScheduleCycle = errors.New("schedule fallback chain contains a cycle")

	// ErrNoSchedule means the organization has no enabled schedule, or no
	// schedule in the chain was live at the evaluation instant.
	ErrNoSchedule = errors.New("no live schedule for organization")

	// ErrNoPolicy means the organization has no active escalation policy.
	ErrNoPolicy = errors.New("no active escalation policy for organization")

	// ErrChannelNotConnected means the channel requires a provider handshake
	// that has not completed. Not retried.
	ErrChannelNotConnected = errors.New("channel not connected")

	// ErrDeliveryFailed means all delivery attempts for a dispatch were
	// exhausted. Recorded per attempt and surfaced as a warning.
	ErrDeliveryFailed = errors.New("delivery failed after retries")

	// ErrRateLimited means the organization exceeded its ingest allowance
	// for the current window.
	ErrRateLimited = errors.New("ingest rate limit exceeded")

	// ErrEventNotFound means the alert event does not exist or is already
	// acknowledged.
	ErrEventNotFound = errors.New("alert event not found or already acknowledged")
)
