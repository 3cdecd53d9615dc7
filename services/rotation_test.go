package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerloop/pagerloop/db"
)

func strPtr(s string) *string { return &s }

func mkSchedule(id string, anchor time.Time) db.Schedule {
	return db.Schedule{
		ID:              id,
		OrganizationID:  "org-1",
		Name:            id,
		Timezone:        "UTC",
		HandoffInterval: db.HandoffDaily,
		HandoffHour:     9,
		AnchorStart:     anchor,
		Enabled:         true,
		CreatedAt:       anchor,
	}
}

func mkMembers(scheduleID, tier string, userIDs ...string) []db.RotationMember {
	members := make([]db.RotationMember, 0, len(userIDs))
	for i, uid := range userIDs {
		members = append(members, db.RotationMember{
			ID:         uid + "-slot",
			ScheduleID: scheduleID,
			UserID:     uid,
			Tier:       tier,
			Order:      i + 1,
			Active:     true,
		})
	}
	return members
}

func snapshotWith(schedules ...db.Schedule) *OrgSnapshot {
	return &OrgSnapshot{
		OrganizationID: "org-1",
		Schedules:      schedules,
		Members:        make(map[string][]db.RotationMember),
		Overrides:      make(map[string][]db.ScheduleOverride),
		Calendars:      make(map[string]db.HolidayCalendar),
		Holidays:       make(map[string][]db.HolidayEntry),
	}
}

func TestResolveAt_DailyRotation(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	snap := snapshotWith(mkSchedule("sched-1", anchor))
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "alice", "bob", "carol")

	cases := []struct {
		name string
		at   time.Time
		want string
	}{
		{"first period", anchor.Add(1 * time.Hour), "alice"},
		{"second period", anchor.Add(25 * time.Hour), "bob"},
		{"third period", anchor.Add(49 * time.Hour), "carol"},
		{"wraps around", anchor.Add(73 * time.Hour), "alice"},
		{"before anchor counts as period zero", anchor.Add(-2 * time.Hour), "alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := resolveAt(snap, tc.at)
			require.NoError(t, err)
			require.NotNil(t, res.PrimaryUserID)
			assert.Equal(t, tc.want, *res.PrimaryUserID)
			assert.Equal(t, "sched-1", res.ActiveScheduleID)
			assert.False(t, res.InCoverageWindow)
		})
	}
}

func TestResolveAt_WeeklyRotation(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	sched := mkSchedule("sched-1", anchor)
	sched.HandoffInterval = db.HandoffWeekly
	snap := snapshotWith(sched)
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "alice", "bob")

	res, err := resolveAt(snap, anchor.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "bob", *res.PrimaryUserID)

	res, err = resolveAt(snap, anchor.Add(15*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "alice", *res.PrimaryUserID)
}

func TestResolveAt_HandoffHourBoundary(t *testing.T) {
	// The handoff hour in schedule-local time splits the day between two
	// consecutive members.
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	snap := snapshotWith(mkSchedule("sched-1", anchor))
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "alice", "bob")

	beforeHandoff := time.Date(2026, 1, 6, 8, 59, 0, 0, time.UTC)
	res, err := resolveAt(snap, beforeHandoff)
	require.NoError(t, err)
	assert.Equal(t, "alice", *res.PrimaryUserID)

	afterHandoff := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	res, err = resolveAt(snap, afterHandoff)
	require.NoError(t, err)
	assert.Equal(t, "bob", *res.PrimaryUserID)
}

func TestResolveAt_SecondaryTier(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	snap := snapshotWith(mkSchedule("sched-1", anchor))
	snap.Members["sched-1"] = append(
		mkMembers("sched-1", db.TierPrimary, "alice", "bob"),
		mkMembers("sched-1", db.TierSecondary, "dave")...,
	)

	res, err := resolveAt(snap, anchor.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "alice", *res.PrimaryUserID)
	require.NotNil(t, res.SecondaryUserID)
	assert.Equal(t, "dave", *res.SecondaryUserID)
}

func TestResolveAt_OverrideWins(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	snap := snapshotWith(mkSchedule("sched-1", anchor))
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "alice", "bob")
	snap.Overrides["sched-1"] = []db.ScheduleOverride{
		{
			ID:         "ov-1",
			ScheduleID: "sched-1",
			Tier:       db.TierPrimary,
			ToUserID:   "zoe",
			StartAt:    anchor.Add(2 * time.Hour),
			EndAt:      anchor.Add(4 * time.Hour),
		},
	}

	// Inside the window, endpoints inclusive.
	for _, at := range []time.Time{
		anchor.Add(2 * time.Hour),
		anchor.Add(3 * time.Hour),
		anchor.Add(4 * time.Hour),
	} {
		res, err := resolveAt(snap, at)
		require.NoError(t, err)
		assert.Equal(t, "zoe", *res.PrimaryUserID)
	}

	// Outside the window the rotation applies.
	res, err := resolveAt(snap, anchor.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "alice", *res.PrimaryUserID)
}

func TestResolveAt_OverrideOtherTierIgnored(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	snap := snapshotWith(mkSchedule("sched-1", anchor))
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "alice")
	snap.Overrides["sched-1"] = []db.ScheduleOverride{
		{
			ID:         "ov-1",
			ScheduleID: "sched-1",
			Tier:       db.TierSecondary,
			ToUserID:   "zoe",
			StartAt:    anchor,
			EndAt:      anchor.Add(24 * time.Hour),
		},
	}

	res, err := resolveAt(snap, anchor.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "alice", *res.PrimaryUserID)
	require.NotNil(t, res.SecondaryUserID)
	assert.Equal(t, "zoe", *res.SecondaryUserID)
}

func TestResolveAt_HolidayFallsBack(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	primary := mkSchedule("sched-1", anchor)
	primary.HolidayCalendarID = strPtr("cal-1")
	primary.FallbackScheduleID = strPtr("sched-2")
	fallback := mkSchedule("sched-2", anchor)
	fallback.Enabled = true

	snap := snapshotWith(primary, fallback)
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "alice")
	snap.Members["sched-2"] = mkMembers("sched-2", db.TierPrimary, "backup")
	snap.Calendars["cal-1"] = db.HolidayCalendar{ID: "cal-1", Timezone: "UTC"}
	snap.Holidays["cal-1"] = []db.HolidayEntry{
		{ID: "h-1", CalendarID: "cal-1", StartDate: "2026-12-24", EndDate: "2026-12-26"},
	}

	onHoliday := time.Date(2026, 12, 25, 14, 0, 0, 0, time.UTC)
	res, err := resolveAt(snap, onHoliday)
	require.NoError(t, err)
	assert.Equal(t, "backup", *res.PrimaryUserID)
	assert.Equal(t, "sched-2", res.ActiveScheduleID)

	ordinary := time.Date(2026, 12, 28, 14, 0, 0, 0, time.UTC)
	res, err = resolveAt(snap, ordinary)
	require.NoError(t, err)
	assert.Equal(t, "alice", *res.PrimaryUserID)
}

func TestResolveAt_HolidayTimezone(t *testing.T) {
	// 23:30 UTC on Dec 24 is already Dec 25 in Tokyo; the calendar evaluates
	// in its own timezone.
	anchor := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	primary := mkSchedule("sched-1", anchor)
	primary.HolidayCalendarID = strPtr("cal-1")
	primary.FallbackScheduleID = strPtr("sched-2")
	fallback := mkSchedule("sched-2", anchor)

	snap := snapshotWith(primary, fallback)
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "alice")
	snap.Members["sched-2"] = mkMembers("sched-2", db.TierPrimary, "backup")
	snap.Calendars["cal-1"] = db.HolidayCalendar{ID: "cal-1", Timezone: "Asia/Tokyo"}
	snap.Holidays["cal-1"] = []db.HolidayEntry{
		{ID: "h-1", CalendarID: "cal-1", StartDate: "2026-12-25", EndDate: "2026-12-25"},
	}

	at := time.Date(2026, 12, 24, 23, 30, 0, 0, time.UTC)
	res, err := resolveAt(snap, at)
	require.NoError(t, err)
	assert.Equal(t, "backup", *res.PrimaryUserID)
}

func TestResolveAt_CoverageWindow(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	primary := mkSchedule("sched-1", anchor)
	primary.Coverage = &db.CoverageWindow{
		Enabled:  true,
		Weekdays: []int{1, 2, 3, 4, 5},
		Start:    "09:00",
		End:      "17:00",
	}
	primary.FallbackScheduleID = strPtr("sched-2")
	fallback := mkSchedule("sched-2", anchor)

	snap := snapshotWith(primary, fallback)
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "dayshift")
	snap.Members["sched-2"] = mkMembers("sched-2", db.TierPrimary, "nightshift")

	// Monday 10:00 is inside the window.
	inside := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	res, err := resolveAt(snap, inside)
	require.NoError(t, err)
	assert.Equal(t, "dayshift", *res.PrimaryUserID)
	assert.True(t, res.InCoverageWindow)

	// The end boundary is exclusive.
	atEnd := time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC)
	res, err = resolveAt(snap, atEnd)
	require.NoError(t, err)
	assert.Equal(t, "nightshift", *res.PrimaryUserID)
	assert.False(t, res.InCoverageWindow)

	// Saturday is outside the weekday set.
	saturday := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	res, err = resolveAt(snap, saturday)
	require.NoError(t, err)
	assert.Equal(t, "nightshift", *res.PrimaryUserID)
}

func TestResolveAt_DisabledScheduleSkipped(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	disabled := mkSchedule("sched-1", anchor)
	disabled.Enabled = false
	active := mkSchedule("sched-2", anchor.Add(time.Minute))

	snap := snapshotWith(disabled, active)
	snap.Members["sched-2"] = mkMembers("sched-2", db.TierPrimary, "alice")

	res, err := resolveAt(snap, anchor.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "sched-2", res.ActiveScheduleID)
}

func TestResolveAt_NoSchedule(t *testing.T) {
	snap := snapshotWith()
	_, err := resolveAt(snap, time.Now())
	assert.True(t, errors.Is(err, ErrNoSchedule))
}

func TestResolveAt_ChainExhausted(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	primary := mkSchedule("sched-1", anchor)
	primary.Coverage = &db.CoverageWindow{
		Enabled:  true,
		Weekdays: []int{1},
		Start:    "09:00",
		End:      "17:00",
	}

	snap := snapshotWith(primary)
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "alice")

	// Sunday: no coverage, no fallback.
	sunday := time.Date(2026, 1, 4, 10, 0, 0, 0, time.UTC)
	_, err := resolveAt(snap, sunday)
	assert.True(t, errors.Is(err, ErrNoSchedule))
}

func TestResolveAt_CycleFailsClosed(t *testing.T) {
	// Two schedules on permanent holiday pointing at each other.
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	a := mkSchedule("sched-a", anchor)
	a.HolidayCalendarID = strPtr("cal-1")
	a.FallbackScheduleID = strPtr("sched-b")
	b := mkSchedule("sched-b", anchor)
	b.HolidayCalendarID = strPtr("cal-1")
	b.FallbackScheduleID = strPtr("sched-a")

	snap := snapshotWith(a, b)
	snap.Calendars["cal-1"] = db.HolidayCalendar{ID: "cal-1", Timezone: "UTC"}
	snap.Holidays["cal-1"] = []db.HolidayEntry{
		{ID: "h-1", CalendarID: "cal-1", StartDate: "2026-01-01", EndDate: "2026-12-31"},
	}

	_, err := resolveAt(snap, anchor.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrScheduleCycle))
}

func TestResolveGlobalAt_TerminalScheduleIgnoresCoverage(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	primary := mkSchedule("sched-1", anchor)
	primary.FallbackScheduleID = strPtr("sched-2")
	terminal := mkSchedule("sched-2", anchor)
	terminal.Coverage = &db.CoverageWindow{
		Enabled:  true,
		Weekdays: []int{1},
		Start:    "09:00",
		End:      "17:00",
	}

	snap := snapshotWith(primary, terminal)
	snap.Members["sched-1"] = mkMembers("sched-1", db.TierPrimary, "local")
	snap.Members["sched-2"] = mkMembers("sched-2", db.TierPrimary, "global")

	// Sunday, far outside the terminal schedule's own coverage window.
	sunday := time.Date(2026, 1, 4, 3, 0, 0, 0, time.UTC)
	res, err := resolveGlobalAt(snap, sunday)
	require.NoError(t, err)
	assert.Equal(t, "global", *res.PrimaryUserID)
	assert.Equal(t, "sched-2", res.ActiveScheduleID)
	assert.False(t, res.InCoverageWindow)
}

func TestElapsedHandoffPeriods_TimezoneAnchor(t *testing.T) {
	// Anchor at 09:00 in New York; 13:59 UTC the next day is still 08:59
	// local, so only one full period has not yet elapsed at the handoff hour.
	sched := db.Schedule{
		ID:              "sched-1",
		Timezone:        "America/New_York",
		HandoffInterval: db.HandoffDaily,
		HandoffHour:     9,
		AnchorStart:     time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC), // 09:00 EST
	}

	periods, err := elapsedHandoffPeriods(&sched, time.Date(2026, 1, 6, 13, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, periods)

	periods, err = elapsedHandoffPeriods(&sched, time.Date(2026, 1, 6, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, periods)
}

func TestElapsedHandoffPeriods_DSTKeepsHandoffHour(t *testing.T) {
	// US DST begins 2026-03-08. After the shift the daily handoff must stay
	// at 09:00 local, now 13:00 UTC, rather than drifting with fixed
	// 24-hour boundaries to 14:00 UTC.
	sched := db.Schedule{
		ID:              "sched-1",
		Timezone:        "America/New_York",
		HandoffInterval: db.HandoffDaily,
		HandoffHour:     9,
		AnchorStart:     time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC), // 09:00 EST
	}

	// 08:59 EDT, still the previous period.
	periods, err := elapsedHandoffPeriods(&sched, time.Date(2026, 3, 10, 12, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 63, periods)

	// 09:00 EDT, the 64th calendar-day boundary since the anchor.
	periods, err = elapsedHandoffPeriods(&sched, time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 64, periods)
}

func TestElapsedHandoffPeriods_WeeklyAcrossDST(t *testing.T) {
	sched := db.Schedule{
		ID:              "sched-1",
		Timezone:        "America/New_York",
		HandoffInterval: db.HandoffWeekly,
		HandoffHour:     9,
		AnchorStart:     time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), // Monday 09:00 EST
	}

	// The week boundary is Monday 09:00 local even though only 167 wall
	// clock hours elapse across the transition.
	periods, err := elapsedHandoffPeriods(&sched, time.Date(2026, 3, 9, 12, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, periods)

	periods, err = elapsedHandoffPeriods(&sched, time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, periods)
}
