package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pagerloop/pagerloop/db"
)

// RotationService resolves who is on call for an organization at an instant.
// Evaluation is a pure function of (snapshot, instant); the instant is always
// passed explicitly so results are deterministic and testable.
type RotationService struct {
	Store *ScheduleStore
}

func NewRotationService(pg *sql.DB) *RotationService {
	return &RotationService{Store: NewScheduleStore(pg)}
}

// ResolveNow resolves the current on-call identity starting from the
// organization's primary schedule and following fallback chains through
// holiday and coverage-window suppression.
func (s *RotationService) ResolveNow(orgID string, at time.Time) (*db.OnCallResolution, error) {
	snap, err := s.Store.LoadOrgSnapshot(orgID)
	if err != nil {
		return nil, err
	}
	return resolveAt(snap, at)
}

// ResolveGlobal resolves against the terminal schedule of the fallback chain,
// bypassing coverage-window locality. Used for the follow-the-sun owner.
func (s *RotationService) ResolveGlobal(orgID string, at time.Time) (*db.OnCallResolution, error) {
	snap, err := s.Store.LoadOrgSnapshot(orgID)
	if err != nil {
		return nil, err
	}
	return resolveGlobalAt(snap, at)
}

// resolveAt walks the fallback chain from the primary schedule and computes
// the on-duty members on the first live schedule found.
func resolveAt(snap *OrgSnapshot, at time.Time) (*db.OnCallResolution, error) {
	start := snap.PrimarySchedule()
	if start == nil {
		return nil, ErrNoSchedule
	}

	visited := make(map[string]bool)
	current := start
	for current != nil {
		if visited[current.ID] {
			// Fail closed on a fallback cycle: no resolution beats looping.
			return nil, ErrScheduleCycle
		}
		visited[current.ID] = true

		live, viaCoverage, err := scheduleLiveAt(snap, current, at)
		if err != nil {
			return nil, err
		}
		if live {
			return resolveOnSchedule(snap, current, at, viaCoverage)
		}

		if current.FallbackScheduleID == nil {
			break
		}
		current = snap.ScheduleByID(*current.FallbackScheduleID)
	}
	return nil, ErrNoSchedule
}

// resolveGlobalAt follows the fallback chain to its terminal schedule and
// resolves there regardless of coverage windows or holidays.
func resolveGlobalAt(snap *OrgSnapshot, at time.Time) (*db.OnCallResolution, error) {
	start := snap.PrimarySchedule()
	if start == nil {
		return nil, ErrNoSchedule
	}

	visited := make(map[string]bool)
	current := start
	for {
		if visited[current.ID] {
			return nil, ErrScheduleCycle
		}
		visited[current.ID] = true

		if current.FallbackScheduleID == nil {
			break
		}
		next := snap.ScheduleByID(*current.FallbackScheduleID)
		if next == nil {
			break
		}
		current = next
	}
	return resolveOnSchedule(snap, current, at, false)
}

// scheduleLiveAt computes liveness for one schedule: enabled, not on holiday,
// and inside its coverage window when one is declared. viaCoverage reports
// that the window check itself matched.
func scheduleLiveAt(snap *OrgSnapshot, sched *db.Schedule, at time.Time) (live bool, viaCoverage bool, err error) {
	if !sched.Enabled {
		return false, false, nil
	}

	if sched.HolidayCalendarID != nil {
		onHoliday, err := holidayCovers(snap, *sched.HolidayCalendarID, at)
		if err != nil {
			return false, false, err
		}
		if onHoliday {
			return false, false, nil
		}
	}

	if sched.Coverage != nil && sched.Coverage.Enabled {
		inside, err := coverageContains(sched, at)
		if err != nil {
			return false, false, err
		}
		return inside, inside, nil
	}

	return true, false, nil
}

// holidayCovers reports whether any entry of the calendar covers the instant,
// compared date-only in the calendar's timezone.
func holidayCovers(snap *OrgSnapshot, calendarID string, at time.Time) (bool, error) {
	cal, ok := snap.Calendars[calendarID]
	if !ok {
		return false, nil
	}
	loc, err := time.LoadLocation(cal.Timezone)
	if err != nil {
		return false, fmt.Errorf("invalid holiday calendar timezone %q: %w", cal.Timezone, err)
	}
	localDate := at.In(loc).Format("2006-01-02")
	for _, entry := range snap.Holidays[calendarID] {
		if entry.StartDate <= localDate && localDate <= entry.EndDate {
			return true, nil
		}
	}
	return false, nil
}

// coverageContains reports whether the instant falls inside the schedule's
// coverage window: local weekday in the configured set and local time within
// [start, end).
func coverageContains(sched *db.Schedule, at time.Time) (bool, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return false, fmt.Errorf("invalid schedule timezone %q: %w", sched.Timezone, err)
	}
	local := at.In(loc)

	dayMatch := false
	for _, wd := range sched.Coverage.Weekdays {
		if int(local.Weekday()) == wd {
			dayMatch = true
			break
		}
	}
	if !dayMatch {
		return false, nil
	}

	startMin, err := parseClock(sched.Coverage.Start)
	if err != nil {
		return false, fmt.Errorf("invalid coverage start for schedule %s: %w", sched.ID, err)
	}
	endMin, err := parseClock(sched.Coverage.End)
	if err != nil {
		return false, fmt.Errorf("invalid coverage end for schedule %s: %w", sched.ID, err)
	}

	nowMin := local.Hour()*60 + local.Minute()
	return nowMin >= startMin && nowMin < endMin, nil
}

// resolveOnSchedule computes the on-duty member for both tiers on a live
// schedule and applies active overrides.
func resolveOnSchedule(snap *OrgSnapshot, sched *db.Schedule, at time.Time, viaCoverage bool) (*db.OnCallResolution, error) {
	primary, err := onDutyUser(snap, sched, db.TierPrimary, at)
	if err != nil {
		return nil, err
	}
	secondary, err := onDutyUser(snap, sched, db.TierSecondary, at)
	if err != nil {
		return nil, err
	}
	return &db.OnCallResolution{
		PrimaryUserID:    primary,
		SecondaryUserID:  secondary,
		ActiveScheduleID: sched.ID,
		InCoverageWindow: viaCoverage,
	}, nil
}

// onDutyUser indexes the ordered active member list by elapsed handoff
// periods, then lets any active override for the tier win.
func onDutyUser(snap *OrgSnapshot, sched *db.Schedule, tier string, at time.Time) (*string, error) {
	var members []db.RotationMember
	for _, m := range snap.Members[sched.ID] {
		if m.Tier == tier {
			members = append(members, m)
		}
	}

	var userID *string
	if len(members) > 0 {
		periods, err := elapsedHandoffPeriods(sched, at)
		if err != nil {
			return nil, err
		}
		idx := periods % len(members)
		uid := members[idx].UserID
		userID = &uid
	}

	// Overrides take precedence over rotation membership for their tier.
	for _, ov := range snap.Overrides[sched.ID] {
		if ov.Tier != tier {
			continue
		}
		if !at.Before(ov.StartAt) && !at.After(ov.EndAt) {
			uid := ov.ToUserID
			userID = &uid
		}
	}
	return userID, nil
}

// elapsedHandoffPeriods counts whole handoff periods between the schedule
// anchor (at handoff hour in the schedule timezone) and the instant.
// Period boundaries are calendar days or weeks in the schedule's location,
// so the handoff stays at the handoff hour across DST transitions. Instants
// before the anchor count as period zero.
func elapsedHandoffPeriods(sched *db.Schedule, at time.Time) (int, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule timezone %q: %w", sched.Timezone, err)
	}

	anchorLocal := sched.AnchorStart.In(loc)
	anchor := time.Date(anchorLocal.Year(), anchorLocal.Month(), anchorLocal.Day(),
		sched.HandoffHour, 0, 0, 0, loc)

	days := 1
	if sched.HandoffInterval == db.HandoffWeekly {
		days = 7
	}

	elapsed := at.Sub(anchor)
	if elapsed < 0 {
		return 0, nil
	}

	// Estimate from the fixed-length duration, then correct against the
	// calendar boundaries. AddDate keeps the boundary at the handoff hour
	// in local time when a DST shift lands inside a period.
	periods := int(elapsed / (time.Duration(days) * 24 * time.Hour))
	for !anchor.AddDate(0, 0, (periods+1)*days).After(at) {
		periods++
	}
	for periods > 0 && anchor.AddDate(0, 0, periods*days).After(at) {
		periods--
	}
	return periods, nil
}

// parseClock converts "HH:MM" to minutes past midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
