package services

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pagerloop/pagerloop/db"
)

// OrgSnapshot is everything rotation resolution needs for one organization,
// loaded in a single pass so evaluation itself stays pure. Schedules keep
// creation order; the first enabled schedule is the organization's primary.
type OrgSnapshot struct {
	OrganizationID string
	Schedules      []db.Schedule
	Members        map[string][]db.RotationMember   // schedule id → ordered active members
	Overrides      map[string][]db.ScheduleOverride // schedule id → overrides
	Calendars      map[string]db.HolidayCalendar    // calendar id → calendar
	Holidays       map[string][]db.HolidayEntry     // calendar id → entries
}

// ScheduleByID returns the schedule with the given id, or nil.
func (s *OrgSnapshot) ScheduleByID(id string) *db.Schedule {
	for i := range s.Schedules {
		if s.Schedules[i].ID == id {
			return &s.Schedules[i]
		}
	}
	return nil
}

// PrimarySchedule returns the organization's first enabled schedule by
// creation order, or nil when none exists.
func (s *OrgSnapshot) PrimarySchedule() *db.Schedule {
	for i := range s.Schedules {
		if s.Schedules[i].Enabled {
			return &s.Schedules[i]
		}
	}
	return nil
}

// ScheduleStore loads rotation state from Postgres.
type ScheduleStore struct {
	PG *sql.DB
}

func NewScheduleStore(pg *sql.DB) *ScheduleStore {
	return &ScheduleStore{PG: pg}
}

// LoadOrgSnapshot reads schedules, members, overrides, and holiday calendars
// for one organization.
func (s *ScheduleStore) LoadOrgSnapshot(orgID string) (*OrgSnapshot, error) {
	snap := &OrgSnapshot{
		OrganizationID: orgID,
		Members:        make(map[string][]db.RotationMember),
		Overrides:      make(map[string][]db.ScheduleOverride),
		Calendars:      make(map[string]db.HolidayCalendar),
		Holidays:       make(map[string][]db.HolidayEntry),
	}

	if err := s.loadSchedules(snap); err != nil {
		return nil, err
	}
	if len(snap.Schedules) == 0 {
		return snap, nil
	}
	if err := s.loadMembers(snap); err != nil {
		return nil, err
	}
	if err := s.loadOverrides(snap); err != nil {
		return nil, err
	}
	if err := s.loadHolidays(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *ScheduleStore) loadSchedules(snap *OrgSnapshot) error {
	rows, err := s.PG.Query(`
		SELECT id, organization_id, name, timezone, handoff_interval, handoff_hour,
		       anchor_start, coverage_enabled, coverage_weekdays::text,
		       COALESCE(coverage_start, ''), COALESCE(coverage_end, ''),
		       fallback_schedule_id, holiday_calendar_id, enabled, created_at
		FROM schedules
		WHERE organization_id = $1
		ORDER BY created_at ASC
	`, snap.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sched db.Schedule
		var coverageEnabled bool
		var weekdaysJSON sql.NullString
		var coverageStart, coverageEnd string
		var fallbackID, calendarID sql.NullString

		err := rows.Scan(
			&sched.ID, &sched.OrganizationID, &sched.Name, &sched.Timezone,
			&sched.HandoffInterval, &sched.HandoffHour, &sched.AnchorStart,
			&coverageEnabled, &weekdaysJSON, &coverageStart, &coverageEnd,
			&fallbackID, &calendarID, &sched.Enabled, &sched.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to scan schedule: %w", err)
		}

		if coverageEnabled {
			cov := &db.CoverageWindow{Enabled: true, Start: coverageStart, End: coverageEnd}
			if weekdaysJSON.Valid && weekdaysJSON.String != "" {
				if err := json.Unmarshal([]byte(weekdaysJSON.String), &cov.Weekdays); err != nil {
					return fmt.Errorf("failed to parse coverage weekdays for schedule %s: %w", sched.ID, err)
				}
			}
			sched.Coverage = cov
		}
		if fallbackID.Valid {
			sched.FallbackScheduleID = &fallbackID.String
		}
		if calendarID.Valid {
			sched.HolidayCalendarID = &calendarID.String
		}

		snap.Schedules = append(snap.Schedules, sched)
	}
	return rows.Err()
}

func (s *ScheduleStore) loadMembers(snap *OrgSnapshot) error {
	rows, err := s.PG.Query(`
		SELECT rm.id, rm.schedule_id, rm.user_id, rm.tier, rm.member_order, rm.active, rm.created_at
		FROM rotation_members rm
		JOIN schedules sc ON rm.schedule_id = sc.id
		WHERE sc.organization_id = $1 AND rm.active = true
		ORDER BY rm.schedule_id, rm.tier, rm.member_order ASC
	`, snap.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to query rotation members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m db.RotationMember
		err := rows.Scan(&m.ID, &m.ScheduleID, &m.UserID, &m.Tier, &m.Order, &m.Active, &m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to scan rotation member: %w", err)
		}
		snap.Members[m.ScheduleID] = append(snap.Members[m.ScheduleID], m)
	}
	return rows.Err()
}

func (s *ScheduleStore) loadOverrides(snap *OrgSnapshot) error {
	rows, err := s.PG.Query(`
		SELECT so.id, so.schedule_id, so.tier, so.from_user_id, so.to_user_id,
		       so.start_at, so.end_at, COALESCE(so.reason, ''), so.created_at
		FROM schedule_overrides so
		JOIN schedules sc ON so.schedule_id = sc.id
		WHERE sc.organization_id = $1
		ORDER BY so.start_at ASC
	`, snap.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to query schedule overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o db.ScheduleOverride
		var fromUser sql.NullString
		err := rows.Scan(&o.ID, &o.ScheduleID, &o.Tier, &fromUser, &o.ToUserID,
			&o.StartAt, &o.EndAt, &o.Reason, &o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to scan schedule override: %w", err)
		}
		if fromUser.Valid {
			o.FromUserID = &fromUser.String
		}
		snap.Overrides[o.ScheduleID] = append(snap.Overrides[o.ScheduleID], o)
	}
	return rows.Err()
}

func (s *ScheduleStore) loadHolidays(snap *OrgSnapshot) error {
	rows, err := s.PG.Query(`
		SELECT DISTINCT hc.id, hc.name, hc.timezone, hc.created_at
		FROM holiday_calendars hc
		JOIN schedules sc ON sc.holiday_calendar_id = hc.id
		WHERE sc.organization_id = $1
	`, snap.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to query holiday calendars: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cal db.HolidayCalendar
		if err := rows.Scan(&cal.ID, &cal.Name, &cal.Timezone, &cal.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan holiday calendar: %w", err)
		}
		snap.Calendars[cal.ID] = cal
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for calID := range snap.Calendars {
		entryRows, err := s.PG.Query(`
			SELECT id, calendar_id, COALESCE(name, ''), start_date, end_date
			FROM holiday_entries
			WHERE calendar_id = $1
			ORDER BY start_date ASC
		`, calID)
		if err != nil {
			return fmt.Errorf("failed to query holiday entries: %w", err)
		}
		for entryRows.Next() {
			var e db.HolidayEntry
			if err := entryRows.Scan(&e.ID, &e.CalendarID, &e.Name, &e.StartDate, &e.EndDate); err != nil {
				entryRows.Close()
				return fmt.Errorf("failed to scan holiday entry: %w", err)
			}
			snap.Holidays[calID] = append(snap.Holidays[calID], e)
		}
		if err := entryRows.Err(); err != nil {
			entryRows.Close()
			return err
		}
		entryRows.Close()
	}
	return nil
}
