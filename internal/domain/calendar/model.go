package calendar

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format for appointment dates.
const DateLayout = "2006-01-02"

// ParseDate parses YYYY-MM-DD into a UTC-midnight time, the representation
// pgx uses for DATE columns.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

// DateOf truncates t to its calendar date in t's location, returned as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Clock is a time of day in minutes since local midnight. It travels as
// "HH:MM" in JSON.
type Clock int

const MinutesPerDay Clock = 24 * 60

func NewClock(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

// ParseClock parses "HH:MM" (24h). "24:00" is accepted as end of day.
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	c := NewClock(hour, minute)
	if hour < 0 || minute < 0 || minute > 59 || !c.Valid() {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return c, nil
}

func (c Clock) Valid() bool { return c >= 0 && c <= MinutesPerDay }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On places the clock on the given date in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(time.Duration(c) * time.Minute)
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time must be a string in HH:MM format")
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// OverrideType is the closed set of calendar exceptions.
type OverrideType string

const (
	OverrideBlockDate         OverrideType = "block_date"
	OverrideDelayStart        OverrideType = "delay_start"
	OverrideLimitAppointments OverrideType = "limit_appointments"
	OverrideEarlyEnd          OverrideType = "early_end"
	OverrideCancelBlock       OverrideType = "cancel_block"
)

func (t OverrideType) Valid() bool {
	switch t {
	case OverrideBlockDate, OverrideDelayStart, OverrideLimitAppointments, OverrideEarlyEnd, OverrideCancelBlock:
		return true
	}
	return false
}

func (t *OverrideType) UnmarshalText(b []byte) error {
	v := OverrideType(b)
	if !v.Valid() {
		return fmt.Errorf("unknown override type %q", string(b))
	}
	*t = v
	return nil
}

// OverrideStatus tracks the approval state of an override.
type OverrideStatus string

const (
	OverridePending  OverrideStatus = "pending"
	OverrideApproved OverrideStatus = "approved"
	OverrideRejected OverrideStatus = "rejected"
)

func (s OverrideStatus) Valid() bool {
	return s == OverridePending || s == OverrideApproved || s == OverrideRejected
}

// Definition maps to the schedule_definition table: a doctor's recurring
// weekly session at one branch.
type Definition struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	DoctorID     uuid.UUID    `db:"doctor_id" json:"doctor_id"`
	BranchID     uuid.UUID    `db:"branch_id" json:"branch_id"`
	DayOfWeek    time.Weekday `db:"day_of_week" json:"day_of_week"`
	Start        Clock        `db:"start_minute" json:"start_time"`
	End          Clock        `db:"end_minute" json:"end_time"`
	SlotMinutes  int          `db:"slot_minutes" json:"slot_minutes"`
	Capacity     int          `db:"capacity" json:"capacity"`
	Active       bool         `db:"active" json:"active"`
	SupersededAt *time.Time   `db:"superseded_at" json:"superseded_at,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// Override maps to the schedule_override table.
type Override struct {
	ID                  uuid.UUID      `db:"id" json:"id"`
	RequestID           uuid.UUID      `db:"request_id" json:"request_id"`
	DoctorID            uuid.UUID      `db:"doctor_id" json:"doctor_id"`
	BranchID            uuid.UUID      `db:"branch_id" json:"branch_id"`
	Type                OverrideType   `db:"type" json:"type"`
	StartDate           time.Time      `db:"start_date" json:"start_date"`
	EndDate             time.Time      `db:"end_date" json:"end_date"`
	NewStart            *Clock         `db:"new_start_minute" json:"new_start_time,omitempty"`
	NewEnd              *Clock         `db:"new_end_minute" json:"new_end_time,omitempty"`
	NewCapacity         *int           `db:"new_capacity" json:"new_capacity,omitempty"`
	CoveringDoctorID    *uuid.UUID     `db:"covering_doctor_id" json:"covering_doctor_id,omitempty"`
	Status              OverrideStatus `db:"status" json:"status"`
	ParentOverrideID    *uuid.UUID     `db:"parent_override_id" json:"parent_override_id,omitempty"`
	RetiredAt           *time.Time     `db:"retired_at" json:"retired_at,omitempty"`
	RetiredByOverrideID *uuid.UUID     `db:"retired_by_override_id" json:"retired_by_override_id,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// Effective reports whether the override currently shapes the calendar.
func (o *Override) Effective() bool {
	return o.Status == OverrideApproved && o.RetiredAt == nil
}

// Covers reports whether date falls inside the override's inclusive range.
func (o *Override) Covers(date time.Time) bool {
	d := DateOf(date)
	return !d.Before(DateOf(o.StartDate)) && !d.After(DateOf(o.EndDate))
}

// Overlaps reports whether the override's range intersects [from, to].
func (o *Override) Overlaps(from, to time.Time) bool {
	return !DateOf(o.StartDate).After(DateOf(to)) && !DateOf(o.EndDate).Before(DateOf(from))
}

// blocksDay reports whether the override removes the whole session.
func (o *Override) blocksDay() bool {
	return o.Type == OverrideBlockDate || (o.Type == OverrideCancelBlock && o.ParentOverrideID == nil)
}

// Slot is one bookable position in a day. SlotNumber is the 1-based index in
// the unmodified weekly grid and does not change when overrides apply.
type Slot struct {
	SlotNumber int   `json:"slot_number"`
	Start      Clock `json:"start_time"`
	End        Clock `json:"end_time"`
}

// Day is the computed calendar for a doctor at a branch on one date.
type Day struct {
	DoctorID         uuid.UUID   `json:"doctor_id"`
	BranchID         uuid.UUID   `json:"branch_id"`
	Date             time.Time   `json:"date"`
	ScheduleID       *uuid.UUID  `json:"schedule_id,omitempty"`
	WindowStart      *Clock      `json:"window_start,omitempty"`
	WindowEnd        *Clock      `json:"window_end,omitempty"`
	Blocked          bool        `json:"blocked"`
	CoveringDoctorID *uuid.UUID  `json:"covering_doctor_id,omitempty"`
	AppliedOverrides []uuid.UUID `json:"applied_overrides,omitempty"`
	Slots            []Slot      `json:"slots"`
}

// Find returns the slot with the given number, if the day offers it.
func (d *Day) Find(slotNumber int) (Slot, bool) {
	for _, s := range d.Slots {
		if s.SlotNumber == slotNumber {
			return s, true
		}
	}
	return Slot{}, false
}

// SlotNumbers returns the numbers of all offered slots.
func (d *Day) SlotNumbers() map[int]bool {
	out := make(map[int]bool, len(d.Slots))
	for _, s := range d.Slots {
		out[s.SlotNumber] = true
	}
	return out
}
