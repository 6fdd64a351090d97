package booking

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/domain/policy"
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusCheckedIn      Status = "checked_in"
	StatusInSession      Status = "in_session"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusRescheduled    Status = "rescheduled"
	StatusNoShow         Status = "no_show"
)

var transitions = map[Status][]Status{
	StatusPendingPayment: {StatusConfirmed, StatusCancelled, StatusRescheduled, StatusNoShow},
	StatusConfirmed:      {StatusCheckedIn, StatusCancelled, StatusRescheduled, StatusNoShow},
	StatusCheckedIn:      {StatusInSession},
	StatusInSession:      {StatusCompleted},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusConfirmed, StatusCheckedIn, StatusInSession,
		StatusCompleted, StatusCancelled, StatusRescheduled, StatusNoShow:
		return true
	}
	return false
}

// CanTransition reports whether to is a defined edge from s.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// Live reports whether the booking still holds its slot.
func (s Status) Live() bool { return s != StatusCancelled && s != StatusRescheduled }

// Open reports whether the patient can still change the booking.
func (s Status) Open() bool { return s == StatusPendingPayment || s == StatusConfirmed }

func (s Status) Stage() policy.Stage {
	switch {
	case s.Open():
		return policy.StageOpen
	case s == StatusCancelled:
		return policy.StageCancelled
	default:
		return policy.StageClosed
	}
}

func (s *Status) UnmarshalText(b []byte) error {
	v := Status(b)
	if !v.Valid() {
		return fmt.Errorf("unknown booking status %q", string(b))
	}
	*s = v
	return nil
}

// Type is the kind of consultation.
type Type string

const (
	TypeNew      Type = "new"
	TypeFollowUp Type = "follow_up"
	TypeWalkIn   Type = "walk_in"
	TypeOnline   Type = "online"
)

func (t Type) Valid() bool {
	switch t {
	case TypeNew, TypeFollowUp, TypeWalkIn, TypeOnline:
		return true
	}
	return false
}

func (t *Type) UnmarshalText(b []byte) error {
	v := Type(b)
	if !v.Valid() {
		return fmt.Errorf("unknown booking type %q", string(b))
	}
	*t = v
	return nil
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Booking maps to the booking table.
type Booking struct {
	ID                          uuid.UUID       `db:"id" json:"id"`
	PatientID                   uuid.UUID       `db:"patient_id" json:"patient_id"`
	DoctorID                    uuid.UUID       `db:"doctor_id" json:"doctor_id"`
	BranchID                    uuid.UUID       `db:"branch_id" json:"branch_id"`
	ScheduleID                  uuid.UUID       `db:"schedule_id" json:"schedule_id"`
	AppointmentDate             time.Time       `db:"appointment_date" json:"-"`
	Start                       calendar.Clock  `db:"start_minute" json:"start_time"`
	End                         calendar.Clock  `db:"end_minute" json:"end_time"`
	SlotNumber                  int             `db:"slot_number" json:"slot_number"`
	Type                        Type            `db:"type" json:"type"`
	Status                      Status          `db:"status" json:"status"`
	PaymentStatus               PaymentStatus   `db:"payment_status" json:"payment_status"`
	PaymentAmount               decimal.Decimal `db:"payment_amount" json:"payment_amount"`
	PatientRescheduleCount      int             `db:"patient_reschedule_count" json:"patient_reschedule_count"`
	AdminGrantedRescheduleCount int             `db:"admin_granted_reschedule_count" json:"admin_granted_reschedule_count"`
	CancelledBy                 *uuid.UUID      `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelledByRole             *string         `db:"cancelled_by_role" json:"cancelled_by_role,omitempty"`
	CancellationReason          *string         `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledByAdminForDoctor   bool            `db:"cancelled_by_admin_for_doctor" json:"cancelled_by_admin_for_doctor"`
	OriginalBookingID           *uuid.UUID      `db:"original_booking_id" json:"original_booking_id,omitempty"`
	RootBookingID               uuid.UUID       `db:"root_booking_id" json:"root_booking_id"`
	RescheduledToID             *uuid.UUID      `db:"rescheduled_to_id" json:"rescheduled_to_id,omitempty"`
	NeedsReschedule             bool            `db:"needs_reschedule" json:"needs_reschedule"`
	Version                     int             `db:"version" json:"version"`
	CreatedAt                   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt                   time.Time       `db:"updated_at" json:"updated_at"`
}

// StartsAt places the slot start on the appointment date in loc.
func (b *Booking) StartsAt(loc *time.Location) time.Time {
	return b.Start.On(b.AppointmentDate, loc)
}

func (b *Booking) snapshot(loc *time.Location) policy.Snapshot {
	return policy.Snapshot{
		PatientID:                 b.PatientID,
		Stage:                     b.Status.Stage(),
		Start:                     b.StartsAt(loc),
		CancelledByAdminForDoctor: b.CancelledByAdminForDoctor,
	}
}

// MarshalJSON renders appointment_date as YYYY-MM-DD.
func (b Booking) MarshalJSON() ([]byte, error) {
	type plain Booking
	return json.Marshal(struct {
		plain
		Date string `json:"appointment_date"`
	}{plain(b), b.AppointmentDate.Format(calendar.DateLayout)})
}

// EventKind names the operation an event records.
type EventKind string

const (
	EventBooked        EventKind = "booked"
	EventConfirmed     EventKind = "confirmed"
	EventCheckedIn     EventKind = "checked_in"
	EventSessionStart  EventKind = "session_started"
	EventCompleted     EventKind = "completed"
	EventCancelled     EventKind = "cancelled"
	EventRescheduled   EventKind = "rescheduled"
	EventNoShow        EventKind = "no_show"
	EventFlagged       EventKind = "flagged"
	EventUnflagged     EventKind = "unflagged"
	EventCreditGranted EventKind = "credit_granted"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeDenied  Outcome = "denied"
)

// Event maps to the append-only booking_event table.
type Event struct {
	ID            int64      `db:"id" json:"id"`
	BookingID     uuid.UUID  `db:"booking_id" json:"booking_id"`
	RootBookingID uuid.UUID  `db:"root_booking_id" json:"root_booking_id"`
	Kind          EventKind  `db:"kind" json:"kind"`
	Outcome       Outcome    `db:"outcome" json:"outcome"`
	ActorID       uuid.UUID  `db:"actor_id" json:"actor_id"`
	ActorRole     string     `db:"actor_role" json:"actor_role"`
	PrevStatus    Status     `db:"prev_status" json:"prev_status,omitempty"`
	NextStatus    Status     `db:"next_status" json:"next_status,omitempty"`
	Reason        string     `db:"reason" json:"reason,omitempty"`
	CreditID      *uuid.UUID `db:"credit_id" json:"credit_id,omitempty"`
	OccurredAt    time.Time  `db:"occurred_at" json:"occurred_at"`
}

// Counters are the per-chain reschedule tallies derived from the event log.
type Counters struct {
	PatientReschedules int
	CreditReschedules  int
}

// Credit maps to the reschedule_credit table.
type Credit struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	RootBookingID   uuid.UUID `db:"root_booking_id" json:"root_booking_id"`
	SourceBookingID uuid.UUID `db:"source_booking_id" json:"source_booking_id"`
	Granted         int       `db:"granted" json:"granted"`
	Remaining       int       `db:"remaining" json:"remaining"`
	ExpiresAt       time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

func (c *Credit) Active(now time.Time) bool {
	return c.Remaining > 0 && c.ExpiresAt.After(now)
}
