package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/pkg/pagination"
)

var (
	ErrNotFound          = apperr.NotFound("booking_not_found", "booking not found")
	ErrSlotTaken         = apperr.Conflict("slot_taken", "slot is already booked")
	ErrSlotInvalid       = apperr.Validation("slot_invalid", "slot is not offered on that date")
	ErrPastCutoff        = apperr.PolicyDenied("past_cutoff", "slot starts before the booking cutoff")
	ErrInvalidTransition = apperr.PolicyDenied("invalid_transition", "booking cannot move to the requested status")
	ErrNoCredit          = apperr.PolicyDenied("no_credit", "no reschedule credit available")
	ErrAdminOnly         = apperr.PolicyDenied("admin_only", "only administrators may cancel on behalf of a doctor")
	ErrNotOwner          = apperr.PolicyDenied("not_owner", "patients may only act on their own bookings")
	ErrStaffOnly         = apperr.PolicyDenied("staff_only", "operation requires a staff role")
)

// Repository persists bookings. Create must enforce one live booking per
// (doctor, branch, date, slot) and report a clash as ErrSlotTaken.
type Repository interface {
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	// GetForUpdate locks the row for the enclosing transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error)
	// Update writes mutable fields and bumps the version.
	Update(ctx context.Context, b *Booking) error
	SlotTaken(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, slotNumber int) (bool, error)
	TakenSlots(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) (map[int]bool, error)
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Booking, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, page pagination.Params) ([]*Booking, int, error)
	// ListOpen returns pending_payment and confirmed bookings of the doctor at
	// the branch on date.
	ListOpen(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) ([]*Booking, error)
	// ListOverdue returns pending_payment and confirmed bookings dated before day.
	ListOverdue(ctx context.Context, day time.Time) ([]*Booking, error)
}

// EventRepository is the append-only lifecycle log.
type EventRepository interface {
	Append(ctx context.Context, e *Event) error
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*Event, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]*Event, error)
	// Counters derives the chain's applied patient and credit reschedules.
	Counters(ctx context.Context, rootBookingID uuid.UUID) (Counters, error)
}

type CreditRepository interface {
	Create(ctx context.Context, c *Credit) error
	// Available sums remaining units on the chain's unexpired credits.
	Available(ctx context.Context, rootBookingID uuid.UUID, now time.Time) (int, error)
	// Consume atomically takes one unit from the oldest unexpired credit of
	// the chain, or returns ErrNoCredit.
	Consume(ctx context.Context, rootBookingID uuid.UUID, now time.Time) (*Credit, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Credit, error)
}
