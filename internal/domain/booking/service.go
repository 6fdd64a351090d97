package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/domain/policy"
	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
	"github.com/hms/opd/internal/platform/db"
	"github.com/hms/opd/internal/platform/metrics"
	"github.com/hms/opd/internal/platform/notify"
	"github.com/hms/opd/pkg/pagination"
)

var ErrNotAssigned = apperr.PolicyDenied("not_assigned", "booking belongs to another doctor")

// Calendar is the slot source the ledger books against.
type Calendar interface {
	Day(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) (*calendar.Day, error)
	Slot(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, slotNumber int) (calendar.Slot, *calendar.Day, bool, error)
}

// Policies resolves the rule configuration for a branch.
type Policies interface {
	For(branchID uuid.UUID) policy.Config
}

type Service struct {
	bookings Repository
	events   EventRepository
	credits  CreditRepository
	calendar Calendar
	policies Policies
	tx       db.Transactor
	pub      notify.Publisher
	loc      *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(bookings Repository, events EventRepository, credits CreditRepository, cal Calendar, policies Policies, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		bookings: bookings,
		events:   events,
		credits:  credits,
		calendar: cal,
		policies: policies,
		tx:       tx,
		pub:      notify.Nop{},
		loc:      time.UTC,
		logger:   logger.With().Str("component", "booking").Logger(),
		now:      time.Now,
	}
}

// WithPublisher sets where committed lifecycle events are sent.
func (s *Service) WithPublisher(pub notify.Publisher) *Service {
	s.pub = pub
	return s
}

// WithLocation sets the hospital time zone slot clocks are read in.
func (s *Service) WithLocation(loc *time.Location) *Service {
	s.loc = loc
	return s
}

func (s *Service) retryable(err error) bool {
	if errors.Is(err, ErrSlotTaken) || db.IsTransient(err) {
		metrics.IncTxRetry()
		return true
	}
	return false
}

// atomically runs fn in a transaction, retrying once on a slot clash or a
// transient store failure. fn re-reads everything it depends on.
func (s *Service) atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RetryOnConflict(ctx, s.retryable, func(ctx context.Context) error {
		return s.tx.WithTx(ctx, fn)
	})
}

func (s *Service) appendEvent(ctx context.Context, b *Booking, kind EventKind, actor auth.Actor, prev Status, reason string, creditID *uuid.UUID) error {
	e := &Event{
		BookingID:     b.ID,
		RootBookingID: b.RootBookingID,
		Kind:          kind,
		Outcome:       OutcomeApplied,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		PrevStatus:    prev,
		NextStatus:    b.Status,
		Reason:        reason,
		CreditID:      creditID,
		OccurredAt:    s.now().UTC(),
	}
	if err := s.events.Append(ctx, e); err != nil {
		return err
	}
	metrics.IncBookingTransition(string(kind), string(OutcomeApplied))
	return nil
}

// recordDenied logs a refused operation in its own statement, after the
// transaction that discovered the refusal has rolled back.
func (s *Service) recordDenied(ctx context.Context, b *Booking, kind EventKind, actor auth.Actor, cause error) {
	if b == nil || apperr.KindOf(cause) == "" || apperr.IsKind(cause, apperr.KindNotFound) {
		return
	}
	if errors.Is(cause, ErrSlotTaken) {
		metrics.IncSlotConflict()
	}
	metrics.IncBookingTransition(string(kind), string(OutcomeDenied))

	e := &Event{
		BookingID:     b.ID,
		RootBookingID: b.RootBookingID,
		Kind:          kind,
		Outcome:       OutcomeDenied,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		PrevStatus:    b.Status,
		NextStatus:    b.Status,
		Reason:        cause.Error(),
		OccurredAt:    s.now().UTC(),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("booking_id", b.ID.String()).Msg("failed to record denied transition")
	}
	s.logger.Info().
		Str("booking_id", b.ID.String()).
		Str("kind", string(kind)).
		Str("actor", actor.String()).
		Str("reason", cause.Error()).
		Msg("booking transition denied")
}

func (s *Service) emit(ctx context.Context, eventType string, b *Booking, actor auth.Actor, attrs map[string]string) {
	evt := notify.NewEvent(eventType, b.ID)
	patient, doctor, actorID := b.PatientID, b.DoctorID, actor.ID
	evt.PatientID, evt.DoctorID, evt.ActorID = &patient, &doctor, &actorID
	evt.Attributes = map[string]string{
		"status":           string(b.Status),
		"appointment_date": b.AppointmentDate.Format(calendar.DateLayout),
		"start_time":       b.Start.String(),
		"branch_id":        b.BranchID.String(),
	}
	for k, v := range attrs {
		evt.Attributes[k] = v
	}
	notify.Emit(ctx, s.pub, s.logger, evt)
}

func (s *Service) usage(ctx context.Context, rootID uuid.UUID, now time.Time) (policy.Usage, Counters, error) {
	counters, err := s.events.Counters(ctx, rootID)
	if err != nil {
		return policy.Usage{}, Counters{}, fmt.Errorf("derive reschedule counters: %w", err)
	}
	available, err := s.credits.Available(ctx, rootID, now)
	if err != nil {
		return policy.Usage{}, Counters{}, fmt.Errorf("load reschedule credits: %w", err)
	}
	return policy.Usage{
		PatientReschedules: counters.PatientReschedules,
		CreditsConsumed:    counters.CreditReschedules,
		CreditsAvailable:   available,
	}, counters, nil
}

// placeable validates that a new booking may take slotNumber on date.
func (s *Service) placeable(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, slotNumber int, cfg policy.Config, now time.Time) (calendar.Slot, uuid.UUID, error) {
	slot, day, ok, err := s.calendar.Slot(ctx, doctorID, branchID, date, slotNumber)
	if err != nil {
		return calendar.Slot{}, uuid.Nil, err
	}
	if !ok || day.ScheduleID == nil {
		return calendar.Slot{}, uuid.Nil, ErrSlotInvalid
	}
	if slot.Start.On(date, s.loc).Before(cfg.BookingCutoff(now)) {
		return calendar.Slot{}, uuid.Nil, ErrPastCutoff
	}
	taken, err := s.bookings.SlotTaken(ctx, doctorID, branchID, calendar.DateOf(date), slotNumber)
	if err != nil {
		return calendar.Slot{}, uuid.Nil, err
	}
	if taken {
		return calendar.Slot{}, uuid.Nil, ErrSlotTaken
	}
	return slot, *day.ScheduleID, nil
}

// -- Booking --

type BookRequest struct {
	PatientID  uuid.UUID
	DoctorID   uuid.UUID
	BranchID   uuid.UUID
	Date       time.Time
	SlotNumber int
	Type       Type
}

func (r BookRequest) Validate() error {
	if r.PatientID == uuid.Nil {
		return apperr.Validationf("patient_id is required")
	}
	if r.DoctorID == uuid.Nil || r.BranchID == uuid.Nil {
		return apperr.Validationf("doctor_id and branch_id are required")
	}
	if r.Date.IsZero() {
		return apperr.Validationf("date is required")
	}
	if r.SlotNumber < 1 {
		return apperr.Validationf("slot_number must be at least 1")
	}
	if !r.Type.Valid() {
		return apperr.Validationf("type must be one of new, follow_up, walk_in, online")
	}
	return nil
}

// Book reserves a slot; an empty Type means a new consultation. The
// availability check and the insert share a transaction and the live-slot
// unique index settles concurrent attempts.
func (s *Service) Book(ctx context.Context, req BookRequest, actor auth.Actor) (*Booking, error) {
	if actor.Role == auth.RolePatient && req.PatientID == uuid.Nil {
		req.PatientID = actor.ID
	}
	if req.Type == "" {
		req.Type = TypeNew
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if actor.Role == auth.RolePatient && req.PatientID != actor.ID {
		return nil, ErrNotOwner
	}
	if !actor.IsStaff() && actor.Role != auth.RolePatient {
		return nil, policy.ErrUnknownActor
	}

	var b *Booking
	err := s.atomically(ctx, func(ctx context.Context) error {
		now := s.now()
		cfg := s.policies.For(req.BranchID)
		slot, scheduleID, err := s.placeable(ctx, req.DoctorID, req.BranchID, req.Date, req.SlotNumber, cfg, now)
		if err != nil {
			return err
		}

		id := uuid.New()
		b = &Booking{
			ID:              id,
			PatientID:       req.PatientID,
			DoctorID:        req.DoctorID,
			BranchID:        req.BranchID,
			ScheduleID:      scheduleID,
			AppointmentDate: calendar.DateOf(req.Date),
			Start:           slot.Start,
			End:             slot.End,
			SlotNumber:      slot.SlotNumber,
			Type:            req.Type,
			Status:          StatusPendingPayment,
			PaymentStatus:   PaymentUnpaid,
			PaymentAmount:   decimal.Zero,
			RootBookingID:   id,
		}
		if err := s.bookings.Create(ctx, b); err != nil {
			return err
		}
		return s.appendEvent(ctx, b, EventBooked, actor, "", "", nil)
	})
	if err != nil {
		s.bookDenied(req, actor, err)
		return nil, err
	}

	s.logger.Info().
		Str("booking_id", b.ID.String()).
		Str("doctor_id", b.DoctorID.String()).
		Str("date", b.AppointmentDate.Format(calendar.DateLayout)).
		Int("slot", b.SlotNumber).
		Str("actor", actor.String()).
		Msg("booking created")
	s.emit(ctx, notify.BookingCreated, b, actor, nil)
	return b, nil
}

// bookDenied records a refused booking. No row exists to hang a denied
// BookingEvent on, so the request itself is logged as the audit trail.
func (s *Service) bookDenied(req BookRequest, actor auth.Actor, cause error) {
	var ae *apperr.Error
	if !errors.As(cause, &ae) {
		return
	}
	if errors.Is(cause, ErrSlotTaken) {
		metrics.IncSlotConflict()
	}
	metrics.IncBookingTransition(string(EventBooked), string(OutcomeDenied))
	s.logger.Warn().
		Str("event", string(EventBooked)).
		Str("outcome", string(OutcomeDenied)).
		Str("patient_id", req.PatientID.String()).
		Str("doctor_id", req.DoctorID.String()).
		Str("branch_id", req.BranchID.String()).
		Str("date", calendar.DateOf(req.Date).Format(calendar.DateLayout)).
		Int("slot", req.SlotNumber).
		Str("reason", ae.Code).
		Str("actor", actor.String()).
		Msg("booking denied")
}

// -- Reschedule --

type RescheduleRequest struct {
	Date       time.Time
	SlotNumber int
	Reason     string
}

// Reschedule moves a booking to a new slot by creating a linked booking.
// The old row becomes rescheduled, or stays cancelled when it was cancelled
// by an admin for the doctor.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest, actor auth.Actor) (*Booking, error) {
	if req.Date.IsZero() || req.SlotNumber < 1 {
		return nil, apperr.Validationf("date and slot_number are required")
	}

	var (
		target *Booking
		nb     *Booking
		source policy.Source
	)
	err := s.atomically(ctx, func(ctx context.Context) error {
		now := s.now()
		old, err := s.bookings.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		snap := *old
		target = &snap

		if old.RescheduledToID != nil {
			return policy.ErrNotReschedulable
		}
		cfg := s.policies.For(old.BranchID)
		usage, _, err := s.usage(ctx, old.RootBookingID, now)
		if err != nil {
			return err
		}
		d := policy.CanReschedule(cfg, old.snapshot(s.loc), usage, actor, now)
		if !d.Allowed {
			return d.Err()
		}
		source = d.Source

		// Release the old slot first so a move within the same day can reuse
		// it. The forward link is written once the new row exists.
		prev := old.Status
		if old.Status.Open() {
			old.Status = StatusRescheduled
		}
		if err := s.bookings.Update(ctx, old); err != nil {
			return err
		}

		slot, scheduleID, err := s.placeable(ctx, old.DoctorID, old.BranchID, req.Date, req.SlotNumber, cfg, now)
		if err != nil {
			return err
		}

		var creditID *uuid.UUID
		if d.Source == policy.SourceCredit {
			credit, err := s.credits.Consume(ctx, old.RootBookingID, now)
			if errors.Is(err, ErrNoCredit) {
				return policy.ErrMaxReschedules
			}
			if err != nil {
				return err
			}
			creditID = &credit.ID
		}
		if err := s.appendEvent(ctx, old, EventRescheduled, actor, prev, req.Reason, creditID); err != nil {
			return err
		}

		counters, err := s.events.Counters(ctx, old.RootBookingID)
		if err != nil {
			return err
		}
		status := StatusPendingPayment
		if old.PaymentStatus == PaymentPaid {
			status = StatusConfirmed
		}
		origin := old.ID
		nb = &Booking{
			ID:                          uuid.New(),
			PatientID:                   old.PatientID,
			DoctorID:                    old.DoctorID,
			BranchID:                    old.BranchID,
			ScheduleID:                  scheduleID,
			AppointmentDate:             calendar.DateOf(req.Date),
			Start:                       slot.Start,
			End:                         slot.End,
			SlotNumber:                  slot.SlotNumber,
			Type:                        old.Type,
			Status:                      status,
			PaymentStatus:               old.PaymentStatus,
			PaymentAmount:               old.PaymentAmount,
			PatientRescheduleCount:      counters.PatientReschedules,
			AdminGrantedRescheduleCount: counters.CreditReschedules,
			OriginalBookingID:           &origin,
			RootBookingID:               old.RootBookingID,
		}
		if err := s.bookings.Create(ctx, nb); err != nil {
			return err
		}
		old.RescheduledToID = &nb.ID
		if err := s.bookings.Update(ctx, old); err != nil {
			return err
		}
		return s.appendEvent(ctx, nb, EventBooked, actor, "", "rescheduled from "+old.ID.String(), nil)
	})
	if err != nil {
		s.recordDenied(ctx, target, EventRescheduled, actor, err)
		return nil, err
	}

	s.logger.Info().
		Str("booking_id", id.String()).
		Str("new_booking_id", nb.ID.String()).
		Str("source", string(source)).
		Str("actor", actor.String()).
		Msg("booking rescheduled")
	s.emit(ctx, notify.BookingRescheduled, nb, actor, map[string]string{
		"previous_booking_id": id.String(),
		"source":              string(source),
	})
	return nb, nil
}

// -- Cancel --

type CancelRequest struct {
	Reason           string `json:"reason"`
	OnBehalfOfDoctor bool   `json:"on_behalf_of_doctor"`
}

// Cancel cancels an open booking. An admin cancelling on behalf of the
// doctor mints a reschedule credit for the patient.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, req CancelRequest, actor auth.Actor) (*Booking, error) {
	var (
		target *Booking
		b      *Booking
		credit *Credit
	)
	err := s.atomically(ctx, func(ctx context.Context) error {
		now := s.now()
		var err error
		b, err = s.bookings.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		snap := *b
		target = &snap

		if req.OnBehalfOfDoctor && !actor.IsAdmin() {
			return ErrAdminOnly
		}
		cfg := s.policies.For(b.BranchID)
		if d := policy.CanCancel(cfg, b.snapshot(s.loc), actor, now); !d.Allowed {
			return d.Err()
		}

		prev := b.Status
		b.Status = StatusCancelled
		actorID, role := actor.ID, actor.Role
		b.CancelledBy = &actorID
		b.CancelledByRole = &role
		if req.Reason != "" {
			reason := req.Reason
			b.CancellationReason = &reason
		}
		b.CancelledByAdminForDoctor = req.OnBehalfOfDoctor
		if err := s.bookings.Update(ctx, b); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, b, EventCancelled, actor, prev, req.Reason, nil); err != nil {
			return err
		}

		if !req.OnBehalfOfDoctor {
			return nil
		}
		usage, _, err := s.usage(ctx, b.RootBookingID, now)
		if err != nil {
			return err
		}
		n := policy.CreditAllowance(cfg, usage)
		if n == 0 {
			return nil
		}
		credit = &Credit{
			PatientID:       b.PatientID,
			RootBookingID:   b.RootBookingID,
			SourceBookingID: b.ID,
			Granted:         n,
			Remaining:       n,
			ExpiresAt:       cfg.CreditExpiry(now),
		}
		if err := s.credits.Create(ctx, credit); err != nil {
			return err
		}
		return s.appendEvent(ctx, b, EventCreditGranted, actor, b.Status, fmt.Sprintf("granted %d reschedule(s)", n), &credit.ID)
	})
	if err != nil {
		s.recordDenied(ctx, target, EventCancelled, actor, err)
		return nil, err
	}

	attrs := map[string]string{"cancelled_by_role": actor.Role}
	if credit != nil {
		attrs["credit_id"] = credit.ID.String()
		attrs["credits_granted"] = fmt.Sprint(credit.Granted)
	}
	s.logger.Info().
		Str("booking_id", b.ID.String()).
		Bool("on_behalf_of_doctor", req.OnBehalfOfDoctor).
		Str("actor", actor.String()).
		Msg("booking cancelled")
	s.emit(ctx, notify.BookingCancelled, b, actor, attrs)
	return b, nil
}

// -- Lifecycle --

// advance moves a booking along one staff-driven edge of the state machine.
func (s *Service) advance(ctx context.Context, id uuid.UUID, to Status, kind EventKind, actor auth.Actor, mutate func(*Booking)) (*Booking, error) {
	if !actor.IsStaff() {
		return nil, ErrStaffOnly
	}
	var target, b *Booking
	err := s.atomically(ctx, func(ctx context.Context) error {
		var err error
		b, err = s.bookings.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		snap := *b
		target = &snap

		if actor.Role == auth.RoleDoctor && actor.ID != b.DoctorID {
			return ErrNotAssigned
		}
		if !b.Status.CanTransition(to) {
			return apperr.Deniedf(ErrInvalidTransition.Code, "booking cannot move from %s to %s", b.Status, to)
		}
		prev := b.Status
		if mutate != nil {
			mutate(b)
		}
		b.Status = to
		if err := s.bookings.Update(ctx, b); err != nil {
			return err
		}
		return s.appendEvent(ctx, b, kind, actor, prev, "", nil)
	})
	if err != nil {
		s.recordDenied(ctx, target, kind, actor, err)
		return nil, err
	}
	s.logger.Info().
		Str("booking_id", id.String()).
		Str("status", string(to)).
		Str("actor", actor.String()).
		Msg("booking status changed")
	return b, nil
}

// Confirm records payment and confirms a pending booking.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, amount decimal.Decimal, actor auth.Actor) (*Booking, error) {
	if amount.IsNegative() {
		return nil, apperr.Validationf("payment amount must not be negative")
	}
	b, err := s.advance(ctx, id, StatusConfirmed, EventConfirmed, actor, func(b *Booking) {
		b.PaymentStatus = PaymentPaid
		b.PaymentAmount = amount.Round(2)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.BookingConfirmed, b, actor, map[string]string{"payment_amount": b.PaymentAmount.StringFixed(2)})
	return b, nil
}

func (s *Service) CheckIn(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	b, err := s.advance(ctx, id, StatusCheckedIn, EventCheckedIn, actor, nil)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.BookingCheckedIn, b, actor, nil)
	return b, nil
}

func (s *Service) StartSession(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	b, err := s.advance(ctx, id, StatusInSession, EventSessionStart, actor, nil)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.BookingInSession, b, actor, nil)
	return b, nil
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	b, err := s.advance(ctx, id, StatusCompleted, EventCompleted, actor, nil)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.BookingCompleted, b, actor, nil)
	return b, nil
}

// SweepNoShows marks open bookings dated before asOf's date as no-shows.
// Each booking moves in its own transaction; one failure does not stop the
// sweep.
func (s *Service) SweepNoShows(ctx context.Context, asOf time.Time) (int, error) {
	overdue, err := s.bookings.ListOverdue(ctx, calendar.DateOf(asOf.In(s.loc)))
	if err != nil {
		return 0, fmt.Errorf("list overdue bookings: %w", err)
	}
	swept := 0
	for _, o := range overdue {
		b, err := s.advance(ctx, o.ID, StatusNoShow, EventNoShow, auth.SystemActor, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("booking_id", o.ID.String()).Msg("no-show sweep skipped booking")
			continue
		}
		swept++
		s.emit(ctx, notify.BookingNoShow, b, auth.SystemActor, nil)
	}
	metrics.AddNoShowsSwept(swept)
	return swept, nil
}

// -- Calendar reconciliation --

// Reconcile recomputes the doctor's day and updates needs_reschedule flags.
func (s *Service) Reconcile(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, actor auth.Actor) (flagged, cleared int, err error) {
	day, err := s.calendar.Day(ctx, doctorID, branchID, date)
	if err != nil {
		return 0, 0, err
	}
	return s.FlagDisplaced(ctx, doctorID, branchID, date, day.SlotNumbers(), actor)
}

// FlagDisplaced marks open bookings whose slot is not in validSlots as
// needing a reschedule, and clears the mark from those whose slot is back.
// Bookings are never cancelled here.
func (s *Service) FlagDisplaced(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, validSlots map[int]bool, actor auth.Actor) (flagged, cleared int, err error) {
	var displaced []*Booking
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		flagged, cleared, displaced = 0, 0, nil
		open, err := s.bookings.ListOpen(ctx, doctorID, branchID, calendar.DateOf(date))
		if err != nil {
			return err
		}
		for _, b := range open {
			valid := validSlots[b.SlotNumber]
			var kind EventKind
			switch {
			case !valid && !b.NeedsReschedule:
				b.NeedsReschedule = true
				kind = EventFlagged
			case valid && b.NeedsReschedule:
				b.NeedsReschedule = false
				kind = EventUnflagged
			default:
				continue
			}
			if err := s.bookings.Update(ctx, b); err != nil {
				return err
			}
			if err := s.appendEvent(ctx, b, kind, actor, b.Status, "calendar changed", nil); err != nil {
				return err
			}
			if kind == EventFlagged {
				flagged++
				displaced = append(displaced, b)
			} else {
				cleared++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	if flagged+cleared > 0 {
		s.logger.Info().
			Str("doctor_id", doctorID.String()).
			Str("date", calendar.DateOf(date).Format(calendar.DateLayout)).
			Int("flagged", flagged).
			Int("cleared", cleared).
			Msg("bookings reconciled with calendar")
	}
	for _, b := range displaced {
		s.emit(ctx, notify.BookingDisplaced, b, actor, nil)
	}
	return flagged, cleared, nil
}

// -- Queries --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

func (s *Service) ListForDoctor(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Booking, error) {
	return s.bookings.ListByDoctorDate(ctx, doctorID, calendar.DateOf(date))
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID, page pagination.Params) ([]*Booking, int, error) {
	return s.bookings.ListByPatient(ctx, patientID, page)
}

// TakenSlots reports the slot numbers held by live bookings at the branch.
func (s *Service) TakenSlots(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) (map[int]bool, error) {
	return s.bookings.TakenSlots(ctx, doctorID, branchID, calendar.DateOf(date))
}

func (s *Service) Events(ctx context.Context, bookingID uuid.UUID) ([]*Event, error) {
	if _, err := s.bookings.GetByID(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.events.ListByBooking(ctx, bookingID)
}

// ExportEvents writes events that occurred in [from, to) as an xlsx workbook.
func (s *Service) ExportEvents(ctx context.Context, from, to time.Time, w io.Writer) (int, error) {
	if !from.Before(to) {
		return 0, apperr.Validationf("from must be before to")
	}
	events, err := s.events.ListBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if err := writeEventsXLSX(w, events); err != nil {
		return 0, err
	}
	return len(events), nil
}

// Credits lists a patient's reschedule credits, newest first.
func (s *Service) Credits(ctx context.Context, patientID uuid.UUID) ([]*Credit, error) {
	return s.credits.ListByPatient(ctx, patientID)
}
