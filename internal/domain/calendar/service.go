package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
	"github.com/hms/opd/internal/platform/db"
)

type Service struct {
	defs      DefinitionRepository
	overrides OverrideRepository
	tx        db.Transactor
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(defs DefinitionRepository, overrides OverrideRepository, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		defs:      defs,
		overrides: overrides,
		tx:        tx,
		logger:    logger.With().Str("component", "calendar").Logger(),
		now:       time.Now,
	}
}

// -- Slots --

// Day computes the calendar for doctor/branch/date from the stored
// definition and overrides. It is recomputed on every call.
func (s *Service) Day(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) (*Day, error) {
	if doctorID == uuid.Nil {
		return nil, apperr.Validationf("doctor_id is required")
	}
	if branchID == uuid.Nil {
		return nil, apperr.Validationf("branch_id is required")
	}
	date = DateOf(date)

	def, err := s.defs.Active(ctx, doctorID, branchID, date.Weekday())
	if errors.Is(err, ErrDefinitionNotFound) {
		day := Compute(nil, nil, doctorID, branchID, date)
		return &day, nil
	}
	if err != nil {
		return nil, err
	}

	overrides, err := s.overrides.Effective(ctx, doctorID, branchID, date)
	if err != nil {
		return nil, err
	}
	day := Compute(def, overrides, doctorID, branchID, date)
	return &day, nil
}

// AvailableSlots returns the ordered slots offered on date. A doctor with no
// session that weekday yields an empty list.
func (s *Service) AvailableSlots(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) ([]Slot, error) {
	day, err := s.Day(ctx, doctorID, branchID, date)
	if err != nil {
		return nil, err
	}
	return day.Slots, nil
}

// Slot resolves one slot of the computed day. ok is false when the day does
// not offer slotNumber.
func (s *Service) Slot(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, slotNumber int) (slot Slot, day *Day, ok bool, err error) {
	day, err = s.Day(ctx, doctorID, branchID, date)
	if err != nil {
		return Slot{}, nil, false, err
	}
	slot, ok = day.Find(slotNumber)
	return slot, day, ok, nil
}

// ScheduleFor returns the active weekly definition that governs date.
func (s *Service) ScheduleFor(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) (*Definition, error) {
	return s.defs.Active(ctx, doctorID, branchID, DateOf(date).Weekday())
}

// -- Definitions --

// DefinitionInput is the payload for creating a weekly session.
type DefinitionInput struct {
	DoctorID    uuid.UUID    `json:"doctor_id"`
	BranchID    uuid.UUID    `json:"branch_id"`
	DayOfWeek   time.Weekday `json:"day_of_week"`
	Start       Clock        `json:"start_time"`
	End         Clock        `json:"end_time"`
	SlotMinutes int          `json:"slot_minutes"`
	Capacity    int          `json:"capacity"`
}

func (in DefinitionInput) Validate() error {
	if in.DoctorID == uuid.Nil {
		return apperr.Validationf("doctor_id is required")
	}
	if in.BranchID == uuid.Nil {
		return apperr.Validationf("branch_id is required")
	}
	if in.DayOfWeek < time.Sunday || in.DayOfWeek > time.Saturday {
		return apperr.Validationf("day_of_week must be between 0 (Sunday) and 6 (Saturday)")
	}
	if !in.Start.Valid() || !in.End.Valid() || in.Start >= in.End {
		return apperr.Validationf("start_time must be before end_time")
	}
	if in.SlotMinutes < 5 || in.SlotMinutes > 480 {
		return apperr.Validationf("slot_minutes must be between 5 and 480")
	}
	if in.Capacity < 1 {
		return apperr.Validationf("capacity must be at least 1")
	}
	if Clock(in.SlotMinutes) > in.End-in.Start {
		return apperr.Validationf("slot_minutes exceeds the session length")
	}
	return nil
}

// CreateDefinition stores a weekly session and soft-expires the one it
// replaces. Doctors may only manage their own sessions, and a doctor's
// sessions at different branches on the same weekday may not overlap.
func (s *Service) CreateDefinition(ctx context.Context, in DefinitionInput, actor auth.Actor) (*Definition, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if actor.Role == auth.RoleDoctor && actor.ID != in.DoctorID {
		return nil, apperr.Deniedf("not_own_schedule", "doctors may only edit their own schedule")
	}

	def := &Definition{
		DoctorID:    in.DoctorID,
		BranchID:    in.BranchID,
		DayOfWeek:   in.DayOfWeek,
		Start:       in.Start,
		End:         in.End,
		SlotMinutes: in.SlotMinutes,
		Capacity:    in.Capacity,
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		active, err := s.defs.ListByDoctor(ctx, in.DoctorID, false)
		if err != nil {
			return err
		}
		for _, other := range active {
			if other.BranchID != in.BranchID && other.DayOfWeek == in.DayOfWeek &&
				in.Start < other.End && other.Start < in.End {
				return ErrSessionOverlap
			}
		}
		if err := s.defs.Supersede(ctx, in.DoctorID, in.BranchID, in.DayOfWeek, s.now()); err != nil {
			return err
		}
		return s.defs.Create(ctx, def)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("schedule_id", def.ID.String()).
		Str("doctor_id", def.DoctorID.String()).
		Str("branch_id", def.BranchID.String()).
		Str("weekday", def.DayOfWeek.String()).
		Str("actor", actor.String()).
		Msg("schedule definition created")
	return def, nil
}

func (s *Service) GetDefinition(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return s.defs.GetByID(ctx, id)
}

func (s *Service) ListDefinitions(ctx context.Context, doctorID uuid.UUID, includeInactive bool) ([]*Definition, error) {
	if doctorID == uuid.Nil {
		return nil, apperr.Validationf("doctor_id is required")
	}
	return s.defs.ListByDoctor(ctx, doctorID, includeInactive)
}

// RetireDefinition soft-expires a weekly session. Bookings already made
// against it are left untouched.
func (s *Service) RetireDefinition(ctx context.Context, id uuid.UUID, actor auth.Actor) error {
	def, err := s.defs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if actor.Role == auth.RoleDoctor && actor.ID != def.DoctorID {
		return apperr.Deniedf("not_own_schedule", "doctors may only edit their own schedule")
	}
	if err := s.defs.Deactivate(ctx, id, s.now()); err != nil {
		return err
	}
	s.logger.Info().Str("schedule_id", id.String()).Str("actor", actor.String()).Msg("schedule definition retired")
	return nil
}
