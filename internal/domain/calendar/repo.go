package calendar

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hms/opd/internal/platform/apperr"
)

var (
	ErrDefinitionNotFound = apperr.NotFound("schedule_not_found", "schedule definition not found")
	ErrOverrideNotFound   = apperr.NotFound("override_not_found", "schedule override not found")
	ErrSessionOverlap     = apperr.Conflict("session_overlap", "doctor already has an overlapping session at another branch")
)

type DefinitionRepository interface {
	Create(ctx context.Context, d *Definition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Definition, error)
	// Active returns ErrDefinitionNotFound when the doctor has no session
	// that weekday.
	Active(ctx context.Context, doctorID, branchID uuid.UUID, weekday time.Weekday) (*Definition, error)
	// Supersede soft-expires the active definition for the key, if any.
	Supersede(ctx context.Context, doctorID, branchID uuid.UUID, weekday time.Weekday, at time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, includeInactive bool) ([]*Definition, error)
}

type OverrideRepository interface {
	Create(ctx context.Context, o *Override) error
	GetByID(ctx context.Context, id uuid.UUID) (*Override, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*Override, error)
	SetStatus(ctx context.Context, id uuid.UUID, status OverrideStatus) error
	Retire(ctx context.Context, id, byOverrideID uuid.UUID, at time.Time) error
	// Effective lists approved, unretired overrides for the doctor at the
	// branch that cover date.
	Effective(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) ([]*Override, error)
	// EffectiveBetween lists approved, unretired overrides for the doctor at
	// any branch that intersect [from, to].
	EffectiveBetween(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Override, error)
}
