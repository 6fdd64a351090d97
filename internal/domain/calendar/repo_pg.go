package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/opd/internal/platform/db"
)

// =========== Definition Repository ===========

type definitionRepoPG struct{ pool *pgxpool.Pool }

func NewDefinitionRepoPG(pool *pgxpool.Pool) DefinitionRepository {
	return &definitionRepoPG{pool: pool}
}

func (r *definitionRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const defCols = `id, doctor_id, branch_id, day_of_week, start_minute, end_minute,
	slot_minutes, capacity, active, superseded_at, created_at, updated_at`

func scanDefinition(row pgx.Row) (*Definition, error) {
	var d Definition
	var dow, start, end int
	err := row.Scan(&d.ID, &d.DoctorID, &d.BranchID, &dow, &start, &end,
		&d.SlotMinutes, &d.Capacity, &d.Active, &d.SupersededAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, err
	}
	d.DayOfWeek = time.Weekday(dow)
	d.Start, d.End = Clock(start), Clock(end)
	return &d, nil
}

func (r *definitionRepoPG) Create(ctx context.Context, d *Definition) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO schedule_definition (id, doctor_id, branch_id, day_of_week, start_minute, end_minute,
			slot_minutes, capacity, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE)
		RETURNING active, created_at, updated_at`,
		d.ID, d.DoctorID, d.BranchID, int(d.DayOfWeek), int(d.Start), int(d.End),
		d.SlotMinutes, d.Capacity).Scan(&d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule definition: %w", err)
	}
	return nil
}

func (r *definitionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return scanDefinition(r.conn(ctx).QueryRow(ctx, `SELECT `+defCols+` FROM schedule_definition WHERE id = $1`, id))
}

func (r *definitionRepoPG) Active(ctx context.Context, doctorID, branchID uuid.UUID, weekday time.Weekday) (*Definition, error) {
	return scanDefinition(r.conn(ctx).QueryRow(ctx, `
		SELECT `+defCols+` FROM schedule_definition
		WHERE doctor_id = $1 AND branch_id = $2 AND day_of_week = $3 AND active`,
		doctorID, branchID, int(weekday)))
}

func (r *definitionRepoPG) Supersede(ctx context.Context, doctorID, branchID uuid.UUID, weekday time.Weekday, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE schedule_definition SET active = FALSE, superseded_at = $4, updated_at = NOW()
		WHERE doctor_id = $1 AND branch_id = $2 AND day_of_week = $3 AND active`,
		doctorID, branchID, int(weekday), at)
	return err
}

func (r *definitionRepoPG) Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE schedule_definition SET active = FALSE, superseded_at = $2, updated_at = NOW()
		WHERE id = $1 AND active`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

func (r *definitionRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, includeInactive bool) ([]*Definition, error) {
	query := `SELECT ` + defCols + ` FROM schedule_definition WHERE doctor_id = $1`
	if !includeInactive {
		query += ` AND active`
	}
	query += ` ORDER BY branch_id, day_of_week, created_at DESC`

	rows, err := r.conn(ctx).Query(ctx, query, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// =========== Override Repository ===========

type overrideRepoPG struct{ pool *pgxpool.Pool }

func NewOverrideRepoPG(pool *pgxpool.Pool) OverrideRepository {
	return &overrideRepoPG{pool: pool}
}

func (r *overrideRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const overrideCols = `id, request_id, doctor_id, branch_id, type, start_date, end_date,
	new_start_minute, new_end_minute, new_capacity, covering_doctor_id, status,
	parent_override_id, retired_at, retired_by_override_id, created_at, updated_at`

func scanOverride(row pgx.Row) (*Override, error) {
	var o Override
	var typ, status string
	var newStart, newEnd *int
	err := row.Scan(&o.ID, &o.RequestID, &o.DoctorID, &o.BranchID, &typ, &o.StartDate, &o.EndDate,
		&newStart, &newEnd, &o.NewCapacity, &o.CoveringDoctorID, &status,
		&o.ParentOverrideID, &o.RetiredAt, &o.RetiredByOverrideID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOverrideNotFound
		}
		return nil, err
	}
	o.Type, o.Status = OverrideType(typ), OverrideStatus(status)
	o.NewStart, o.NewEnd = clockPtr(newStart), clockPtr(newEnd)
	return &o, nil
}

func clockPtr(v *int) *Clock {
	if v == nil {
		return nil
	}
	c := Clock(*v)
	return &c
}

func intPtr(c *Clock) *int {
	if c == nil {
		return nil
	}
	v := int(*c)
	return &v
}

func collectOverrides(rows pgx.Rows) ([]*Override, error) {
	defer rows.Close()
	var items []*Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (r *overrideRepoPG) Create(ctx context.Context, o *Override) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO schedule_override (id, request_id, doctor_id, branch_id, type, start_date, end_date,
			new_start_minute, new_end_minute, new_capacity, covering_doctor_id, status, parent_override_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		o.ID, o.RequestID, o.DoctorID, o.BranchID, string(o.Type), o.StartDate, o.EndDate,
		intPtr(o.NewStart), intPtr(o.NewEnd), o.NewCapacity, o.CoveringDoctorID, string(o.Status),
		o.ParentOverrideID).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule override: %w", err)
	}
	return nil
}

func (r *overrideRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Override, error) {
	return scanOverride(r.conn(ctx).QueryRow(ctx, `SELECT `+overrideCols+` FROM schedule_override WHERE id = $1`, id))
}

func (r *overrideRepoPG) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*Override, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+overrideCols+` FROM schedule_override WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, err
	}
	return collectOverrides(rows)
}

func (r *overrideRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status OverrideStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE schedule_override SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOverrideNotFound
	}
	return nil
}

func (r *overrideRepoPG) Retire(ctx context.Context, id, byOverrideID uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE schedule_override SET retired_at = $3, retired_by_override_id = $2, updated_at = NOW()
		WHERE id = $1 AND retired_at IS NULL`, id, byOverrideID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOverrideNotFound
	}
	return nil
}

func (r *overrideRepoPG) Effective(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) ([]*Override, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+overrideCols+` FROM schedule_override
		WHERE doctor_id = $1 AND branch_id = $2 AND status = 'approved' AND retired_at IS NULL
		  AND start_date <= $3 AND end_date >= $3
		ORDER BY created_at, id`, doctorID, branchID, DateOf(date))
	if err != nil {
		return nil, err
	}
	return collectOverrides(rows)
}

func (r *overrideRepoPG) EffectiveBetween(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Override, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+overrideCols+` FROM schedule_override
		WHERE doctor_id = $1 AND status = 'approved' AND retired_at IS NULL
		  AND start_date <= $3 AND end_date >= $2
		ORDER BY created_at, id`, doctorID, DateOf(from), DateOf(to))
	if err != nil {
		return nil, err
	}
	return collectOverrides(rows)
}
