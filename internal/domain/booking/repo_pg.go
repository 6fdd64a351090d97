package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/platform/db"
	"github.com/hms/opd/pkg/pagination"
)

const liveSlotIndex = "uq_booking_live_slot"

// =========== Booking Repository ===========

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewBookingRepoPG(pool *pgxpool.Pool) Repository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const bookingCols = `id, patient_id, doctor_id, branch_id, schedule_id, appointment_date,
	start_minute, end_minute, slot_number, type, status, payment_status, payment_amount,
	patient_reschedule_count, admin_granted_reschedule_count, cancelled_by, cancelled_by_role,
	cancellation_reason, cancelled_by_admin_for_doctor, original_booking_id, root_booking_id,
	rescheduled_to_id, needs_reschedule, version, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var start, end int
	err := row.Scan(&b.ID, &b.PatientID, &b.DoctorID, &b.BranchID, &b.ScheduleID, &b.AppointmentDate,
		&start, &end, &b.SlotNumber, &b.Type, &b.Status, &b.PaymentStatus, &b.PaymentAmount,
		&b.PatientRescheduleCount, &b.AdminGrantedRescheduleCount, &b.CancelledBy, &b.CancelledByRole,
		&b.CancellationReason, &b.CancelledByAdminForDoctor, &b.OriginalBookingID, &b.RootBookingID,
		&b.RescheduledToID, &b.NeedsReschedule, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.Start, b.End = calendar.Clock(start), calendar.Clock(end)
	return &b, nil
}

func collectBookings(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.RootBookingID == uuid.Nil {
		b.RootBookingID = b.ID
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO booking (id, patient_id, doctor_id, branch_id, schedule_id, appointment_date,
			start_minute, end_minute, slot_number, type, status, payment_status, payment_amount,
			patient_reschedule_count, admin_granted_reschedule_count, original_booking_id, root_booking_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING version, created_at, updated_at`,
		b.ID, b.PatientID, b.DoctorID, b.BranchID, b.ScheduleID, b.AppointmentDate,
		int(b.Start), int(b.End), b.SlotNumber, b.Type, b.Status, b.PaymentStatus, b.PaymentAmount,
		b.PatientRescheduleCount, b.AdminGrantedRescheduleCount, b.OriginalBookingID, b.RootBookingID,
	).Scan(&b.Version, &b.CreatedAt, &b.UpdatedAt)
	if db.IsUniqueViolation(err, liveSlotIndex) {
		return ErrSlotTaken
	}
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1`, id))
}

func (r *bookingRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1 FOR UPDATE`, id))
}

func (r *bookingRepoPG) Update(ctx context.Context, b *Booking) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE booking SET status = $2, payment_status = $3, payment_amount = $4,
			patient_reschedule_count = $5, admin_granted_reschedule_count = $6,
			cancelled_by = $7, cancelled_by_role = $8, cancellation_reason = $9,
			cancelled_by_admin_for_doctor = $10, rescheduled_to_id = $11, needs_reschedule = $12,
			version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING version, updated_at`,
		b.ID, b.Status, b.PaymentStatus, b.PaymentAmount,
		b.PatientRescheduleCount, b.AdminGrantedRescheduleCount,
		b.CancelledBy, b.CancelledByRole, b.CancellationReason,
		b.CancelledByAdminForDoctor, b.RescheduledToID, b.NeedsReschedule,
	).Scan(&b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if db.IsUniqueViolation(err, liveSlotIndex) {
		return ErrSlotTaken
	}
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	return nil
}

func (r *bookingRepoPG) SlotTaken(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, slotNumber int) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM booking
			WHERE doctor_id = $1 AND branch_id = $2 AND appointment_date = $3 AND slot_number = $4
			  AND status NOT IN ('cancelled', 'rescheduled'))`,
		doctorID, branchID, date, slotNumber).Scan(&taken)
	return taken, err
}

func (r *bookingRepoPG) TakenSlots(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) (map[int]bool, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT slot_number FROM booking
		WHERE doctor_id = $1 AND branch_id = $2 AND appointment_date = $3
		  AND status NOT IN ('cancelled', 'rescheduled')`,
		doctorID, branchID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	taken := make(map[int]bool)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		taken[n] = true
	}
	return taken, rows.Err()
}

func (r *bookingRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE doctor_id = $1 AND appointment_date = $2 ORDER BY slot_number, created_at`, doctorID, date)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *bookingRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, page pagination.Params) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM booking WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE patient_id = $1 ORDER BY appointment_date DESC, start_minute DESC `+page.SQL(), patientID)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectBookings(rows)
	return items, total, err
}

func (r *bookingRepoPG) ListOpen(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) ([]*Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE doctor_id = $1 AND branch_id = $2 AND appointment_date = $3
		  AND status IN ('pending_payment', 'confirmed')
		ORDER BY slot_number`, doctorID, branchID, date)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *bookingRepoPG) ListOverdue(ctx context.Context, day time.Time) ([]*Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE appointment_date < $1 AND status IN ('pending_payment', 'confirmed')
		ORDER BY appointment_date, doctor_id, slot_number`, day)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// =========== Event Repository ===========

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository { return &eventRepoPG{pool: pool} }

func (r *eventRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const eventCols = `id, booking_id, root_booking_id, kind, outcome, actor_id, actor_role,
	prev_status, next_status, reason, credit_id, occurred_at`

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.BookingID, &e.RootBookingID, &e.Kind, &e.Outcome, &e.ActorID,
			&e.ActorRole, &e.PrevStatus, &e.NextStatus, &e.Reason, &e.CreditID, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *eventRepoPG) Append(ctx context.Context, e *Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO booking_event (booking_id, root_booking_id, kind, outcome, actor_id, actor_role,
			prev_status, next_status, reason, credit_id, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id`,
		e.BookingID, e.RootBookingID, e.Kind, e.Outcome, e.ActorID, e.ActorRole,
		e.PrevStatus, e.NextStatus, e.Reason, e.CreditID, e.OccurredAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append booking event: %w", err)
	}
	return nil
}

func (r *eventRepoPG) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+eventCols+` FROM booking_event
		WHERE booking_id = $1 ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r *eventRepoPG) ListBetween(ctx context.Context, from, to time.Time) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+eventCols+` FROM booking_event
		WHERE occurred_at >= $1 AND occurred_at < $2 ORDER BY id`, from, to)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r *eventRepoPG) Counters(ctx context.Context, rootBookingID uuid.UUID) (Counters, error) {
	var c Counters
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE actor_role = 'patient' AND credit_id IS NULL),
			COUNT(*) FILTER (WHERE credit_id IS NOT NULL)
		FROM booking_event
		WHERE root_booking_id = $1 AND kind = 'rescheduled' AND outcome = 'applied'`,
		rootBookingID).Scan(&c.PatientReschedules, &c.CreditReschedules)
	return c, err
}

// =========== Credit Repository ===========

type creditRepoPG struct{ pool *pgxpool.Pool }

func NewCreditRepoPG(pool *pgxpool.Pool) CreditRepository { return &creditRepoPG{pool: pool} }

func (r *creditRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const creditCols = `id, patient_id, root_booking_id, source_booking_id, granted, remaining, expires_at, created_at`

func scanCredit(row pgx.Row) (*Credit, error) {
	var c Credit
	err := row.Scan(&c.ID, &c.PatientID, &c.RootBookingID, &c.SourceBookingID,
		&c.Granted, &c.Remaining, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *creditRepoPG) Create(ctx context.Context, c *Credit) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reschedule_credit (id, patient_id, root_booking_id, source_booking_id, granted, remaining, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		c.ID, c.PatientID, c.RootBookingID, c.SourceBookingID, c.Granted, c.Remaining, c.ExpiresAt,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reschedule credit: %w", err)
	}
	return nil
}

func (r *creditRepoPG) Available(ctx context.Context, rootBookingID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(remaining), 0) FROM reschedule_credit
		WHERE root_booking_id = $1 AND remaining > 0 AND expires_at > $2`,
		rootBookingID, now).Scan(&n)
	return n, err
}

func (r *creditRepoPG) Consume(ctx context.Context, rootBookingID uuid.UUID, now time.Time) (*Credit, error) {
	c, err := scanCredit(r.conn(ctx).QueryRow(ctx, `
		UPDATE reschedule_credit SET remaining = remaining - 1
		WHERE id = (
			SELECT id FROM reschedule_credit
			WHERE root_booking_id = $1 AND remaining > 0 AND expires_at > $2
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE)
		  AND remaining > 0
		RETURNING `+creditCols, rootBookingID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCredit
	}
	if err != nil {
		return nil, fmt.Errorf("consume reschedule credit: %w", err)
	}
	return c, nil
}

func (r *creditRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Credit, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+creditCols+` FROM reschedule_credit
		WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Credit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
