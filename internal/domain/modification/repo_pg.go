package modification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/platform/db"
	"github.com/hms/opd/pkg/pagination"
)

// =========== Request Repository ===========

type requestRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &requestRepoPG{pool: pool}
}

func (r *requestRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const requestCols = `id, requested_by, doctor_id, branch_id, type, start_date, end_date,
	new_start_minute, new_end_minute, new_capacity, peer_id, peer_date, parent_request_id,
	reason, status, peer_status, peer_responded_at, approver_id, decided_at, decision_note,
	created_at, updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var m Request
	var typ, status, peerStatus string
	var newStart, newEnd *int
	err := row.Scan(&m.ID, &m.RequestedBy, &m.DoctorID, &m.BranchID, &typ, &m.StartDate, &m.EndDate,
		&newStart, &newEnd, &m.NewCapacity, &m.PeerID, &m.PeerDate, &m.ParentRequestID,
		&m.Reason, &status, &peerStatus, &m.PeerRespondedAt, &m.ApproverID, &m.DecidedAt, &m.DecisionNote,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Type, m.Status, m.PeerStatus = RequestType(typ), Status(status), PeerStatus(peerStatus)
	m.NewStart, m.NewEnd = clockPtr(newStart), clockPtr(newEnd)
	return &m, nil
}

func clockPtr(v *int) *calendar.Clock {
	if v == nil {
		return nil
	}
	c := calendar.Clock(*v)
	return &c
}

func minutesPtr(c *calendar.Clock) *int {
	if c == nil {
		return nil
	}
	v := int(*c)
	return &v
}

func (r *requestRepoPG) Create(ctx context.Context, m *Request) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO modification_request (id, requested_by, doctor_id, branch_id, type, start_date, end_date,
			new_start_minute, new_end_minute, new_capacity, peer_id, peer_date, parent_request_id,
			reason, status, peer_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		m.ID, m.RequestedBy, m.DoctorID, m.BranchID, string(m.Type), m.StartDate, m.EndDate,
		minutesPtr(m.NewStart), minutesPtr(m.NewEnd), m.NewCapacity, m.PeerID, m.PeerDate, m.ParentRequestID,
		m.Reason, string(m.Status), string(m.PeerStatus)).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert modification request: %w", err)
	}
	return nil
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM modification_request WHERE id = $1`, id))
}

func (r *requestRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Request, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM modification_request WHERE id = $1 FOR UPDATE`, id))
}

func (r *requestRepoPG) Update(ctx context.Context, m *Request) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE modification_request SET status = $2, peer_status = $3, peer_responded_at = $4,
			approver_id = $5, decided_at = $6, decision_note = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		m.ID, string(m.Status), string(m.PeerStatus), m.PeerRespondedAt,
		m.ApproverID, m.DecidedAt, m.DecisionNote).Scan(&m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *requestRepoPG) List(ctx context.Context, f Filter, page pagination.Params) ([]*Request, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.DoctorID != uuid.Nil {
		args = append(args, f.DoctorID)
		where = append(where, fmt.Sprintf("(doctor_id = $%d OR peer_id = $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM modification_request`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+requestCols+` FROM modification_request`+clause+
		` ORDER BY created_at DESC, id `+page.SQL(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Request
	for rows.Next() {
		m, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}
