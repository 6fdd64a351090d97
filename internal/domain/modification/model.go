package modification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hms/opd/internal/domain/calendar"
)

// RequestType is the change a doctor asks for. Every type except
// interchange maps one-to-one onto a calendar override type.
type RequestType string

const (
	TypeBlockDate         RequestType = "block_date"
	TypeDelayStart        RequestType = "delay_start"
	TypeLimitAppointments RequestType = "limit_appointments"
	TypeEarlyEnd          RequestType = "early_end"
	TypeCancelBlock       RequestType = "cancel_block"
	TypeInterchange       RequestType = "interchange"
)

func (t RequestType) Valid() bool {
	switch t {
	case TypeBlockDate, TypeDelayStart, TypeLimitAppointments, TypeEarlyEnd, TypeCancelBlock, TypeInterchange:
		return true
	}
	return false
}

func (t *RequestType) UnmarshalText(b []byte) error {
	v := RequestType(b)
	if !v.Valid() {
		return fmt.Errorf("unknown request type %q", string(b))
	}
	*t = v
	return nil
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusPeerPending Status = "peer_pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPeerPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal requests are immutable.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type PeerStatus string

const (
	PeerNotRequired PeerStatus = "not_required"
	PeerPending     PeerStatus = "pending"
	PeerApproved    PeerStatus = "approved"
	PeerRejected    PeerStatus = "rejected"
)

// Role is the capacity in which a responder acts on a request.
type Role string

const (
	RolePeer  Role = "peer"
	RoleAdmin Role = "admin"
)

func (r *Role) UnmarshalText(b []byte) error {
	v := Role(b)
	if v != RolePeer && v != RoleAdmin {
		return fmt.Errorf("role must be peer or admin")
	}
	*r = v
	return nil
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d *Decision) UnmarshalText(b []byte) error {
	v := Decision(b)
	if v != DecisionApprove && v != DecisionReject {
		return fmt.Errorf("decision must be approve or reject")
	}
	*d = v
	return nil
}

// Request maps to the modification_request table.
type Request struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	RequestedBy     uuid.UUID       `db:"requested_by" json:"requested_by"`
	DoctorID        uuid.UUID       `db:"doctor_id" json:"doctor_id"`
	BranchID        uuid.UUID       `db:"branch_id" json:"branch_id"`
	Type            RequestType     `db:"type" json:"type"`
	StartDate       time.Time       `db:"start_date" json:"-"`
	EndDate         time.Time       `db:"end_date" json:"-"`
	NewStart        *calendar.Clock `db:"new_start_minute" json:"new_start_time,omitempty"`
	NewEnd          *calendar.Clock `db:"new_end_minute" json:"new_end_time,omitempty"`
	NewCapacity     *int            `db:"new_capacity" json:"new_capacity,omitempty"`
	PeerID          *uuid.UUID      `db:"peer_id" json:"peer_id,omitempty"`
	PeerDate        *time.Time      `db:"peer_date" json:"-"`
	ParentRequestID *uuid.UUID      `db:"parent_request_id" json:"parent_request_id,omitempty"`
	Reason          string          `db:"reason" json:"reason"`
	Status          Status          `db:"status" json:"status"`
	PeerStatus      PeerStatus      `db:"peer_status" json:"peer_status"`
	PeerRespondedAt *time.Time      `db:"peer_responded_at" json:"peer_responded_at,omitempty"`
	ApproverID      *uuid.UUID      `db:"approver_id" json:"approver_id,omitempty"`
	DecidedAt       *time.Time      `db:"decided_at" json:"decided_at,omitempty"`
	DecisionNote    string          `db:"decision_note" json:"decision_note"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// MarshalJSON renders the date columns as YYYY-MM-DD.
func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	out := struct {
		plain
		StartDate string  `json:"start_date"`
		EndDate   string  `json:"end_date"`
		PeerDate  *string `json:"peer_date,omitempty"`
	}{
		plain:     plain(r),
		StartDate: r.StartDate.Format(calendar.DateLayout),
		EndDate:   r.EndDate.Format(calendar.DateLayout),
	}
	if r.PeerDate != nil {
		s := r.PeerDate.Format(calendar.DateLayout)
		out.PeerDate = &s
	}
	return json.Marshal(out)
}

// Dates returns every calendar date in the request's inclusive range.
func (r *Request) Dates() []time.Time {
	return dateRange(r.StartDate, r.EndDate)
}

func dateRange(from, to time.Time) []time.Time {
	var out []time.Time
	for d := calendar.DateOf(from); !d.After(calendar.DateOf(to)); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Warning reports an approved override of the same doctor that overlaps the
// request. Overlaps are surfaced, not resolved: the most recently approved
// override wins within its kind.
type Warning struct {
	OverrideID uuid.UUID             `json:"override_id"`
	RequestID  uuid.UUID             `json:"request_id"`
	BranchID   uuid.UUID             `json:"branch_id"`
	Type       calendar.OverrideType `json:"type"`
	StartDate  string                `json:"start_date"`
	EndDate    string                `json:"end_date"`
}

func warningFor(o *calendar.Override) Warning {
	return Warning{
		OverrideID: o.ID,
		RequestID:  o.RequestID,
		BranchID:   o.BranchID,
		Type:       o.Type,
		StartDate:  o.StartDate.Format(calendar.DateLayout),
		EndDate:    o.EndDate.Format(calendar.DateLayout),
	}
}

// View is a request together with its overrides and any overlap warnings.
type View struct {
	*Request
	Overrides []*calendar.Override `json:"overrides"`
	Warnings  []Warning            `json:"warnings"`
}

func (v View) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(v.Request)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	overrides := v.Overrides
	if overrides == nil {
		overrides = []*calendar.Override{}
	}
	warnings := v.Warnings
	if warnings == nil {
		warnings = []Warning{}
	}
	if fields["overrides"], err = json.Marshal(overrides); err != nil {
		return nil, err
	}
	if fields["warnings"], err = json.Marshal(warnings); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}
