package modification

import (
	"context"

	"github.com/google/uuid"

	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/pkg/pagination"
)

var (
	ErrNotFound      = apperr.NotFound("modification_request_not_found", "modification request not found")
	ErrClosed        = apperr.PolicyDenied("request_closed", "modification request has already been decided")
	ErrAwaitingPeer  = apperr.PolicyDenied("awaiting_peer", "interchange needs the peer doctor's approval first")
	ErrNotPeer       = apperr.PolicyDenied("not_peer", "only the named peer doctor may respond as peer")
	ErrNoPeerStep    = apperr.PolicyDenied("no_peer_step", "request does not involve a peer doctor")
	ErrAdminOnly     = apperr.PolicyDenied("admin_only", "only administrators may approve or reject requests")
	ErrNotOwnRequest = apperr.PolicyDenied("not_own_schedule", "doctors may only request changes to their own schedule")
	ErrParentInvalid = apperr.Validation("parent_invalid", "parent request must be an approved change with an active override")
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	DoctorID uuid.UUID
	Status   Status
}

type Repository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	// GetForUpdate locks the row for the enclosing transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Request, error)
	Update(ctx context.Context, r *Request) error
	// List matches requests where the doctor is either the requester's
	// subject or the interchange peer.
	List(ctx context.Context, f Filter, page pagination.Params) ([]*Request, int, error)
}
