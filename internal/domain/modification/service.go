package modification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
	"github.com/hms/opd/internal/platform/db"
	"github.com/hms/opd/internal/platform/metrics"
	"github.com/hms/opd/internal/platform/notify"
	"github.com/hms/opd/pkg/pagination"
)

// maxSpanDays bounds how many dates a single request may cover.
const maxSpanDays = 92

var ErrPeerAnswered = apperr.PolicyDenied("peer_answered", "peer doctor has already responded")

// Ledger re-evaluates bookings on a date after the calendar changed.
type Ledger interface {
	Reconcile(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, actor auth.Actor) (flagged, cleared int, err error)
}

type Service struct {
	requests  Repository
	overrides calendar.OverrideRepository
	ledger    Ledger
	tx        db.Transactor
	pub       notify.Publisher
	loc       *time.Location
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(requests Repository, overrides calendar.OverrideRepository, ledger Ledger, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		requests:  requests,
		overrides: overrides,
		ledger:    ledger,
		tx:        tx,
		pub:       notify.Nop{},
		loc:       time.UTC,
		logger:    logger.With().Str("component", "modification").Logger(),
		now:       time.Now,
	}
}

func (s *Service) WithPublisher(pub notify.Publisher) *Service {
	s.pub = pub
	return s
}

func (s *Service) WithLocation(loc *time.Location) *Service {
	s.loc = loc
	return s
}

func (s *Service) today() time.Time {
	return calendar.DateOf(s.now().In(s.loc))
}

// -- Create --

// CreateInput describes a requested change. Only the fields relevant to
// Type are kept.
type CreateInput struct {
	DoctorID        uuid.UUID
	BranchID        uuid.UUID
	Type            RequestType
	StartDate       time.Time
	EndDate         time.Time
	NewStart        *calendar.Clock
	NewEnd          *calendar.Clock
	NewCapacity     *int
	PeerID          *uuid.UUID
	PeerDate        *time.Time
	ParentRequestID *uuid.UUID
	Reason          string
}

func (s *Service) validate(in CreateInput, actor auth.Actor) (*Request, error) {
	if !in.Type.Valid() {
		return nil, apperr.Validationf("type is required")
	}
	if in.DoctorID == uuid.Nil {
		return nil, apperr.Validationf("doctor_id is required")
	}
	if in.BranchID == uuid.Nil {
		return nil, apperr.Validationf("branch_id is required")
	}
	if !actor.IsAdmin() && actor.ID != in.DoctorID {
		return nil, ErrNotOwnRequest
	}

	req := &Request{
		RequestedBy: actor.ID,
		DoctorID:    in.DoctorID,
		BranchID:    in.BranchID,
		Type:        in.Type,
		StartDate:   calendar.DateOf(in.StartDate),
		EndDate:     calendar.DateOf(in.EndDate),
		Reason:      in.Reason,
		Status:      StatusPending,
		PeerStatus:  PeerNotRequired,
	}

	if in.Type == TypeCancelBlock && in.ParentRequestID != nil {
		// Dates come from the parent once it is loaded.
		req.ParentRequestID = in.ParentRequestID
		return req, nil
	}

	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return nil, apperr.Validationf("start_date and end_date are required")
	}
	if req.EndDate.Before(req.StartDate) {
		return nil, apperr.Validationf("end_date must not be before start_date")
	}
	if req.EndDate.Sub(req.StartDate) >= maxSpanDays*24*time.Hour {
		return nil, apperr.Validationf("a request may cover at most %d days", maxSpanDays)
	}
	if req.StartDate.Before(s.today()) {
		return nil, apperr.Validationf("start_date is in the past")
	}

	switch in.Type {
	case TypeDelayStart:
		if in.NewStart == nil || !in.NewStart.Valid() {
			return nil, apperr.Validationf("new_start_time is required for delay_start")
		}
		req.NewStart = in.NewStart
	case TypeEarlyEnd:
		if in.NewEnd == nil || !in.NewEnd.Valid() {
			return nil, apperr.Validationf("new_end_time is required for early_end")
		}
		req.NewEnd = in.NewEnd
	case TypeLimitAppointments:
		if in.NewCapacity == nil || *in.NewCapacity < 1 {
			return nil, apperr.Validationf("new_capacity must be at least 1")
		}
		req.NewCapacity = in.NewCapacity
	case TypeInterchange:
		if in.PeerID == nil || *in.PeerID == uuid.Nil {
			return nil, apperr.Validationf("peer_id is required for interchange")
		}
		if *in.PeerID == in.DoctorID {
			return nil, apperr.Validationf("peer_id must name another doctor")
		}
		req.PeerID = in.PeerID
		if in.PeerDate != nil {
			pd := calendar.DateOf(*in.PeerDate)
			if pd.Before(s.today()) {
				return nil, apperr.Validationf("peer_date is in the past")
			}
			req.PeerDate = &pd
		}
		req.Status = StatusPeerPending
		req.PeerStatus = PeerPending
	}
	return req, nil
}

// plan builds the pending overrides a request will approve.
func (s *Service) plan(ctx context.Context, req *Request) ([]*calendar.Override, error) {
	base := func(typ calendar.OverrideType) *calendar.Override {
		return &calendar.Override{
			ID:          uuid.New(),
			RequestID:   req.ID,
			DoctorID:    req.DoctorID,
			BranchID:    req.BranchID,
			Type:        typ,
			StartDate:   req.StartDate,
			EndDate:     req.EndDate,
			NewStart:    req.NewStart,
			NewEnd:      req.NewEnd,
			NewCapacity: req.NewCapacity,
			Status:      calendar.OverridePending,
		}
	}

	switch req.Type {
	case TypeInterchange:
		own := base(calendar.OverrideBlockDate)
		own.CoveringDoctorID = req.PeerID
		out := []*calendar.Override{own}
		if req.PeerDate != nil {
			requester := req.DoctorID
			peer := base(calendar.OverrideBlockDate)
			peer.DoctorID = *req.PeerID
			peer.StartDate, peer.EndDate = *req.PeerDate, *req.PeerDate
			peer.CoveringDoctorID = &requester
			out = append(out, peer)
		}
		return out, nil

	case TypeCancelBlock:
		if req.ParentRequestID == nil {
			return []*calendar.Override{base(calendar.OverrideCancelBlock)}, nil
		}
		parents, err := s.cancellableOverrides(ctx, req)
		if err != nil {
			return nil, err
		}
		out := make([]*calendar.Override, 0, len(parents))
		for _, p := range parents {
			parentID := p.ID
			o := base(calendar.OverrideCancelBlock)
			o.DoctorID, o.BranchID = p.DoctorID, p.BranchID
			o.StartDate, o.EndDate = p.StartDate, p.EndDate
			o.ParentOverrideID = &parentID
			out = append(out, o)
		}
		return out, nil

	default:
		return []*calendar.Override{base(calendar.OverrideType(req.Type))}, nil
	}
}

// cancellableOverrides resolves the parent request of a cancel_block and
// copies its date range onto req.
func (s *Service) cancellableOverrides(ctx context.Context, req *Request) ([]*calendar.Override, error) {
	parent, err := s.requests.GetByID(ctx, *req.ParentRequestID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrParentInvalid
	}
	if err != nil {
		return nil, err
	}
	if parent.Status != StatusApproved || parent.Type == TypeCancelBlock || parent.DoctorID != req.DoctorID {
		return nil, ErrParentInvalid
	}
	all, err := s.overrides.ListByRequest(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	var live []*calendar.Override
	for _, o := range all {
		if o.Effective() {
			live = append(live, o)
		}
	}
	if len(live) == 0 {
		return nil, ErrParentInvalid
	}
	req.StartDate, req.EndDate = parent.StartDate, parent.EndDate
	return live, nil
}

// Create stores the request and its pending overrides. Nothing changes on
// the calendar until the request is approved.
func (s *Service) Create(ctx context.Context, in CreateInput, actor auth.Actor) (*View, error) {
	req, err := s.validate(in, actor)
	if err != nil {
		return nil, err
	}
	req.ID = uuid.New()

	var planned []*calendar.Override
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.plan(ctx, req)
		if err != nil {
			return err
		}
		planned = p
		if err := s.requests.Create(ctx, req); err != nil {
			return err
		}
		for _, o := range planned {
			if err := s.overrides.Create(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("request_id", req.ID.String()).
		Str("type", string(req.Type)).
		Str("doctor_id", req.DoctorID.String()).
		Str("status", string(req.Status)).
		Str("actor", actor.String()).
		Msg("modification requested")
	s.emit(ctx, notify.ModificationCreated, req, actor, nil)

	return s.view(ctx, req, planned)
}

// -- Respond --

type RespondInput struct {
	Role     Role
	Decision Decision
	Note     string
}

// Respond applies a peer or admin decision. An admin approval activates the
// request's overrides, retires whatever a cancel_block targets, and then
// reconciles bookings on every affected date.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, in RespondInput, actor auth.Actor) (*View, error) {
	if in.Role != RolePeer && in.Role != RoleAdmin {
		return nil, apperr.Validationf("role must be peer or admin")
	}
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return nil, apperr.Validationf("decision must be approve or reject")
	}

	var (
		req       *Request
		overrides []*calendar.Override
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.requests.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return ErrClosed
		}
		overrides, err = s.overrides.ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		switch in.Role {
		case RolePeer:
			err = s.peerDecision(ctx, req, overrides, in, actor, now)
		case RoleAdmin:
			err = s.adminDecision(ctx, req, overrides, in, actor, now)
		}
		if err != nil {
			return err
		}
		return s.requests.Update(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	metrics.IncModificationDecision(string(req.Type), string(in.Role), string(in.Decision))
	s.logger.Info().
		Str("request_id", req.ID.String()).
		Str("type", string(req.Type)).
		Str("role", string(in.Role)).
		Str("decision", string(in.Decision)).
		Str("status", string(req.Status)).
		Str("actor", actor.String()).
		Msg("modification decided")
	s.emit(ctx, notify.ModificationDecided, req, actor, map[string]string{
		"role":     string(in.Role),
		"decision": string(in.Decision),
	})

	if req.Status == StatusApproved {
		s.reconcile(ctx, req, overrides, actor)
	}
	return s.view(ctx, req, overrides)
}

func (s *Service) peerDecision(ctx context.Context, req *Request, overrides []*calendar.Override, in RespondInput, actor auth.Actor, now time.Time) error {
	if req.Type != TypeInterchange || req.PeerID == nil {
		return ErrNoPeerStep
	}
	if *req.PeerID != actor.ID {
		return ErrNotPeer
	}
	if req.Status != StatusPeerPending {
		return ErrPeerAnswered
	}
	req.PeerRespondedAt = &now
	if in.Decision == DecisionApprove {
		req.PeerStatus = PeerApproved
		req.Status = StatusPending
		return nil
	}
	req.PeerStatus = PeerRejected
	req.Status = StatusRejected
	req.DecidedAt = &now
	req.DecisionNote = in.Note
	return s.setStatus(ctx, overrides, calendar.OverrideRejected)
}

func (s *Service) adminDecision(ctx context.Context, req *Request, overrides []*calendar.Override, in RespondInput, actor auth.Actor, now time.Time) error {
	if !actor.IsAdmin() {
		return ErrAdminOnly
	}
	if req.Status == StatusPeerPending {
		return ErrAwaitingPeer
	}
	approverID := actor.ID
	req.ApproverID = &approverID
	req.DecidedAt = &now
	req.DecisionNote = in.Note

	if in.Decision == DecisionReject {
		req.Status = StatusRejected
		return s.setStatus(ctx, overrides, calendar.OverrideRejected)
	}

	req.Status = StatusApproved
	if err := s.setStatus(ctx, overrides, calendar.OverrideApproved); err != nil {
		return err
	}
	for _, o := range overrides {
		if o.ParentOverrideID == nil {
			continue
		}
		err := s.overrides.Retire(ctx, *o.ParentOverrideID, o.ID, now)
		if errors.Is(err, calendar.ErrOverrideNotFound) {
			return ErrParentInvalid
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) setStatus(ctx context.Context, overrides []*calendar.Override, status calendar.OverrideStatus) error {
	for _, o := range overrides {
		if err := s.overrides.SetStatus(ctx, o.ID, status); err != nil {
			return err
		}
		o.Status = status
	}
	return nil
}

type dayKey struct {
	doctorID uuid.UUID
	branchID uuid.UUID
	date     time.Time
}

// reconcile re-flags bookings on each date the approved overrides touch.
// The approval has committed, so failures are logged rather than returned.
func (s *Service) reconcile(ctx context.Context, req *Request, overrides []*calendar.Override, actor auth.Actor) {
	today := s.today()
	seen := make(map[dayKey]bool)
	for _, o := range overrides {
		for _, d := range dateRange(o.StartDate, o.EndDate) {
			k := dayKey{o.DoctorID, o.BranchID, d}
			if d.Before(today) || seen[k] {
				continue
			}
			seen[k] = true
			flagged, cleared, err := s.ledger.Reconcile(ctx, o.DoctorID, o.BranchID, d, actor)
			if err != nil {
				s.logger.Error().Err(err).
					Str("request_id", req.ID.String()).
					Str("doctor_id", o.DoctorID.String()).
					Str("date", d.Format(calendar.DateLayout)).
					Msg("booking reconciliation failed")
				continue
			}
			if flagged > 0 || cleared > 0 {
				s.logger.Info().
					Str("request_id", req.ID.String()).
					Str("doctor_id", o.DoctorID.String()).
					Str("date", d.Format(calendar.DateLayout)).
					Int("flagged", flagged).
					Int("cleared", cleared).
					Msg("bookings reconciled")
			}
		}
	}
}

// -- Queries --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	overrides, err := s.overrides.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, req, overrides)
}

func (s *Service) List(ctx context.Context, f Filter, page pagination.Params) ([]*Request, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validationf("unknown status %q", f.Status)
	}
	return s.requests.List(ctx, f, page)
}

// view attaches overlap warnings: approved, unretired overrides of the same
// doctors from other requests whose dates intersect this request's.
func (s *Service) view(ctx context.Context, req *Request, overrides []*calendar.Override) (*View, error) {
	own := make(map[uuid.UUID]bool, len(overrides))
	for _, o := range overrides {
		own[o.ID] = true
		if o.ParentOverrideID != nil {
			own[*o.ParentOverrideID] = true
		}
	}

	var warnings []Warning
	for _, o := range overrides {
		others, err := s.overrides.EffectiveBetween(ctx, o.DoctorID, o.StartDate, o.EndDate)
		if err != nil {
			return nil, err
		}
		for _, other := range others {
			if own[other.ID] || other.RequestID == req.ID {
				continue
			}
			own[other.ID] = true
			warnings = append(warnings, warningFor(other))
		}
	}
	return &View{Request: req, Overrides: overrides, Warnings: warnings}, nil
}

func (s *Service) emit(ctx context.Context, eventType string, req *Request, actor auth.Actor, attrs map[string]string) {
	evt := notify.NewEvent(eventType, req.ID)
	doctorID, actorID := req.DoctorID, actor.ID
	evt.DoctorID = &doctorID
	evt.ActorID = &actorID
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["type"] = string(req.Type)
	attrs["status"] = string(req.Status)
	attrs["start_date"] = req.StartDate.Format(calendar.DateLayout)
	attrs["end_date"] = req.EndDate.Format(calendar.DateLayout)
	if req.PeerID != nil {
		attrs["peer_id"] = req.PeerID.String()
	}
	evt.Attributes = attrs
	notify.Emit(ctx, s.pub, s.logger, evt)
}
