package modification

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
	"github.com/hms/opd/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/modification-requests", auth.RequireRole(auth.RoleDoctor, auth.RoleBranchAdmin))
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/respond", h.Respond)
}

func actorOf(c echo.Context) (auth.Actor, error) {
	actor, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return actor, nil
}

func optionalDate(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	d, err := calendar.ParseDate(value)
	if err != nil {
		return time.Time{}, apperr.HTTPError(apperr.Validationf("invalid %s: expected YYYY-MM-DD", name))
	}
	return d, nil
}

// visible reports whether a doctor is party to the request. Admins see all.
func visible(req *Request, actor auth.Actor) bool {
	if actor.Role != auth.RoleDoctor {
		return true
	}
	return req.DoctorID == actor.ID || (req.PeerID != nil && *req.PeerID == actor.ID)
}

type createInput struct {
	DoctorID        uuid.UUID       `json:"doctor_id"`
	BranchID        uuid.UUID       `json:"branch_id"`
	Type            RequestType     `json:"type"`
	StartDate       string          `json:"start_date"`
	EndDate         string          `json:"end_date"`
	NewStart        *calendar.Clock `json:"new_start_time"`
	NewEnd          *calendar.Clock `json:"new_end_time"`
	NewCapacity     *int            `json:"new_capacity"`
	PeerID          *uuid.UUID      `json:"peer_id"`
	PeerDate        string          `json:"peer_date"`
	ParentRequestID *uuid.UUID      `json:"parent_request_id"`
	Reason          string          `json:"reason"`
}

func (h *Handler) Create(c echo.Context) error {
	var in createInput
	if err := c.Bind(&in); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body: %v", err))
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	if in.DoctorID == uuid.Nil && actor.Role == auth.RoleDoctor {
		in.DoctorID = actor.ID
	}
	start, err := optionalDate(in.StartDate, "start_date")
	if err != nil {
		return err
	}
	end, err := optionalDate(in.EndDate, "end_date")
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = start
	}
	peerDate, err := optionalDate(in.PeerDate, "peer_date")
	if err != nil {
		return err
	}

	input := CreateInput{
		DoctorID:        in.DoctorID,
		BranchID:        in.BranchID,
		Type:            in.Type,
		StartDate:       start,
		EndDate:         end,
		NewStart:        in.NewStart,
		NewEnd:          in.NewEnd,
		NewCapacity:     in.NewCapacity,
		PeerID:          in.PeerID,
		ParentRequestID: in.ParentRequestID,
		Reason:          in.Reason,
	}
	if !peerDate.IsZero() {
		input.PeerDate = &peerDate
	}
	view, err := h.svc.Create(c.Request().Context(), input, actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

type respondInput struct {
	Role     Role     `json:"role"`
	Decision Decision `json:"decision"`
	Note     string   `json:"note"`
}

func (h *Handler) Respond(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid id"))
	}
	var in respondInput
	if err := c.Bind(&in); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body: %v", err))
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Respond(c.Request().Context(), id, RespondInput{
		Role:     in.Role,
		Decision: in.Decision,
		Note:     in.Note,
	}, actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid id"))
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if !visible(view.Request, actor) {
		return apperr.HTTPError(ErrNotFound)
	}
	return c.JSON(http.StatusOK, view)
}

// List serves ?doctor_id=&status=. Doctors only see requests they are party to.
func (h *Handler) List(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var f Filter
	if raw := c.QueryParam("doctor_id"); raw != "" {
		if f.DoctorID, err = uuid.Parse(raw); err != nil {
			return apperr.HTTPError(apperr.Validationf("invalid doctor_id"))
		}
	}
	if actor.Role == auth.RoleDoctor {
		f.DoctorID = actor.ID
	}
	f.Status = Status(c.QueryParam("status"))

	page := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, page)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, page))
}
