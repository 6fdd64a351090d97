package booking

import (
	"bytes"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
	"github.com/hms/opd/pkg/pagination"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	all := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleReceptionist, auth.RoleBranchAdmin))
	all.POST("/bookings", h.Book)
	all.GET("/bookings", h.List)
	all.GET("/bookings/:id", h.Get)
	all.POST("/bookings/:id/reschedule", h.Reschedule)
	all.POST("/bookings/:id/cancel", h.Cancel)
	all.GET("/bookings/:id/events", h.Events)
	all.GET("/patients/:patient_id/credits", h.Credits)

	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist, auth.RoleBranchAdmin))
	staff.POST("/bookings/:id/confirm", h.Confirm)
	staff.POST("/bookings/:id/check-in", h.CheckIn)
	staff.POST("/bookings/:id/start", h.StartSession)
	staff.POST("/bookings/:id/complete", h.Complete)

	admin := api.Group("", auth.RequireRole(auth.AdminRoles...))
	admin.GET("/booking-events/export", h.ExportEvents)
}

func actorOf(c echo.Context) (auth.Actor, error) {
	actor, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return actor, nil
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.HTTPError(apperr.Validationf("invalid %s", name))
	}
	return id, nil
}

func parseDate(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, apperr.HTTPError(apperr.Validationf("%s is required", name))
	}
	d, err := calendar.ParseDate(value)
	if err != nil {
		return time.Time{}, apperr.HTTPError(apperr.Validationf("invalid %s: expected YYYY-MM-DD", name))
	}
	return d, nil
}

// loadVisible fetches a booking and hides other patients' bookings.
func (h *Handler) loadVisible(c echo.Context, actor auth.Actor) (*Booking, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return nil, err
	}
	b, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	if actor.Role == auth.RolePatient && b.PatientID != actor.ID {
		return nil, apperr.HTTPError(ErrNotFound)
	}
	return b, nil
}

// -- Booking Handlers --

type bookInput struct {
	PatientID  uuid.UUID `json:"patient_id"`
	DoctorID   uuid.UUID `json:"doctor_id"`
	BranchID   uuid.UUID `json:"branch_id"`
	Date       string    `json:"date"`
	SlotNumber int       `json:"slot_number"`
	Type       Type      `json:"type"`
}

func (h *Handler) Book(c echo.Context) error {
	var in bookInput
	if err := c.Bind(&in); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body: %v", err))
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	date, err := parseDate(in.Date, "date")
	if err != nil {
		return err
	}
	b, err := h.svc.Book(c.Request().Context(), BookRequest{
		PatientID:  in.PatientID,
		DoctorID:   in.DoctorID,
		BranchID:   in.BranchID,
		Date:       date,
		SlotNumber: in.SlotNumber,
		Type:       in.Type,
	}, actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	b, err := h.loadVisible(c, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

// List serves ?doctor_id=&date= for staff and ?patient_id= for everyone;
// patients always see their own bookings.
func (h *Handler) List(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	if doctor := c.QueryParam("doctor_id"); doctor != "" && actor.IsStaff() {
		doctorID, err := uuid.Parse(doctor)
		if err != nil {
			return apperr.HTTPError(apperr.Validationf("invalid doctor_id"))
		}
		date, err := parseDate(c.QueryParam("date"), "date")
		if err != nil {
			return err
		}
		items, err := h.svc.ListForDoctor(ctx, doctorID, date)
		if err != nil {
			return apperr.HTTPError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewPage(items, len(items), pagination.All(len(items))))
	}

	patientID := actor.ID
	if actor.IsStaff() {
		raw := c.QueryParam("patient_id")
		if raw == "" {
			return apperr.HTTPError(apperr.Validationf("doctor_id and date, or patient_id, is required"))
		}
		if patientID, err = uuid.Parse(raw); err != nil {
			return apperr.HTTPError(apperr.Validationf("invalid patient_id"))
		}
	}
	page := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(ctx, patientID, page)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, page))
}

type rescheduleInput struct {
	Date       string `json:"date"`
	SlotNumber int    `json:"slot_number"`
	Reason     string `json:"reason"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in rescheduleInput
	if err := c.Bind(&in); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body: %v", err))
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	date, err := parseDate(in.Date, "date")
	if err != nil {
		return err
	}
	b, err := h.svc.Reschedule(c.Request().Context(), id, RescheduleRequest{
		Date:       date,
		SlotNumber: in.SlotNumber,
		Reason:     in.Reason,
	}, actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in CancelRequest
	if err := c.Bind(&in); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body: %v", err))
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	b, err := h.svc.Cancel(c.Request().Context(), id, in, actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Lifecycle Handlers --

type confirmInput struct {
	PaymentAmount decimal.Decimal `json:"payment_amount"`
}

func (h *Handler) Confirm(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in confirmInput
	if err := c.Bind(&in); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body: %v", err))
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	b, err := h.svc.Confirm(c.Request().Context(), id, in.PaymentAmount, actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) lifecycle(c echo.Context, op func(*Service, echo.Context, uuid.UUID, auth.Actor) (*Booking, error)) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	b, err := op(h.svc, c, id, actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) CheckIn(c echo.Context) error {
	return h.lifecycle(c, func(s *Service, c echo.Context, id uuid.UUID, a auth.Actor) (*Booking, error) {
		return s.CheckIn(c.Request().Context(), id, a)
	})
}

func (h *Handler) StartSession(c echo.Context) error {
	return h.lifecycle(c, func(s *Service, c echo.Context, id uuid.UUID, a auth.Actor) (*Booking, error) {
		return s.StartSession(c.Request().Context(), id, a)
	})
}

func (h *Handler) Complete(c echo.Context) error {
	return h.lifecycle(c, func(s *Service, c echo.Context, id uuid.UUID, a auth.Actor) (*Booking, error) {
		return s.Complete(c.Request().Context(), id, a)
	})
}

// -- Event Log Handlers --

func (h *Handler) Events(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	b, err := h.loadVisible(c, actor)
	if err != nil {
		return err
	}
	events, err := h.svc.Events(c.Request().Context(), b.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if events == nil {
		events = []*Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": events, "total": len(events)})
}

// ExportEvents streams ?from=&to= (inclusive dates) as an xlsx workbook.
func (h *Handler) ExportEvents(c echo.Context) error {
	from, err := parseDate(c.QueryParam("from"), "from")
	if err != nil {
		return err
	}
	to, err := parseDate(c.QueryParam("to"), "to")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := h.svc.ExportEvents(c.Request().Context(), from, to.AddDate(0, 0, 1), &buf); err != nil {
		return apperr.HTTPError(err)
	}
	name := "booking-events-" + from.Format(calendar.DateLayout) + "-" + to.Format(calendar.DateLayout) + ".xlsx"
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
	return c.Blob(http.StatusOK, xlsxMIME, buf.Bytes())
}

func (h *Handler) Credits(c echo.Context) error {
	patientID, err := parseID(c, "patient_id")
	if err != nil {
		return err
	}
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	if actor.Role == auth.RolePatient && actor.ID != patientID {
		return apperr.HTTPError(ErrNotOwner)
	}
	credits, err := h.svc.Credits(c.Request().Context(), patientID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if credits == nil {
		credits = []*Credit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": credits, "total": len(credits)})
}
