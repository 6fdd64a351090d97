package calendar

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
)

// Occupancy reports which slot numbers already hold a live booking at a
// branch. The booking ledger implements it; the calendar itself is
// booking-agnostic.
type Occupancy interface {
	TakenSlots(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time) (map[int]bool, error)
}

type Handler struct {
	svc       *Service
	occupancy Occupancy
}

func NewHandler(svc *Service, occupancy Occupancy) *Handler {
	return &Handler{svc: svc, occupancy: occupancy}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleReceptionist, auth.RoleBranchAdmin))
	read.GET("/doctors/:doctor_id/slots", h.AvailableSlots)

	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist, auth.RoleBranchAdmin))
	staff.GET("/schedules", h.ListDefinitions)
	staff.GET("/schedules/:id", h.GetDefinition)

	write := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleBranchAdmin))
	write.POST("/schedules", h.CreateDefinition)
	write.DELETE("/schedules/:id", h.RetireDefinition)
}

type slotView struct {
	Slot
	Taken bool `json:"taken"`
}

type dayView struct {
	Day
	Date  string     `json:"date"`
	Slots []slotView `json:"slots"`
}

func parseUUIDParam(value, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, apperr.Validationf("invalid %s", name)
	}
	return id, nil
}

// -- Slot Handlers --

func (h *Handler) AvailableSlots(c echo.Context) error {
	doctorID, err := parseUUIDParam(c.Param("doctor_id"), "doctor_id")
	if err != nil {
		return apperr.HTTPError(err)
	}
	branchID, err := parseUUIDParam(c.QueryParam("branch_id"), "branch_id")
	if err != nil {
		return apperr.HTTPError(err)
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return apperr.HTTPError(apperr.Validationf("%s", err.Error()))
	}

	ctx := c.Request().Context()
	day, err := h.svc.Day(ctx, doctorID, branchID, date)
	if err != nil {
		return apperr.HTTPError(err)
	}

	taken := map[int]bool{}
	if h.occupancy != nil && len(day.Slots) > 0 {
		if taken, err = h.occupancy.TakenSlots(ctx, doctorID, branchID, day.Date); err != nil {
			return apperr.HTTPError(err)
		}
	}

	view := dayView{Day: *day, Date: day.Date.Format(DateLayout), Slots: make([]slotView, 0, len(day.Slots))}
	for _, s := range day.Slots {
		view.Slots = append(view.Slots, slotView{Slot: s, Taken: taken[s.SlotNumber]})
	}
	return c.JSON(http.StatusOK, view)
}

// -- Definition Handlers --

func (h *Handler) CreateDefinition(c echo.Context) error {
	var in DefinitionInput
	if err := c.Bind(&in); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body: %v", err))
	}
	actor, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	def, err := h.svc.CreateDefinition(c.Request().Context(), in, actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, def)
}

func (h *Handler) GetDefinition(c echo.Context) error {
	id, err := parseUUIDParam(c.Param("id"), "id")
	if err != nil {
		return apperr.HTTPError(err)
	}
	def, err := h.svc.GetDefinition(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, def)
}

func (h *Handler) ListDefinitions(c echo.Context) error {
	doctorID, err := parseUUIDParam(c.QueryParam("doctor_id"), "doctor_id")
	if err != nil {
		return apperr.HTTPError(err)
	}
	includeInactive, _ := strconv.ParseBool(c.QueryParam("include_inactive"))
	items, err := h.svc.ListDefinitions(c.Request().Context(), doctorID, includeInactive)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Definition{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) RetireDefinition(c echo.Context) error {
	id, err := parseUUIDParam(c.Param("id"), "id")
	if err != nil {
		return apperr.HTTPError(err)
	}
	actor, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if err := h.svc.RetireDefinition(c.Request().Context(), id, actor); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
