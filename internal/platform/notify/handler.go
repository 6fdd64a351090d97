package notify

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
	"github.com/hms/opd/internal/platform/db"
)

const maxRecent = 200

// Backlog is the replay list kept by RedisPublisher.
type Backlog interface {
	Recent(ctx context.Context, n int64) ([]Event, error)
}

// Handler lets branch admins inspect recently published events when a
// downstream worker reports a missing SMS or push.
type Handler struct {
	backlog Backlog
}

func NewHandler(backlog Backlog) *Handler {
	return &Handler{backlog: backlog}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/events", auth.RequireRole(auth.AdminRoles...))
	g.GET("/recent", h.Recent)
}

// Recent returns the newest events for the caller's tenant. The replay list
// is shared, so it over-reads and filters.
func (h *Handler) Recent(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRecent {
			return apperr.HTTPError(apperr.Validationf("limit must be between 1 and %d", maxRecent))
		}
		limit = n
	}

	ctx := c.Request().Context()
	events, err := h.backlog.Recent(ctx, maxRecent*5)
	if err != nil {
		return apperr.HTTPError(err)
	}
	tenant := db.TenantFromContext(ctx)
	out := make([]Event, 0, limit)
	for _, e := range events {
		if e.TenantID != tenant {
			continue
		}
		if subject := c.QueryParam("subject_id"); subject != "" && e.SubjectID.String() != subject {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return c.JSON(http.StatusOK, out)
}
