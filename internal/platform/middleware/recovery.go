package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/metrics"
)

// Recovery turns a handler panic into a 500 with the standard error body.
// A booking transaction in flight is rolled back by its deferred cleanup
// before the panic reaches here.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				buf := make([]byte, 4096)
				buf = buf[:runtime.Stack(buf, false)]

				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", buf).
					Msg("handler panic")
				metrics.IncPanicRecovered()

				err = echo.NewHTTPError(http.StatusInternalServerError,
					apperr.Body{Error: "internal", Message: "internal server error"})
			}()
			return next(c)
		}
	}
}
