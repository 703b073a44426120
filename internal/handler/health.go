package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Health answers GET /healthz. With no checks it returns plain "ok"; each
// failing check turns the answer into a 503 naming the dependency.
func Health(checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		if len(checks) == 0 {
			return c.String(http.StatusOK, "ok")
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "failed": failed})
		}
		return c.String(http.StatusOK, "ok")
	}
}
