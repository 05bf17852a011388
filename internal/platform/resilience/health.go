package resilience

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandler reports every breaker. It answers 503 while any breaker is
// open so load balancers can see a degraded dependency.
func HealthHandler(registry *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		snaps := registry.Snapshot()
		status := http.StatusOK
		overall := "healthy"
		for _, s := range snaps {
			if s.State == StateOpen.String() {
				status = http.StatusServiceUnavailable
				overall = "degraded"
				break
			}
		}
		return c.JSON(status, map[string]interface{}{
			"status":       overall,
			"dependencies": snaps,
		})
	}
}
