package updates

import (
	"github.com/labstack/echo/v4"

	"github.com/whaletrack-dev/api/internal/middleware"
	authpkg "github.com/whaletrack-dev/api/pkg/auth"
)

// RegisterRoutes registers update-tracking routes
func RegisterRoutes(g *echo.Group, handler *Handler) {
	g.GET("", handler.GetUpdates)
	g.GET("/schedule", handler.GetSchedule)
	g.GET("/runs", handler.GetRuns)
	// Triggering registry traffic requires operator privileges
	g.POST("/check", handler.CheckUpdates, middleware.RequireRole(authpkg.Operator))
}
