package middleware

import (
	"github.com/labstack/echo/v4"

	authpkg "github.com/whaletrack-dev/api/pkg/auth"
	"github.com/whaletrack-dev/api/pkg/config"
	"github.com/whaletrack-dev/api/pkg/logging"
	"github.com/whaletrack-dev/api/pkg/response"
)

// User represents an authenticated user
type User struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Role authpkg.Role `json:"role"`
}

// APIKeyMiddleware validates API keys from the X-API-Key header
func APIKeyMiddleware(apiKeys []config.APIKey) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey := c.Request().Header.Get("X-API-Key")
			if apiKey == "" {
				logging.LogDenied("missing api key", "", c.Path())
				return response.Unauthorized(c, "API key required")
			}

			keyData, found := config.FindAPIKeyByKey(apiKeys, apiKey)
			if !found {
				logging.LogDenied("invalid api key", "", c.Path())
				return response.Unauthorized(c, "Invalid API key")
			}

			c.Set("user", &User{
				ID:   keyData.Name,
				Name: keyData.Name,
				Role: authpkg.ParseRole(keyData.Role),
			})

			return next(c)
		}
	}
}

// RequireRole middleware checks if the user has sufficient role permissions
func RequireRole(requiredRole authpkg.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := GetUserFromContext(c)
			if !ok {
				return response.Unauthorized(c, "User not authenticated")
			}

			if !user.Role.HasPermission(requiredRole) {
				return response.Forbidden(c, "Insufficient permissions. Required: "+requiredRole.String())
			}

			return next(c)
		}
	}
}

// GetUserFromContext extracts the user from the Echo context
func GetUserFromContext(c echo.Context) (*User, bool) {
	user := c.Get("user")
	if user == nil {
		return nil, false
	}
	return user.(*User), true
}
