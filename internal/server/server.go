package server

import (
	"sync"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	updatesapi "github.com/whaletrack-dev/api/internal/api/updates"
	"github.com/whaletrack-dev/api/internal/middleware"
	"github.com/whaletrack-dev/api/pkg/auth"
	"github.com/whaletrack-dev/api/pkg/config"
	"github.com/whaletrack-dev/api/pkg/logging"
	"github.com/whaletrack-dev/api/pkg/runs"
	"github.com/whaletrack-dev/api/pkg/schedule"
	"github.com/whaletrack-dev/api/pkg/updates"
)

// Server represents the API server
type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	apiKeys   []config.APIKey
	apiKeysMu sync.RWMutex

	instanceID string
}

// GetAPIKeys returns a copy of the current API keys
func (s *Server) GetAPIKeys() []config.APIKey {
	s.apiKeysMu.RLock()
	defer s.apiKeysMu.RUnlock()
	keys := make([]config.APIKey, len(s.apiKeys))
	copy(keys, s.apiKeys)
	return keys
}

// New creates a new API server instance
func New(
	e *echo.Echo,
	cfg *config.Config,
	apiKeys []config.APIKey,
	orchestrator *updates.Orchestrator,
	runner *schedule.Runner,
	ledger runs.Ledger,
	instanceID string,
) *Server {
	srv := &Server{
		echo:       e,
		cfg:        cfg,
		apiKeys:    apiKeys,
		instanceID: instanceID,
	}

	updatesHandler := updatesapi.NewHandler(orchestrator, runner, ledger)

	// API routes with authentication when keys are configured
	api := e.Group("/api/v1")
	if len(apiKeys) > 0 {
		api.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return middleware.APIKeyMiddleware(srv.GetAPIKeys())(next)(c)
			}
		})
	} else {
		// Single-user setups run without keys; grant admin so role checks pass
		logging.Logger.Warn("No API keys configured, API is unauthenticated")
		api.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set("user", &middleware.User{ID: "local", Name: "local", Role: auth.Admin})
				return next(c)
			}
		})
	}

	updatesapi.RegisterRoutes(api.Group("/updates"), updatesHandler)

	// Health check (no auth required - for load balancers/probes)
	e.GET("/health", srv.handleHealth)

	return srv
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c echo.Context) error {
	if c.QueryParam("info") == "true" {
		info := map[string]string{
			"public_url": s.cfg.Server.PublicURL,
			"api_id":     s.instanceID,
		}
		return c.JSON(200, info)
	}
	return c.NoContent(200)
}

// Start starts the API server
func (s *Server) Start() error {
	port := ":" + s.cfg.Server.Port
	logging.Logger.Info("Starting server", zap.String("port", port))
	return s.echo.Start(port)
}
