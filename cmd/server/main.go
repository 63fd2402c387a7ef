package main

import (
	"context"
	"flag"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	internalMiddleware "github.com/whaletrack-dev/api/internal/middleware"
	"github.com/whaletrack-dev/api/internal/server"
	"github.com/whaletrack-dev/api/pkg/config"
	"github.com/whaletrack-dev/api/pkg/docker"
	"github.com/whaletrack-dev/api/pkg/kv"
	"github.com/whaletrack-dev/api/pkg/logging"
	"github.com/whaletrack-dev/api/pkg/ratelimit"
	"github.com/whaletrack-dev/api/pkg/registry"
	"github.com/whaletrack-dev/api/pkg/runs"
	"github.com/whaletrack-dev/api/pkg/schedule"
	pkgServer "github.com/whaletrack-dev/api/pkg/server"
	"github.com/whaletrack-dev/api/pkg/updates"
)

// CustomValidator wraps the validator
type CustomValidator struct {
	validator *validator.Validate
}

// Validate validates the struct
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config-path", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
		log.Printf("Configuration loaded from %s", configPath)
	} else {
		cfg = config.Default()
		log.Printf("No config file given, using defaults")
	}

	// Initialize structured logging
	if err := logging.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.Logger.Info("Structured logging initialized",
		zap.String("level", cfg.Logging.Level),
		zap.String("format", cfg.Logging.Format))

	ctx := context.Background()

	// Persistent store for cached state and run history
	store := kv.NewStore(cfg.Storage.Path)
	defer func() {
		if err := store.Close(); err != nil {
			logging.Logger.Warn("Failed to close store", zap.Error(err))
		}
	}()

	// Docker environments (cheap source)
	manager, err := docker.NewManager(ctx, cfg.Environments)
	if err != nil {
		logging.Logger.Fatal("Failed to initialize docker environments", zap.Error(err))
	}
	defer manager.Close()

	// Registry checker (expensive source) behind the rate gate
	checker := registry.NewChecker()
	gate := ratelimit.New()

	cacheStore := updates.NewStore(store)
	ledger := runs.NewLedger(store)

	orchestrator := updates.NewOrchestrator(
		cacheStore,
		manager,
		checker,
		gate,
		ledger,
		cfg.Registry.MinSpacing(),
		cfg.Registry.Fanout,
	)

	// Scheduler for automatic update checks
	calculator := schedule.NewCalculator()
	runner := schedule.NewRunner(calculator, orchestrator, ledger, schedule.JobConfig{
		Enabled:         cfg.Schedule.Enabled,
		IntervalMinutes: cfg.Schedule.IntervalMinutes,
	})
	go runner.Start(ctx)

	// API keys (optional; without them the API runs unauthenticated)
	var apiKeys []config.APIKey
	if cfg.APIKeysFile != "" {
		apiKeys, err = config.LoadAPIKeys(cfg.APIKeysFile)
		if err != nil {
			logging.Logger.Fatal("Failed to load API keys", zap.Error(err))
		}
		logging.Logger.Info("API keys loaded", zap.Int("count", len(apiKeys)))
	}

	// Instance ID persisted across restarts
	instanceID, err := pkgServer.GetOrCreateInstanceID(ctx, store)
	if err != nil {
		logging.Logger.Fatal("Failed to get or create instance ID", zap.Error(err))
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(internalMiddleware.APIIDMiddleware(instanceID))

	srv := server.New(e, cfg, apiKeys, orchestrator, runner, ledger, instanceID)
	logging.Logger.Info("Server initialized")

	if err := srv.Start(); err != nil {
		logging.Logger.Fatal("Server error", zap.Error(err))
	}
}
