// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hearthkit/hearthsync/internal/cache"
	"github.com/hearthkit/hearthsync/internal/config"
	"github.com/hearthkit/hearthsync/internal/conflict"
	"github.com/hearthkit/hearthsync/internal/database"
	"github.com/hearthkit/hearthsync/internal/engine"
	"github.com/hearthkit/hearthsync/internal/loggy"
	"github.com/hearthkit/hearthsync/internal/metrics"
	"github.com/hearthkit/hearthsync/internal/netmon"
	"github.com/hearthkit/hearthsync/internal/queue"
	"github.com/hearthkit/hearthsync/internal/remote"
	"github.com/hearthkit/hearthsync/internal/synclog"
)

// App represents the application instance with its dependencies
type App struct {
	Config    *config.Config
	Queue     *queue.Service
	Conflicts conflict.Repository
	Cache     cache.Repository
	Client    *remote.Client
	Monitor   *netmon.Monitor
	Engine    *engine.Engine
	Logs      synclog.Repository
	Recorder  *metrics.Recorder
	Settings  *config.SettingsService
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	app, err := initServices(cfg, db)
	if err != nil {
		return nil, err
	}

	loggy.Info("Application initialized successfully")
	return app, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices initializes all application services
func initServices(cfg *config.Config, db *sql.DB) (*App, error) {
	logger := loggy.GetGlobalLogger()
	ctx := context.Background()

	settingsService := config.NewSettingsService(db, cfg, logger)
	if err := settingsService.LoadServerSettings(ctx); err != nil {
		loggy.Warn("Failed to load server settings from database", "error", err)
		// Continue anyway, using defaults
	}

	queueService := queue.NewService(queue.NewSQLRepository(db, logger), cfg.Sync, logger)
	if _, err := queueService.RecoverInFlight(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover interrupted operations: %w", err)
	}
	conflictRepo := conflict.NewSQLRepository(db, logger)
	cacheRepo := cache.NewSQLRepository(db, logger)
	logRepo := synclog.NewSQLRepository(db, logger)
	cursorStore := engine.NewSQLCursorStore(db)
	recorder := metrics.NewRecorder()

	client := remote.NewClient(cfg.Server, logger)
	if deviceID, _, err := settingsService.DeviceIdentity(ctx); err != nil {
		loggy.Warn("Failed to establish device identity", "error", err)
	} else {
		client.SetDeviceID(deviceID)
	}

	monitor := netmon.NewMonitor(cfg.Network, client.Ping, logger)

	syncEngine := engine.New(
		cfg.Sync,
		queueService,
		conflictRepo,
		cacheRepo,
		client,
		cursorStore,
		logRepo,
		recorder,
		monitor,
		logger,
	)

	return &App{
		Config:    cfg,
		Queue:     queueService,
		Conflicts: conflictRepo,
		Cache:     cacheRepo,
		Client:    client,
		Monitor:   monitor,
		Engine:    syncEngine,
		Logs:      logRepo,
		Recorder:  recorder,
		Settings:  settingsService,
	}, nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	app.Engine.Stop()
	app.Monitor.Stop()

	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
