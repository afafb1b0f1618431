// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/config"
	"github.com/tildaslashalef/recipebox/internal/connectivity"
	"github.com/tildaslashalef/recipebox/internal/database"
	"github.com/tildaslashalef/recipebox/internal/device"
	"github.com/tildaslashalef/recipebox/internal/loggy"
	"github.com/tildaslashalef/recipebox/internal/outbox"
	"github.com/tildaslashalef/recipebox/internal/scheduler"
	"github.com/tildaslashalef/recipebox/internal/sync"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

// App represents the application instance with its dependencies
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Logger    *loggy.Logger
	Settings  *config.SettingsService
	Outbox    outbox.Repository
	Sync      *sync.Service
	Scheduler *scheduler.Scheduler
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}
	logger := loggy.GetGlobalLogger()

	logger.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := database.Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	app, err := initServices(ctx, cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Application initialized successfully")
	return app, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires the store, engine, gateway and scheduler together
func initServices(ctx context.Context, cfg *config.Config, db *sql.DB, logger *loggy.Logger) (*App, error) {
	settings := config.NewSettingsService(db, cfg, logger)
	if err := settings.LoadServerSettings(ctx); err != nil {
		logger.Warn("Failed to load server settings from database", "error", err)
	}
	if _, err := settings.EnsureDeviceName(ctx, utils.GenerateDeviceName); err != nil {
		logger.Warn("Failed to persist device name", "error", err)
	}

	store := outbox.NewSQLRepository(db, logger)
	runs := sync.NewSQLRepository(db, logger)
	client := sync.NewClient(cfg.Server, logger)
	engine := sync.NewEngine(store, client, runs, sync.EngineConfig{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Lease:       sync.NewSQLLease(db, logger),
		LeaseTTL:    cfg.Sync.RunTimeout,
	}, logger)

	observer := connectivity.NewObserver(newConnectivitySource(cfg, logger), cfg.Connectivity.ProbeInterval, logger)
	sched := scheduler.New(engine, observer, newBattery(cfg, logger), scheduler.RealClock{}, cfg.Sync, logger)

	return &App{
		Config:    cfg,
		DB:        db,
		Logger:    logger,
		Settings:  settings,
		Outbox:    store,
		Sync:      sync.NewService(engine, store, runs, client, settings, logger),
		Scheduler: sched,
	}, nil
}

func newConnectivitySource(cfg *config.Config, logger *loggy.Logger) connectivity.Source {
	if cfg.Connectivity.StateFile != "" {
		return connectivity.NewFileSource(cfg.Connectivity.StateFile, logger)
	}
	return connectivity.NewDialSource(cfg.Connectivity.ProbeAddress, cfg.Connectivity.ProbeTimeout)
}

func newBattery(cfg *config.Config, logger *loggy.Logger) device.Battery {
	if cfg.Device.BatteryPath == "" {
		return device.AlwaysPowered{}
	}
	return device.NewSysfsBattery(cfg.Device.BatteryPath, cfg.Device.CriticalLevel, logger)
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	app.Logger.Info("Shutting down application")

	if err := app.DB.Close(); err != nil {
		app.Logger.Error("Error closing database connection", "error", err)
	}
	return app.Logger.Close()
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
