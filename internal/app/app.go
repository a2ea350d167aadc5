package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/voxelflow/voxelflow/internal/config"
	"github.com/voxelflow/voxelflow/internal/ctxlog"
	"github.com/voxelflow/voxelflow/internal/pipeline"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	JobPath     string
	ProfilePath string
	Workers     int
	StatusPort  int
	LogFormat   string
	LogLevel    string
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	registry *pipeline.Registry
	model    *config.Model
	status   *statusServer
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry.
func NewApp(outW io.Writer, appConfig *Config, modules ...pipeline.Module) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := config.Load(ctx, appConfig.JobPath)
	if err != nil {
		// A failure to load config is a fatal startup error.
		panic(fmt.Errorf("failed to load job: %w", err))
	}

	if appConfig.ProfilePath != "" {
		profile, err := config.LoadProfile(appConfig.ProfilePath)
		if err != nil {
			panic(fmt.Errorf("failed to load profile: %w", err))
		}
		model.ApplyProfile(profile)
		logger.Debug("Profile applied.", "path", appConfig.ProfilePath)
	}
	if appConfig.Workers > 0 {
		model.Engine.Workers = appConfig.Workers
		if model.Engine.Partitions < appConfig.Workers {
			model.Engine.Partitions = appConfig.Workers
		}
	}

	reg := pipeline.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All pipeline kinds registered.", "count", len(modules))

	if err := reg.ValidateModel(model); err != nil {
		panic(err)
	}
	logger.Debug("Pipeline kind validation passed.")

	return &App{
		outW:     outW,
		logger:   logger,
		registry: reg,
		model:    model,
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *pipeline.Registry {
	return a.registry
}

// Model returns the loaded job model. This is primarily for testing.
func (a *App) Model() *config.Model {
	return a.model
}
