package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/voxelflow/voxelflow/internal/bench"
	"github.com/voxelflow/voxelflow/internal/config"
	"github.com/voxelflow/voxelflow/internal/ctxlog"
	"github.com/voxelflow/voxelflow/internal/engine"
	"github.com/voxelflow/voxelflow/internal/events"
	"github.com/voxelflow/voxelflow/internal/graph"
)

// Run executes every configured pipeline in dependency order on a shared
// engine session.
func (a *App) Run(ctx context.Context, appConfig *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	order, byID, err := a.pipelineOrder()
	if err != nil {
		return err
	}
	if len(order) == 0 {
		a.logger.Warn("No pipelines configured, nothing to run.")
		return nil
	}

	if err := os.MkdirAll(a.model.Engine.WorkDir, 0o755); err != nil {
		return err
	}

	runID := uuid.NewString()
	var recorder *bench.Recorder
	if a.model.Engine.Benchmark {
		recorder, err = bench.Open(a.model.Engine.BenchmarkDB, appConfig.JobPath)
		if err != nil {
			return fmt.Errorf("opening benchmark store: %w", err)
		}
		defer recorder.Close()
		runID = recorder.RunID()
	}

	var notifier *events.Notifier
	if a.model.Events != nil {
		notifier, err = events.Connect(ctx, events.Config{
			URL:       a.model.Events.URL,
			Namespace: a.model.Events.Namespace,
		}, runID)
		if err != nil {
			// Monitoring is best-effort; the run proceeds without it.
			a.logger.Warn("Event notifier unavailable, continuing without it.", "error", err)
		} else {
			defer notifier.Close()
		}
	}

	if appConfig.StatusPort > 0 {
		a.status = newStatusServer(a.logger, runID, appConfig.JobPath, order)
		a.status.start(appConfig.StatusPort)
		defer a.status.close()
	}

	eng := engine.New(engine.Options{
		Workers:    a.model.Engine.Workers,
		Partitions: a.model.Engine.Partitions,
		Observer: &multiObserver{
			recorder: recorder,
			notifier: notifier,
			status:   a.status,
		},
	})

	a.logger.Info("🚀 Starting run.", "run_id", runID, "pipelines", len(order), "workers", eng.Workers())
	notifier.RunStarted(appConfig.JobPath)

	var runErr error
	for i, id := range order {
		if err := ctx.Err(); err != nil {
			runErr = err
			a.markSkipped(order[i:])
			break
		}

		p := byID[id]
		a.status.setState(id, "running", nil)
		notifier.PipelineStarted(p.Kind, p.Name)
		a.logger.Info("▶️ Pipeline starting.", "pipeline", id)

		start := time.Now()
		err := a.registry.Run(ctx, eng, a.model, p)
		elapsed := time.Since(start)
		notifier.PipelineFinished(p.Kind, p.Name, err, elapsed)

		if err != nil {
			a.status.setState(id, "failed", err)
			a.logger.Error("🔥 Pipeline failed.", "pipeline", id, "error", err)
			runErr = fmt.Errorf("pipeline %s: %w", id, err)
			a.markSkipped(order[i+1:])
			break
		}

		a.status.setState(id, "succeeded", nil)
		a.logger.Info("✅ Pipeline finished.", "pipeline", id, "elapsed", elapsed)
	}

	notifier.RunFinished(runErr)
	if recorder != nil {
		if err := recorder.Finish(runErr); err != nil {
			a.logger.Error("Recording run outcome failed", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	a.logger.Info("🏁 Run finished.", "run_id", runID)
	return nil
}

// markSkipped flags the pipelines that never got to run.
func (a *App) markSkipped(ids []string) {
	for _, id := range ids {
		a.status.setState(id, "skipped", nil)
	}
}

// pipelineOrder builds the dependency graph between configured pipelines and
// returns them in execution order.
func (a *App) pipelineOrder() ([]string, map[string]*config.Pipeline, error) {
	g := graph.New()
	byID := make(map[string]*config.Pipeline, len(a.model.Pipelines))

	for _, p := range a.model.Pipelines {
		g.AddNode(p.ID())
		byID[p.ID()] = p
	}
	for _, p := range a.model.Pipelines {
		for _, dep := range p.DependsOn {
			if err := g.AddEdge(dep, p.ID()); err != nil {
				return nil, nil, err
			}
		}
	}

	order, err := g.TopoSort()
	if err != nil {
		return nil, nil, err
	}
	return order, byID, nil
}
