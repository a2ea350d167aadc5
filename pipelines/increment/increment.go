package increment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/voxelflow/voxelflow/internal/ctxlog"
	"github.com/voxelflow/voxelflow/internal/engine"
	"github.com/voxelflow/voxelflow/internal/fsutil"
	"github.com/voxelflow/voxelflow/internal/nifti"
	"github.com/voxelflow/voxelflow/internal/pipeline"
)

// Params configures one increment pipeline block.
type Params struct {
	InputDir   string `hcl:"input_dir"`
	OutputDir  string `hcl:"output_dir,optional"`
	Iterations int    `hcl:"iterations,optional"`
	Delay      string `hcl:"delay,optional"`
	Watch      bool   `hcl:"watch,optional"`
}

// Module registers the pipeline kind.
type Module struct{}

// Register implements pipeline.Module.
func (Module) Register(r *pipeline.Registry) {
	r.Register("increment", &pipeline.Registered{
		NewParams: func() any { return new(Params) },
		Fn:        Run,
	})
}

// Run executes the pipeline: every volume in the input directory is read,
// incremented Iterations times and saved to the output directory. With Watch
// set, volumes appearing in the input directory afterwards are processed as
// they arrive until the context is cancelled.
func Run(ctx context.Context, eng *engine.Engine, params *Params) error {
	logger := ctxlog.FromContext(ctx)

	iterations := params.Iterations
	if iterations <= 0 {
		iterations = 1
	}
	var delay time.Duration
	if params.Delay != "" {
		var err error
		delay, err = time.ParseDuration(params.Delay)
		if err != nil {
			return fmt.Errorf("parsing delay: %w", err)
		}
	}
	outputDir := params.OutputDir
	if outputDir == "" {
		outputDir = params.InputDir
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	paths, err := fsutil.FindVolumes(params.InputDir)
	if err != nil {
		return err
	}

	if len(paths) == 0 && !params.Watch {
		logger.Warn("No volumes found in input directory, nothing to do.", "dir", params.InputDir)
		return nil
	}

	if len(paths) > 0 {
		if err := incrementVolumes(ctx, eng, paths, outputDir, iterations, delay); err != nil {
			return err
		}
	}

	if params.Watch {
		seen := make(map[string]bool, len(paths))
		for _, p := range paths {
			seen[p] = true
		}
		return watch(ctx, eng, params.InputDir, outputDir, iterations, delay, seen)
	}
	return nil
}

// incrementVolumes runs the read, increment, save chain over paths.
func incrementVolumes(ctx context.Context, eng *engine.Engine, paths []string, outputDir string, iterations int, delay time.Duration) error {
	logger := ctxlog.FromContext(ctx)
	logger.Info("▶️ Incrementing volumes.", "count", len(paths), "iterations", iterations)

	pairs := make([]engine.Pair, len(paths))
	for i, p := range paths {
		pairs[i] = engine.Pair{Key: p}
	}

	ds := eng.Parallelize("chunks", pairs).Map("read_img", readImage)
	for i := 0; i < iterations; i++ {
		ds = ds.Map(fmt.Sprintf("increment_%d", i), incrementImage(delay))
	}
	ds = ds.Map("save_incremented", saveImage(outputDir))

	n, err := ds.Count(ctx)
	if err != nil {
		return err
	}
	logger.Info("✅ Volumes incremented.", "count", n, "output_dir", outputDir)
	return nil
}

// readImage loads the volume the pair's key points at.
func readImage(ctx context.Context, p engine.Pair) (engine.Pair, error) {
	img, err := nifti.Load(p.Key)
	if err != nil {
		return engine.Pair{}, err
	}
	return engine.Pair{Key: p.Key, Value: img}, nil
}

// incrementImage adds one to every voxel, sleeping first to emulate a
// compute-bound stage.
func incrementImage(delay time.Duration) engine.MapFunc {
	return func(ctx context.Context, p engine.Pair) (engine.Pair, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return engine.Pair{}, ctx.Err()
			}
		}
		img := p.Value.(*nifti.Image)
		for i := range img.Data {
			img.Data[i]++
		}
		return p, nil
	}
}

// saveImage writes the volume to outputDir under an "inc-" prefixed name.
func saveImage(outputDir string) engine.MapFunc {
	return func(ctx context.Context, p engine.Pair) (engine.Pair, error) {
		img := p.Value.(*nifti.Image)
		outPath := filepath.Join(outputDir, "inc-"+filepath.Base(p.Key))
		if err := nifti.Save(outPath, img); err != nil {
			return engine.Pair{}, err
		}
		return engine.Pair{Key: outPath, Value: img}, nil
	}
}

// watch processes volumes as they appear in inputDir until ctx is cancelled.
// seen holds the volumes the initial scan already covered.
func watch(ctx context.Context, eng *engine.Engine, inputDir, outputDir string, iterations int, delay time.Duration, seen map[string]bool) error {
	logger := ctxlog.FromContext(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(inputDir); err != nil {
		return fmt.Errorf("watching %s: %w", inputDir, err)
	}
	logger.Info("👀 Watching for new volumes.", "dir", inputDir)

	// Writers may fire several Write events per file; only react once the
	// file stops changing for a beat.
	pending := make(map[string]time.Time)

	// Volumes that landed between the initial scan and the watch starting
	// have no events coming; pick them up here.
	missed, err := fsutil.FindVolumes(inputDir)
	if err != nil {
		return err
	}
	for _, p := range missed {
		if !seen[p] {
			pending[p] = time.Now()
		}
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher: %w", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !nifti.IsVolumeFile(ev.Name) {
				continue
			}
			pending[ev.Name] = time.Now()
		case now := <-ticker.C:
			var ready []string
			for path, last := range pending {
				if now.Sub(last) >= 250*time.Millisecond {
					ready = append(ready, path)
					delete(pending, path)
				}
			}
			if len(ready) == 0 {
				continue
			}
			sort.Strings(ready)
			if err := incrementVolumes(ctx, eng, ready, outputDir, iterations, delay); err != nil {
				return err
			}
		}
	}
}
