package kmeans

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/voxelflow/voxelflow/internal/ctxlog"
	"github.com/voxelflow/voxelflow/internal/engine"
	"github.com/voxelflow/voxelflow/internal/fsutil"
	"github.com/voxelflow/voxelflow/internal/nifti"
	"github.com/voxelflow/voxelflow/internal/pipeline"
)

// Params configures one kmeans pipeline block.
type Params struct {
	InputDir  string    `hcl:"input_dir"`
	OutputDir string    `hcl:"output_dir"`
	Centroids []float64 `hcl:"centroids"`
	MaxIters  int       `hcl:"max_iterations,optional"`
}

// Module registers the pipeline kind.
type Module struct{}

// Register implements pipeline.Module.
func (Module) Register(r *pipeline.Registry) {
	r.Register("kmeans", &pipeline.Registered{
		NewParams: func() any { return new(Params) },
		Fn:        Run,
	})
}

// centroid is one cluster center. The index is stable across iterations and
// becomes the voxel label in the classified output.
type centroid struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// histogram counts voxel intensities assigned to one centroid.
type histogram map[float64]int

// Run executes the pipeline. Chunks are read once and cached; each iteration
// is one histogram shuffle over them.
func Run(ctx context.Context, eng *engine.Engine, params *Params) error {
	logger := ctxlog.FromContext(ctx)

	if len(params.Centroids) == 0 {
		return fmt.Errorf("kmeans needs at least one centroid")
	}
	maxIters := params.MaxIters
	if maxIters <= 0 {
		maxIters = 10
	}
	if err := os.MkdirAll(params.OutputDir, 0o755); err != nil {
		return err
	}

	paths, err := fsutil.FindVolumes(params.InputDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no volumes found in %s", params.InputDir)
	}

	centroids := make([]centroid, len(params.Centroids))
	for i, v := range params.Centroids {
		centroids[i] = centroid{Index: i, Value: v}
	}

	pairs := make([]engine.Pair, len(paths))
	for i, p := range paths {
		pairs[i] = engine.Pair{Key: p}
	}
	chunks := eng.Parallelize("chunks", pairs).Map("read_img", readImage).Cache()

	logger.Info("▶️ Starting k-means.", "chunks", len(paths), "clusters", len(centroids), "max_iterations", maxIters)

	var lastHists map[int]histogram
	for iter := 0; iter < maxIters; iter++ {
		hists, err := assignAndReduce(ctx, eng, chunks, centroids, iter)
		if err != nil {
			return err
		}
		lastHists = hists

		updated := updateCentroids(centroids, hists)
		changed := false
		for i := range centroids {
			if centroids[i].Value != updated[i].Value {
				changed = true
				break
			}
		}
		centroids = updated

		if !changed {
			logger.Info("✅ Centroids converged.", "iteration", iter+1, "centroids", centroidValues(centroids))
			break
		}
		logger.Info("Centroids moved.", "iteration", iter+1, "centroids", centroidValues(centroids))
	}

	if err := classify(ctx, chunks, lastHists, params.OutputDir); err != nil {
		return err
	}
	if err := writeCentroids(params.OutputDir, centroids); err != nil {
		return err
	}

	logger.Info("🏁 K-means finished.", "output_dir", params.OutputDir)
	return nil
}

// assignAndReduce histograms every chunk's voxels by nearest centroid and
// merges the per-chunk histograms into one per centroid.
func assignAndReduce(ctx context.Context, eng *engine.Engine, chunks *engine.Dataset, centroids []centroid, iter int) (map[int]histogram, error) {
	assigned := chunks.FlatMap(fmt.Sprintf("assign_voxels_%d", iter), assignVoxels(centroids))
	merged := assigned.GroupByKey().Map(fmt.Sprintf("merge_histograms_%d", iter), mergeHistograms)

	pairs, err := merged.Collect(ctx)
	if err != nil {
		return nil, err
	}

	hists := make(map[int]histogram, len(pairs))
	for _, p := range pairs {
		idx, err := strconv.Atoi(p.Key)
		if err != nil {
			return nil, fmt.Errorf("bad centroid key %q: %w", p.Key, err)
		}
		hists[idx] = p.Value.(histogram)
	}
	return hists, nil
}

// assignVoxels emits one histogram pair per centroid that received at least
// one of the chunk's voxels, keyed by the centroid's index.
func assignVoxels(centroids []centroid) engine.FlatMapFunc {
	return func(ctx context.Context, p engine.Pair) ([]engine.Pair, error) {
		img := p.Value.(*nifti.Image)

		hists := make(map[int]histogram)
		for _, vox := range img.Data {
			idx := nearest(vox, centroids)
			h, ok := hists[idx]
			if !ok {
				h = make(histogram)
				hists[idx] = h
			}
			h[vox]++
		}

		out := make([]engine.Pair, 0, len(hists))
		for idx, h := range hists {
			out = append(out, engine.Pair{Key: strconv.Itoa(idx), Value: h})
		}
		return out, nil
	}
}

// nearest returns the index of the centroid closest to vox. Exact ties are
// broken by the voxel's parity: odd intensities go to the larger centroid,
// even ones to the smaller.
func nearest(vox float64, centroids []centroid) int {
	best := 0
	bestDist := math.Inf(1)
	bestVal := 0.0

	for _, c := range centroids {
		dist := math.Abs(vox - c.Value)
		replace := dist < bestDist
		if !replace && dist == bestDist {
			odd := math.Mod(math.Abs(vox), 2) == 1
			replace = (odd && bestVal < c.Value) || (!odd && bestVal > c.Value)
		}
		if replace {
			best = c.Index
			bestDist = dist
			bestVal = c.Value
		}
	}
	return best
}

// mergeHistograms sums the grouped per-chunk histograms for one centroid.
func mergeHistograms(ctx context.Context, p engine.Pair) (engine.Pair, error) {
	merged := make(histogram)
	for _, v := range p.Value.([]any) {
		for vox, count := range v.(histogram) {
			merged[vox] += count
		}
	}
	return engine.Pair{Key: p.Key, Value: merged}, nil
}

// updateCentroids moves every centroid to the weighted mean of its assigned
// intensities. A centroid with no assignments keeps its value.
func updateCentroids(centroids []centroid, hists map[int]histogram) []centroid {
	updated := make([]centroid, len(centroids))
	copy(updated, centroids)

	for i, c := range centroids {
		h, ok := hists[c.Index]
		if !ok {
			continue
		}
		var sum, num float64
		for vox, count := range h {
			sum += vox * float64(count)
			num += float64(count)
		}
		if num > 0 {
			updated[i].Value = sum / num
		}
	}
	return updated
}

// classify rewrites every chunk with voxels replaced by the index of the
// centroid they were assigned to in the final iteration.
func classify(ctx context.Context, chunks *engine.Dataset, hists map[int]histogram, outputDir string) error {
	labels := make(map[float64]int)
	for idx, h := range hists {
		for vox := range h {
			labels[vox] = idx
		}
	}

	classified := chunks.Map("classify_chunks", func(ctx context.Context, p engine.Pair) (engine.Pair, error) {
		img := p.Value.(*nifti.Image)
		out := nifti.NewImage(img.Shape(), img.Zooms())
		for i, vox := range img.Data {
			out.Data[i] = float64(labels[vox])
		}

		outPath := filepath.Join(outputDir, "classified-"+filepath.Base(p.Key))
		if err := nifti.Save(outPath, out); err != nil {
			return engine.Pair{}, err
		}
		return engine.Pair{Key: outPath, Value: out}, nil
	})

	_, err := classified.Count(ctx)
	return err
}

// writeCentroids persists the final centroids next to the classified chunks.
func writeCentroids(outputDir string, centroids []centroid) error {
	raw, err := json.MarshalIndent(centroids, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "centroids.json"), append(raw, '\n'), 0o644)
}

// centroidValues extracts the values for logging.
func centroidValues(centroids []centroid) []float64 {
	vals := make([]float64, len(centroids))
	for i, c := range centroids {
		vals[i] = c.Value
	}
	return vals
}

// readImage loads the volume the pair's key points at.
func readImage(ctx context.Context, p engine.Pair) (engine.Pair, error) {
	img, err := nifti.Load(p.Key)
	if err != nil {
		return engine.Pair{}, err
	}
	return engine.Pair{Key: p.Key, Value: img}, nil
}
