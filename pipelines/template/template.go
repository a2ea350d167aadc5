package template

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/voxelflow/voxelflow/internal/ctxlog"
	"github.com/voxelflow/voxelflow/internal/engine"
	"github.com/voxelflow/voxelflow/internal/nifti"
	"github.com/voxelflow/voxelflow/internal/pipeline"
)

// Params configures one template pipeline block.
type Params struct {
	BidsDir   string `hcl:"bids_dir"`
	OutputDir string `hcl:"output_dir"`
}

// Module registers the pipeline kind.
type Module struct{}

// Register implements pipeline.Module.
func (Module) Register(r *pipeline.Registry) {
	r.Register("template", &pipeline.Registered{
		NewParams: func() any { return new(Params) },
		Fn:        Run,
	})
}

// dimensions holds one subject's valid images and conformation targets.
type dimensions struct {
	Paths       []string   `json:"t1w_valid_list"`
	TargetZooms [3]float64 `json:"target_zooms"`
	TargetShape [3]int     `json:"target_shape"`
}

// subjectReport is one entry of the pipeline's JSON report.
type subjectReport struct {
	Subject  string `json:"subject"`
	Template string `json:"template"`
	dimensions
}

// Run executes the pipeline over every subject found in the BIDS directory.
func Run(ctx context.Context, eng *engine.Engine, params *Params) error {
	logger := ctxlog.FromContext(ctx)

	subjects, err := discoverSubjects(params.BidsDir)
	if err != nil {
		return err
	}
	if len(subjects) == 0 {
		return fmt.Errorf("no subjects with T1w images found in %s", params.BidsDir)
	}
	if err := os.MkdirAll(params.OutputDir, 0o755); err != nil {
		return err
	}
	logger.Info("▶️ Building anatomical templates.", "subjects", len(subjects))

	labels := make([]string, 0, len(subjects))
	for label := range subjects {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	pairs := make([]engine.Pair, len(labels))
	for i, label := range labels {
		pairs[i] = engine.Pair{Key: label, Value: subjects[label]}
	}

	tempdim := eng.Parallelize("subjects", pairs).
		Map("t1_template_dimensions", templateDimensions).
		Cache()

	t1wList := tempdim.FlatMap("t1w_list", func(ctx context.Context, p engine.Pair) ([]engine.Pair, error) {
		dims := p.Value.(*dimensions)
		out := make([]engine.Pair, len(dims.Paths))
		for i, path := range dims.Paths {
			out[i] = engine.Pair{Key: p.Key, Value: path}
		}
		return out, nil
	})

	conformed := t1wList.Join(tempdim).Map("t1_conform", conformImage)

	// Subjects with several images get a median merge; the rest use their
	// single conformed image as-is.
	multiPairs, err := tempdim.Filter("multi_t1w", func(ctx context.Context, p engine.Pair) (bool, error) {
		return len(p.Value.(*dimensions).Paths) > 1, nil
	}).Collect(ctx)
	if err != nil {
		return err
	}
	multi := make(map[string]bool, len(multiPairs))
	for _, p := range multiPairs {
		multi[p.Key] = true
	}

	single := conformed.
		Filter("single_subject", func(ctx context.Context, p engine.Pair) (bool, error) {
			return !multi[p.Key], nil
		}).
		Map("t1_template_output_single", saveTemplate(params.OutputDir))

	merged := conformed.
		Filter("multi_subject", func(ctx context.Context, p engine.Pair) (bool, error) {
			return multi[p.Key], nil
		}).
		GroupByKey().
		Map("t1_merge", mergeSubject).
		Map("t1_reorient", reorientImage).
		Map("t1_template_output_multiple", saveTemplate(params.OutputDir))

	outputs, err := single.Union(merged).Collect(ctx)
	if err != nil {
		return err
	}

	if err := writeReport(ctx, tempdim, outputs, params.OutputDir); err != nil {
		return err
	}

	logger.Info("✅ Templates built.", "subjects", len(outputs), "output_dir", params.OutputDir)
	return nil
}

// templateDimensions loads a subject's images and derives the conformation
// target: the smallest zooms and the largest shape across them.
func templateDimensions(ctx context.Context, p engine.Pair) (engine.Pair, error) {
	paths := p.Value.([]string)
	dims := &dimensions{Paths: paths}

	for n, path := range paths {
		img, err := nifti.Load(path)
		if err != nil {
			return engine.Pair{}, err
		}
		shape := img.Shape()
		zooms := img.Zooms()
		for a := 0; a < 3; a++ {
			if n == 0 || zooms[a] < dims.TargetZooms[a] {
				dims.TargetZooms[a] = zooms[a]
			}
			if shape[a] > dims.TargetShape[a] {
				dims.TargetShape[a] = shape[a]
			}
		}
	}
	return engine.Pair{Key: p.Key, Value: dims}, nil
}

// conformImage resamples one joined (path, dimensions) pairing onto the
// subject's target grid.
func conformImage(ctx context.Context, p engine.Pair) (engine.Pair, error) {
	joined := p.Value.(engine.Joined)
	path := joined.Left.(string)
	dims := joined.Right.(*dimensions)

	img, err := nifti.Load(path)
	if err != nil {
		return engine.Pair{}, err
	}
	return engine.Pair{Key: p.Key, Value: conform(img, dims.TargetZooms, dims.TargetShape)}, nil
}

// mergeSubject median-merges a subject's grouped conformed images.
func mergeSubject(ctx context.Context, p engine.Pair) (engine.Pair, error) {
	grouped := p.Value.([]any)
	imgs := make([]*nifti.Image, len(grouped))
	for i, v := range grouped {
		imgs[i] = v.(*nifti.Image)
	}
	out, err := medianMerge(imgs)
	if err != nil {
		return engine.Pair{}, fmt.Errorf("subject %s: %w", p.Key, err)
	}
	return engine.Pair{Key: p.Key, Value: out}, nil
}

// reorientImage brings the merged volume into RAS+ orientation.
func reorientImage(ctx context.Context, p engine.Pair) (engine.Pair, error) {
	return engine.Pair{Key: p.Key, Value: reorientRAS(p.Value.(*nifti.Image))}, nil
}

// saveTemplate writes the subject's template and yields its path.
func saveTemplate(outputDir string) engine.MapFunc {
	return func(ctx context.Context, p engine.Pair) (engine.Pair, error) {
		img := p.Value.(*nifti.Image)
		outPath := filepath.Join(outputDir, p.Key+"_T1w_template.nii.gz")
		if err := nifti.Save(outPath, img); err != nil {
			return engine.Pair{}, err
		}
		return engine.Pair{Key: p.Key, Value: outPath}, nil
	}
}

// writeReport joins every subject's conformation targets with its template
// path and writes the JSON report.
func writeReport(ctx context.Context, tempdim *engine.Dataset, outputs []engine.Pair, outputDir string) error {
	dimPairs, err := tempdim.Collect(ctx)
	if err != nil {
		return err
	}
	dimsBySubject := make(map[string]*dimensions, len(dimPairs))
	for _, p := range dimPairs {
		dimsBySubject[p.Key] = p.Value.(*dimensions)
	}

	reports := make([]subjectReport, 0, len(outputs))
	for _, p := range outputs {
		entry := subjectReport{Subject: p.Key, Template: p.Value.(string)}
		if dims := dimsBySubject[p.Key]; dims != nil {
			entry.dimensions = *dims
		}
		reports = append(reports, entry)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Subject < reports[j].Subject })

	raw, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "anat_template_report.json"), append(raw, '\n'), 0o644)
}

// discoverSubjects finds every sub-* directory holding anat/*_T1w volumes
// and returns its sorted image paths keyed by subject label.
func discoverSubjects(bidsDir string) (map[string][]string, error) {
	entries, err := os.ReadDir(bidsDir)
	if err != nil {
		return nil, err
	}

	subjects := make(map[string][]string)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "sub-") {
			continue
		}
		anatDir := filepath.Join(bidsDir, e.Name(), "anat")
		anatEntries, err := os.ReadDir(anatDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var paths []string
		for _, a := range anatEntries {
			if a.IsDir() {
				continue
			}
			name := a.Name()
			if strings.HasSuffix(name, "_T1w.nii") || strings.HasSuffix(name, "_T1w.nii.gz") {
				paths = append(paths, filepath.Join(anatDir, name))
			}
		}
		if len(paths) > 0 {
			sort.Strings(paths)
			subjects[e.Name()] = paths
		}
	}
	return subjects, nil
}
