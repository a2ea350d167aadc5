package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/voxelflow/voxelflow/internal/ctxlog"
	"github.com/voxelflow/voxelflow/internal/fsutil"
)

// jobFile is the top-level HCL schema of a job file.
type jobFile struct {
	Engine    *Engine          `hcl:"engine,block"`
	Events    *Events          `hcl:"events,block"`
	Pipelines []*pipelineBlock `hcl:"pipeline,block"`
}

// pipelineBlock captures a pipeline block with its body left undecoded.
type pipelineBlock struct {
	Kind string   `hcl:"kind,label"`
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

// pipelineCommon peels the engine-owned attributes off a pipeline body,
// leaving the kind-specific parameters behind.
type pipelineCommon struct {
	DependsOn []string `hcl:"depends_on,optional"`
	Params    hcl.Body `hcl:",remain"`
}

// Load reads a job from path, which may be a single .hcl file or a
// directory of them, and returns the validated model.
func Load(ctx context.Context, path string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)

	paths, err := jobFilePaths(path)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .hcl job files found at %s", path)
	}
	logger.Debug("Loading job files.", "count", len(paths))

	parser := hclparse.NewParser()
	var bodies []hcl.Body
	for _, p := range paths {
		file, diags := parser.ParseHCLFile(p)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parsing %s: %w", p, diags)
		}
		bodies = append(bodies, file.Body)
	}

	evalCtx := newEvalContext()

	var job jobFile
	if diags := gohcl.DecodeBody(hcl.MergeBodies(bodies), evalCtx, &job); diags.HasErrors() {
		return nil, fmt.Errorf("decoding job: %w", diags)
	}

	model := &Model{evalCtx: evalCtx}
	if job.Engine != nil {
		model.Engine = *job.Engine
	}
	model.Events = job.Events

	for _, block := range job.Pipelines {
		var common pipelineCommon
		if diags := gohcl.DecodeBody(block.Body, evalCtx, &common); diags.HasErrors() {
			return nil, fmt.Errorf("decoding pipeline %s.%s: %w", block.Kind, block.Name, diags)
		}
		model.Pipelines = append(model.Pipelines, &Pipeline{
			Kind:      block.Kind,
			Name:      block.Name,
			DependsOn: common.DependsOn,
			Params:    common.Params,
			DeclRange: block.Body.MissingItemRange(),
		})
	}

	model.applyDefaults()
	if err := model.validate(); err != nil {
		return nil, err
	}

	logger.Debug("Job loaded.", "pipelines", len(model.Pipelines))
	return model, nil
}

// jobFilePaths expands path into the list of job files to parse.
func jobFilePaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	return fsutil.FindFilesByExtension(path, ".hcl")
}

// newEvalContext builds the expression scope available to job files: the
// process environment as the `env` object.
func newEvalContext() *hcl.EvalContext {
	envVals := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			envVals[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(envVals),
		},
	}
}
