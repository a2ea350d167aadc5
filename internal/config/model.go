package config

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

// Engine holds the execution settings shared by every pipeline in a job.
type Engine struct {
	Workers     int    `hcl:"workers,optional"`
	Partitions  int    `hcl:"partitions,optional"`
	WorkDir     string `hcl:"work_dir,optional"`
	Benchmark   bool   `hcl:"benchmark,optional"`
	BenchmarkDB string `hcl:"benchmark_db,optional"`
}

// Events holds the optional monitoring endpoint settings.
type Events struct {
	URL       string `hcl:"url"`
	Namespace string `hcl:"namespace,optional"`
}

// Pipeline is one configured pipeline block. Params is the raw body of the
// block minus depends_on; it is decoded against the registered kind's
// parameter struct when the pipeline runs.
type Pipeline struct {
	Kind      string
	Name      string
	DependsOn []string
	Params    hcl.Body
	DeclRange hcl.Range
}

// ID returns the pipeline's unique address within the job, "kind.name".
func (p *Pipeline) ID() string {
	return p.Kind + "." + p.Name
}

// Model is the loaded representation of a job file.
type Model struct {
	Engine    Engine
	Events    *Events
	Pipelines []*Pipeline

	evalCtx *hcl.EvalContext
}

// DecodeParams decodes a pipeline's body into target, a pointer to the
// registered kind's parameter struct.
func (m *Model) DecodeParams(p *Pipeline, target any) error {
	if diags := gohcl.DecodeBody(p.Params, m.evalCtx, target); diags.HasErrors() {
		return fmt.Errorf("pipeline %s: %w", p.ID(), diags)
	}
	return nil
}

// applyDefaults fills in the engine settings a job file may omit.
func (m *Model) applyDefaults() {
	if m.Engine.Workers <= 0 {
		m.Engine.Workers = 4
	}
	if m.Engine.Partitions <= 0 {
		m.Engine.Partitions = m.Engine.Workers
	}
	if m.Engine.WorkDir == "" {
		m.Engine.WorkDir = "work"
	}
	if m.Engine.BenchmarkDB == "" {
		m.Engine.BenchmarkDB = filepath.Join(m.Engine.WorkDir, "benchmarks.db")
	}
	if m.Events != nil && m.Events.Namespace == "" {
		m.Events.Namespace = "/"
	}
}

// validate enforces job-level integrity: unique pipeline addresses and
// depends_on references that resolve to configured pipelines.
func (m *Model) validate() error {
	seen := make(map[string]bool)
	for _, p := range m.Pipelines {
		if seen[p.ID()] {
			return fmt.Errorf("duplicate pipeline %q at %s", p.ID(), p.DeclRange)
		}
		seen[p.ID()] = true
	}
	for _, p := range m.Pipelines {
		for _, dep := range p.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("pipeline %q depends on unknown pipeline %q", p.ID(), dep)
			}
		}
	}
	return nil
}
