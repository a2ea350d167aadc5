package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a site-specific overlay for the engine settings, kept in YAML
// so the same job file can run unchanged on differently sized machines.
type Profile struct {
	Workers    int    `yaml:"workers"`
	Partitions int    `yaml:"partitions"`
	WorkDir    string `yaml:"work_dir"`
	Benchmark  *bool  `yaml:"benchmark"`
}

// LoadProfile reads a YAML profile from path. Unknown keys are rejected so a
// typo cannot silently leave a setting at its default.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return &p, nil
}

// ApplyProfile overlays the profile's set fields onto the model's engine
// settings. Zero values in the profile leave the job file's choice alone.
func (m *Model) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}
	if p.Workers > 0 {
		m.Engine.Workers = p.Workers
	}
	if p.Partitions > 0 {
		m.Engine.Partitions = p.Partitions
	} else if p.Workers > 0 && m.Engine.Partitions < m.Engine.Workers {
		m.Engine.Partitions = m.Engine.Workers
	}
	if p.WorkDir != "" {
		m.Engine.WorkDir = p.WorkDir
	}
	if p.Benchmark != nil {
		m.Engine.Benchmark = *p.Benchmark
	}
}
