package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJob(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeJob(t, "job.hcl", `
		pipeline "increment" "bench" {
		  input_dir = "./in"
		}
	`)

	model, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 4, model.Engine.Workers)
	assert.Equal(t, 4, model.Engine.Partitions)
	assert.Equal(t, "work", model.Engine.WorkDir)
	assert.Equal(t, filepath.Join("work", "benchmarks.db"), model.Engine.BenchmarkDB)
	require.Len(t, model.Pipelines, 1)
	assert.Equal(t, "increment.bench", model.Pipelines[0].ID())
}

func TestLoad_EngineAndEventsBlocks(t *testing.T) {
	path := writeJob(t, "job.hcl", `
		engine {
		  workers   = 8
		  work_dir  = "./scratch"
		  benchmark = true
		}

		events {
		  url = "http://localhost:8000/socket.io"
		}
	`)

	model, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 8, model.Engine.Workers)
	assert.Equal(t, 8, model.Engine.Partitions)
	assert.True(t, model.Engine.Benchmark)
	require.NotNil(t, model.Events)
	assert.Equal(t, "/", model.Events.Namespace)
}

func TestLoad_DuplicatePipelineFails(t *testing.T) {
	path := writeJob(t, "job.hcl", `
		pipeline "increment" "a" {}
		pipeline "increment" "a" {}
	`)

	_, err := Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate pipeline "increment.a"`)
}

func TestLoad_UnknownDependencyFails(t *testing.T) {
	path := writeJob(t, "job.hcl", `
		pipeline "increment" "a" {
		  depends_on = ["kmeans.missing"]
		}
	`)

	_, err := Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown pipeline "kmeans.missing"`)
}

func TestLoad_EnvInterpolation(t *testing.T) {
	t.Setenv("VOXELFLOW_TEST_DIR", "/data/chunks")

	path := writeJob(t, "job.hcl", `
		pipeline "increment" "a" {
		  input_dir = env.VOXELFLOW_TEST_DIR
		}
	`)

	model, err := Load(context.Background(), path)
	require.NoError(t, err)

	var params struct {
		InputDir string `hcl:"input_dir"`
	}
	require.NoError(t, model.DecodeParams(model.Pipelines[0], &params))
	assert.Equal(t, "/data/chunks", params.InputDir)
}

func TestLoad_DirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.hcl"), []byte(`
		engine { workers = 2 }
	`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipelines.hcl"), []byte(`
		pipeline "kmeans" "seg" { input_dir = "./in" }
	`), 0o644))

	model, err := Load(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, model.Engine.Workers)
	require.Len(t, model.Pipelines, 1)
	assert.Equal(t, "kmeans.seg", model.Pipelines[0].ID())
}

func TestLoad_MissingPathFails(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
}

func TestDecodeParams_ExcludesDependsOn(t *testing.T) {
	path := writeJob(t, "job.hcl", `
		pipeline "increment" "a" {}
		pipeline "increment" "b" {
		  depends_on = ["increment.a"]
		  input_dir  = "./in"
		}
	`)

	model, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, model.Pipelines, 2)

	b := model.Pipelines[1]
	assert.Equal(t, []string{"increment.a"}, b.DependsOn)

	var params struct {
		InputDir string `hcl:"input_dir"`
	}
	require.NoError(t, model.DecodeParams(b, &params))
	assert.Equal(t, "./in", params.InputDir)
}

func TestLoadProfile_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"workers: 16\nwork_dir: /scratch/vf\nbenchmark: false\n",
	), 0o644))

	profile, err := LoadProfile(path)
	require.NoError(t, err)

	model := &Model{Engine: Engine{Workers: 4, Partitions: 4, WorkDir: "work", Benchmark: true}}
	model.ApplyProfile(profile)

	assert.Equal(t, 16, model.Engine.Workers)
	assert.Equal(t, 16, model.Engine.Partitions)
	assert.Equal(t, "/scratch/vf", model.Engine.WorkDir)
	assert.False(t, model.Engine.Benchmark)
}

func TestLoadProfile_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wrokers: 16\n"), 0o644))

	_, err := LoadProfile(path)
	require.Error(t, err)
}
