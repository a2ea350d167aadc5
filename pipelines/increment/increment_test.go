package increment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelflow/voxelflow/internal/engine"
	"github.com/voxelflow/voxelflow/internal/nifti"
)

// writeChunk creates a small synthetic volume filled with fill.
func writeChunk(t *testing.T, dir, name string, fill float64) string {
	t.Helper()
	img := nifti.NewImage([3]int{4, 4, 2}, [3]float64{1, 1, 1})
	for i := range img.Data {
		img.Data[i] = fill
	}
	path := filepath.Join(dir, name)
	require.NoError(t, nifti.Save(path, img))
	return path
}

func TestRun_IncrementsEveryVoxelPerIteration(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	for i := 0; i < 3; i++ {
		writeChunk(t, inputDir, fmt.Sprintf("chunk_%d.nii", i), 10)
	}

	eng := engine.New(engine.Options{Workers: 2})
	err := Run(context.Background(), eng, &Params{
		InputDir:   inputDir,
		OutputDir:  outputDir,
		Iterations: 5,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out := filepath.Join(outputDir, fmt.Sprintf("inc-chunk_%d.nii", i))
		img, err := nifti.Load(out)
		require.NoError(t, err)
		for _, v := range img.Data {
			assert.Equal(t, 15.0, v)
		}
	}
}

func TestRun_GzippedChunksKeepSuffix(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeChunk(t, inputDir, "chunk.nii.gz", 1)

	eng := engine.New(engine.Options{Workers: 2})
	require.NoError(t, Run(context.Background(), eng, &Params{
		InputDir:  inputDir,
		OutputDir: outputDir,
	}))

	img, err := nifti.Load(filepath.Join(outputDir, "inc-chunk.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, img.Data[0])
}

func TestRun_EmptyInputDirIsNoOp(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := filepath.Join(t.TempDir(), "out")

	eng := engine.New(engine.Options{Workers: 2})
	require.NoError(t, Run(context.Background(), eng, &Params{
		InputDir:  inputDir,
		OutputDir: outputDir,
	}))

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_BadDelayFails(t *testing.T) {
	eng := engine.New(engine.Options{})
	err := Run(context.Background(), eng, &Params{
		InputDir: t.TempDir(),
		Delay:    "soon",
	})
	require.Error(t, err)
}

func TestRun_DefaultsOutputToInputDir(t *testing.T) {
	inputDir := t.TempDir()
	writeChunk(t, inputDir, "chunk.nii", 0)

	eng := engine.New(engine.Options{Workers: 2})
	require.NoError(t, Run(context.Background(), eng, &Params{InputDir: inputDir}))

	img, err := nifti.Load(filepath.Join(inputDir, "inc-chunk.nii"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, img.Data[0])
}

func TestWatch_ProcessesNewVolumes(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(engine.Options{Workers: 2})
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, eng, &Params{
			InputDir:  inputDir,
			OutputDir: outputDir,
			Watch:     true,
		})
	}()

	writeChunk(t, inputDir, "late.nii", 7)

	outPath := filepath.Join(outputDir, "inc-late.nii")
	require.Eventually(t, func() bool {
		_, err := os.Stat(outPath)
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	img, err := nifti.Load(outPath)
	require.NoError(t, err)
	assert.Equal(t, 8.0, img.Data[0])
}
