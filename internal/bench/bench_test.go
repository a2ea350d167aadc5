package bench

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsNoOp(t *testing.T) {
	var r *Recorder

	assert.Empty(t, r.RunID())
	r.TaskDone("stage", 0, time.Now(), time.Now())
	r.StageDone("stage", nil, time.Second)
	assert.NoError(t, r.Finish(nil))
	assert.NoError(t, r.Close())

	n, err := r.TaskCount("stage")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecorderPersistsRunAndTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.db")

	r, err := Open(path, "increment.bb_bench")
	require.NoError(t, err)
	defer r.Close()

	assert.NotEmpty(t, r.RunID())

	now := time.Now()
	r.TaskDone("increment-0", 0, now, now.Add(12*time.Millisecond))
	r.TaskDone("increment-0", 1, now, now.Add(9*time.Millisecond))
	r.TaskDone("save_incremented", 0, now, now.Add(time.Millisecond))
	r.StageDone("increment-0", nil, 20*time.Millisecond)

	n, err := r.TaskCount("increment-0")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.TaskCount("save_incremented")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.Finish(nil))
}

func TestFinishRecordsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.db")

	r, err := Open(path, "kmeans.tissue")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Finish(errors.New("stage exploded")))

	var status string
	err = r.db.QueryRow(`SELECT status FROM runs WHERE id = ?`, r.RunID()).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
}

func TestRunsAccumulateAcrossRecorders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.db")

	r1, err := Open(path, "job-a")
	require.NoError(t, err)
	require.NoError(t, r1.Finish(nil))
	require.NoError(t, r1.Close())

	r2, err := Open(path, "job-b")
	require.NoError(t, err)
	defer r2.Close()

	var n int
	err = r2.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotEqual(t, r1.RunID(), r2.RunID())
}
