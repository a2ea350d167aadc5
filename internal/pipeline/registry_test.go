package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelflow/voxelflow/internal/config"
	"github.com/voxelflow/voxelflow/internal/engine"
)

type fakeParams struct {
	InputDir string `hcl:"input_dir"`
}

func fakeRegistered(fn any) *Registered {
	return &Registered{
		NewParams: func() any { return new(fakeParams) },
		Fn:        fn,
	}
}

func okFn(ctx context.Context, eng *engine.Engine, params *fakeParams) error {
	return nil
}

func TestRegister_DuplicateKindPanics(t *testing.T) {
	r := New()
	r.Register("increment", fakeRegistered(okFn))
	assert.Panics(t, func() {
		r.Register("increment", fakeRegistered(okFn))
	})
}

func TestRegister_BadSignaturePanics(t *testing.T) {
	cases := []struct {
		name string
		fn   any
	}{
		{"not a function", 42},
		{"missing error return", func(ctx context.Context, eng *engine.Engine, p *fakeParams) {}},
		{"wrong params type", func(ctx context.Context, eng *engine.Engine, p *struct{}) error { return nil }},
		{"missing context", func(eng *engine.Engine, p *fakeParams, extra int) error { return nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New()
			assert.Panics(t, func() {
				r.Register("bad", fakeRegistered(tc.fn))
			})
		})
	}
}

func TestLookup_UnknownKind(t *testing.T) {
	r := New()
	_, err := r.Lookup("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown pipeline kind "nope"`)
}

func loadModel(t *testing.T, job string) *config.Model {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.hcl")
	require.NoError(t, os.WriteFile(path, []byte(job), 0o644))
	model, err := config.Load(context.Background(), path)
	require.NoError(t, err)
	return model
}

func TestValidateModel(t *testing.T) {
	model := loadModel(t, `
		pipeline "increment" "a" { input_dir = "./in" }
		pipeline "kmeans" "b" { input_dir = "./in" }
	`)

	r := New()
	r.Register("increment", fakeRegistered(okFn))

	err := r.ValidateModel(model)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown kind "kmeans"`)

	r.Register("kmeans", fakeRegistered(okFn))
	assert.NoError(t, r.ValidateModel(model))
}

func TestRun_DecodesParamsAndInvokes(t *testing.T) {
	model := loadModel(t, `
		pipeline "increment" "a" { input_dir = "./chunks" }
	`)

	var got *fakeParams
	r := New()
	r.Register("increment", fakeRegistered(func(ctx context.Context, eng *engine.Engine, params *fakeParams) error {
		got = params
		return nil
	}))

	eng := engine.New(engine.Options{})
	require.NoError(t, r.Run(context.Background(), eng, model, model.Pipelines[0]))
	require.NotNil(t, got)
	assert.Equal(t, "./chunks", got.InputDir)
}

func TestRun_PropagatesError(t *testing.T) {
	model := loadModel(t, `
		pipeline "increment" "a" {}
	`)

	boom := errors.New("boom")
	r := New()
	r.Register("increment", fakeRegistered(func(ctx context.Context, eng *engine.Engine, params *fakeParams) error {
		return boom
	}))

	err := r.Run(context.Background(), engine.New(engine.Options{}), model, model.Pipelines[0])
	require.ErrorIs(t, err, boom)
}

func TestRun_BadParamsFails(t *testing.T) {
	model := loadModel(t, `
		pipeline "increment" "a" { unexpected = true }
	`)

	r := New()
	r.Register("increment", fakeRegistered(okFn))

	err := r.Run(context.Background(), engine.New(engine.Options{}), model, model.Pipelines[0])
	require.Error(t, err)
}
