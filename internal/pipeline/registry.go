package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/voxelflow/voxelflow/internal/config"
	"github.com/voxelflow/voxelflow/internal/engine"
)

// Module is the interface every pipeline package implements to be registered.
type Module interface {
	Register(r *Registry)
}

// Registered holds the compiled Go parts of one pipeline kind.
type Registered struct {
	// NewParams returns a fresh pointer to the kind's parameter struct.
	NewParams func() any

	// Fn is the run function. Its signature must be
	// func(ctx context.Context, eng *engine.Engine, params *P) error
	// where *P matches what NewParams returns.
	Fn any
}

// Registry maps pipeline kinds to their registered implementations.
type Registry struct {
	kinds map[string]*Registered
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{kinds: make(map[string]*Registered)}
}

// Register adds a pipeline kind. It panics on duplicate kinds and on run
// functions that do not match the required signature, since both are
// programming errors caught at startup.
func (r *Registry) Register(kind string, reg *Registered) {
	if _, exists := r.kinds[kind]; exists {
		panic(fmt.Sprintf("pipeline kind %q already registered", kind))
	}
	if err := checkSignature(reg); err != nil {
		panic(fmt.Sprintf("pipeline kind %q: %v", kind, err))
	}
	slog.Debug("Registering pipeline kind.", "kind", kind)
	r.kinds[kind] = reg
}

// Lookup returns the registration for kind.
func (r *Registry) Lookup(kind string) (*Registered, error) {
	reg, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline kind %q", kind)
	}
	return reg, nil
}

// ValidateModel checks that every pipeline configured in the model resolves
// to a registered kind, so a typo fails the run before any work starts.
func (r *Registry) ValidateModel(model *config.Model) error {
	for _, p := range model.Pipelines {
		if _, ok := r.kinds[p.Kind]; !ok {
			return fmt.Errorf("pipeline %q: unknown kind %q", p.ID(), p.Kind)
		}
	}
	return nil
}

// Run decodes the pipeline's parameters and invokes its run function.
func (r *Registry) Run(ctx context.Context, eng *engine.Engine, model *config.Model, p *config.Pipeline) error {
	reg, err := r.Lookup(p.Kind)
	if err != nil {
		return err
	}

	params := reg.NewParams()
	if err := model.DecodeParams(p, params); err != nil {
		return err
	}

	results := reflect.ValueOf(reg.Fn).Call([]reflect.Value{
		reflect.ValueOf(ctx),
		reflect.ValueOf(eng),
		reflect.ValueOf(params),
	})
	if errVal := results[0].Interface(); errVal != nil {
		return errVal.(error)
	}
	return nil
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	engineType = reflect.TypeOf((*engine.Engine)(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// checkSignature verifies Fn against the contract documented on Registered.
func checkSignature(reg *Registered) error {
	if reg.NewParams == nil {
		return fmt.Errorf("NewParams must not be nil")
	}
	if reg.Fn == nil {
		return fmt.Errorf("Fn must not be nil")
	}

	fnType := reflect.TypeOf(reg.Fn)
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("Fn must be a function, got %s", fnType.Kind())
	}
	if fnType.NumIn() != 3 || fnType.NumOut() != 1 {
		return fmt.Errorf("Fn must take (context.Context, *engine.Engine, *Params) and return error")
	}
	if fnType.In(0) != ctxType {
		return fmt.Errorf("Fn's first argument must be context.Context, got %s", fnType.In(0))
	}
	if fnType.In(1) != engineType {
		return fmt.Errorf("Fn's second argument must be *engine.Engine, got %s", fnType.In(1))
	}
	paramsType := reflect.TypeOf(reg.NewParams())
	if fnType.In(2) != paramsType {
		return fmt.Errorf("Fn's third argument must be %s to match NewParams, got %s", paramsType, fnType.In(2))
	}
	if fnType.Out(0) != errorType {
		return fmt.Errorf("Fn must return error, got %s", fnType.Out(0))
	}
	return nil
}
