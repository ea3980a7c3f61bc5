// Package hooks implements the guard/mapper/reducer extension points of the
// workflow engine as an explicit registry: a stable string key maps to a
// typed function, resolved at spec-load time so misconfiguration fails fast
// instead of mid-run.
//
// References with the "expr:" prefix are compiled expr-lang expressions
// instead of registry lookups; see expr.go.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/stagerun/stagerun/pkg/api"
)

// GuardFunc decides whether a step executes given the current input and the
// results of all prior steps.
type GuardFunc func(ctx context.Context, input any, prior []api.StepResult) (bool, error)

// MapperFunc reshapes the current input before a step executes.
type MapperFunc func(ctx context.Context, input any, prior []api.StepResult) (any, error)

// ReducerFunc combines a parallel stage's branch outputs, in declaration
// order, into the single value fed to the next stage. prior holds the step
// results accumulated before the stage began.
type ReducerFunc func(ctx context.Context, outputs []any, prior []api.StepResult) (any, error)

// Registry maps hook references to functions. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	guards   map[string]GuardFunc
	mappers  map[string]MapperFunc
	reducers map[string]ReducerFunc

	programs map[string]*vm.Program // compiled expr cache
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		guards:   make(map[string]GuardFunc),
		mappers:  make(map[string]MapperFunc),
		reducers: make(map[string]ReducerFunc),
		programs: make(map[string]*vm.Program),
	}
}

// RegisterGuard registers fn under name. Names are unique per hook kind.
func (r *Registry) RegisterGuard(name string, fn GuardFunc) error {
	if name == "" || fn == nil {
		return errors.New("hooks: guard name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.guards[name]; exists {
		return fmt.Errorf("hooks: guard %q already registered", name)
	}
	r.guards[name] = fn
	return nil
}

// RegisterMapper registers fn under name.
func (r *Registry) RegisterMapper(name string, fn MapperFunc) error {
	if name == "" || fn == nil {
		return errors.New("hooks: mapper name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mappers[name]; exists {
		return fmt.Errorf("hooks: mapper %q already registered", name)
	}
	r.mappers[name] = fn
	return nil
}

// RegisterReducer registers fn under name.
func (r *Registry) RegisterReducer(name string, fn ReducerFunc) error {
	if name == "" || fn == nil {
		return errors.New("hooks: reducer name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.reducers[name]; exists {
		return fmt.Errorf("hooks: reducer %q already registered", name)
	}
	r.reducers[name] = fn
	return nil
}

// ResolveGuard returns the guard for ref, compiling it when ref is an
// "expr:" expression.
func (r *Registry) ResolveGuard(ref string) (GuardFunc, error) {
	if strings.HasPrefix(ref, exprPrefix) {
		return r.exprGuard(ref)
	}
	r.mu.RLock()
	fn, ok := r.guards[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, &api.HookResolutionError{Kind: api.HookGuard, Reference: ref}
	}
	return fn, nil
}

// ResolveMapper returns the mapper for ref, compiling it when ref is an
// "expr:" expression.
func (r *Registry) ResolveMapper(ref string) (MapperFunc, error) {
	if strings.HasPrefix(ref, exprPrefix) {
		return r.exprMapper(ref)
	}
	r.mu.RLock()
	fn, ok := r.mappers[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, &api.HookResolutionError{Kind: api.HookMapper, Reference: ref}
	}
	return fn, nil
}

// ResolveReducer returns the reducer for ref. Reducers are registry-only;
// expression reducers are not supported.
func (r *Registry) ResolveReducer(ref string) (ReducerFunc, error) {
	r.mu.RLock()
	fn, ok := r.reducers[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, &api.HookResolutionError{Kind: api.HookReducer, Reference: ref}
	}
	return fn, nil
}

// EvalGuard resolves and invokes the guard ref. Errors raised by the guard
// function itself propagate unchanged so the engine can attribute the
// failure to the step that declared it.
func (r *Registry) EvalGuard(ctx context.Context, ref string, input any, prior []api.StepResult) (bool, error) {
	fn, err := r.ResolveGuard(ref)
	if err != nil {
		return false, err
	}
	return fn(ctx, input, prior)
}

// EvalMapper resolves and invokes the mapper ref.
func (r *Registry) EvalMapper(ctx context.Context, ref string, input any, prior []api.StepResult) (any, error) {
	fn, err := r.ResolveMapper(ref)
	if err != nil {
		return nil, err
	}
	return fn(ctx, input, prior)
}

// EvalReducer resolves and invokes the reducer ref.
func (r *Registry) EvalReducer(ctx context.Context, ref string, outputs []any, prior []api.StepResult) (any, error) {
	fn, err := r.ResolveReducer(ref)
	if err != nil {
		return nil, err
	}
	return fn(ctx, outputs, prior)
}

// CheckSpec resolves every hook reference in spec, returning the first
// resolution failure. Run it at load time together with spec.Validate.
func (r *Registry) CheckSpec(spec api.WorkflowSpec) error {
	for _, stage := range spec.ResolvedStages() {
		if stage.Reducer != "" {
			if _, err := r.ResolveReducer(stage.Reducer); err != nil {
				return err
			}
		}
		for _, step := range stage.Steps {
			if step.Guard != "" {
				if _, err := r.ResolveGuard(step.Guard); err != nil {
					return err
				}
			}
			if step.InputMapper != "" {
				if _, err := r.ResolveMapper(step.InputMapper); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
