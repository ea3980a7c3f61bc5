package hooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/stagerun/stagerun/pkg/api"
)

// exprPrefix marks a hook reference as an inline expr-lang expression
// instead of a registry key, e.g. `expr: steps.research != nil`.
const exprPrefix = "expr:"

// The expression environment exposes:
//
//	input  - the current workflow input
//	steps  - map of prior step name to chosen output
//	texts  - map of prior step name to response text
func exprEnv(input any, prior []api.StepResult) map[string]any {
	steps := make(map[string]any, len(prior))
	texts := make(map[string]any, len(prior))
	for _, s := range prior {
		steps[s.StepName] = s.Output
		texts[s.StepName] = s.Response.ResponseText
	}
	return map[string]any{
		"input": input,
		"steps": steps,
		"texts": texts,
	}
}

// compile returns the cached program for ref, compiling on first use.
// Compilation is env-free with undefined variables allowed, since the
// environment is built per evaluation.
func (r *Registry) compile(kind api.HookKind, ref string) (*vm.Program, error) {
	r.mu.RLock()
	program, ok := r.programs[ref]
	r.mu.RUnlock()
	if ok {
		return program, nil
	}

	code := strings.TrimSpace(strings.TrimPrefix(ref, exprPrefix))
	if code == "" {
		return nil, &api.HookResolutionError{Kind: kind, Reference: ref, Err: fmt.Errorf("empty expression")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if program, ok = r.programs[ref]; ok {
		return program, nil
	}
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &api.HookResolutionError{Kind: kind, Reference: ref, Err: err}
	}
	r.programs[ref] = program
	return program, nil
}

func (r *Registry) exprGuard(ref string) (GuardFunc, error) {
	program, err := r.compile(api.HookGuard, ref)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, input any, prior []api.StepResult) (bool, error) {
		out, err := expr.Run(program, exprEnv(input, prior))
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("guard expression %q did not evaluate to a boolean, got %T", ref, out)
		}
		return b, nil
	}, nil
}

func (r *Registry) exprMapper(ref string) (MapperFunc, error) {
	program, err := r.compile(api.HookMapper, ref)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, input any, prior []api.StepResult) (any, error) {
		return expr.Run(program, exprEnv(input, prior))
	}, nil
}
