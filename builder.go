package stagerun

import (
	"fmt"

	"github.com/stagerun/stagerun/pkg/api"
)

// SpecBuilder provides a fluent API for defining workflow specs:
//
//	spec := stagerun.NewSpec("research_and_summarize").
//	    Step("research", "agents/researcher").
//	    Step("summarize", "agents/summarizer").
//	    MustBuild()
//
//	result, err := stagerun.Run(ctx, engine, spec, input, invoker, stagerun.RunOptions{})
//
// Stages and flat steps are mutually exclusive; mixing the Step and
// Stage/Parallel methods on one builder surfaces as a validation error
// from Build.
type SpecBuilder struct {
	spec api.WorkflowSpec
}

// NewSpec creates a new spec builder with the given workflow key.
func NewSpec(key string) *SpecBuilder {
	return &SpecBuilder{spec: api.WorkflowSpec{Key: key}}
}

// DisplayName sets the workflow's human-readable name.
func (b *SpecBuilder) DisplayName(name string) *SpecBuilder {
	b.spec.DisplayName = name
	return b
}

// Description sets the workflow's description.
func (b *SpecBuilder) Description(desc string) *SpecBuilder {
	b.spec.Description = desc
	return b
}

// Step appends a flat sequential step.
func (b *SpecBuilder) Step(name, agentKey string, opts ...StepOption) *SpecBuilder {
	b.spec.Steps = append(b.spec.Steps, S(name, agentKey, opts...))
	return b
}

// Stage appends an explicit sequential stage built from the given steps.
func (b *SpecBuilder) Stage(name string, steps ...Step) *SpecBuilder {
	b.spec.Stages = append(b.spec.Stages, api.Stage{
		Name:  name,
		Mode:  api.StageSequential,
		Steps: steps,
	})
	return b
}

// Parallel appends a parallel stage. reducer names the registered reducer
// that combines the branch outputs; pass "" to fall back to the default
// output policy (single output passes through, several become a list).
func (b *SpecBuilder) Parallel(name, reducer string, steps ...Step) *SpecBuilder {
	b.spec.Stages = append(b.spec.Stages, api.Stage{
		Name:    name,
		Mode:    api.StageParallel,
		Steps:   steps,
		Reducer: reducer,
	})
	return b
}

// Build validates and returns the assembled spec.
func (b *SpecBuilder) Build() (WorkflowSpec, error) {
	if err := b.spec.Validate(); err != nil {
		return WorkflowSpec{}, err
	}
	return b.spec, nil
}

// MustBuild is like Build but panics on error.
// Useful for specs assembled in package init or main().
func (b *SpecBuilder) MustBuild() WorkflowSpec {
	spec, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("stagerun: invalid workflow spec: %v", err))
	}
	return spec
}

// StepOption customizes a step created through S or SpecBuilder.Step.
type StepOption func(*api.Step)

// S constructs a step for use inside Stage and Parallel.
func S(name, agentKey string, opts ...StepOption) Step {
	step := api.Step{Name: name, AgentKey: agentKey}
	for _, opt := range opts {
		opt(&step)
	}
	return step
}

// WithGuard attaches a guard reference to the step. When the guard
// evaluates to false the step is skipped entirely.
func WithGuard(ref string) StepOption {
	return func(s *api.Step) { s.Guard = ref }
}

// WithInputMapper attaches an input-mapper reference to the step.
func WithInputMapper(ref string) StepOption {
	return func(s *api.Step) { s.InputMapper = ref }
}

// WithOutputSchema attaches a JSON Schema document the step's chosen
// output must satisfy.
func WithOutputSchema(schema map[string]any) StepOption {
	return func(s *api.Step) { s.OutputSchema = schema }
}
