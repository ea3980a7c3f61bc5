package api

// StageMode selects how the steps of a stage are executed.
type StageMode string

const (
	// StageSequential runs the stage's steps one at a time, in declaration
	// order. Each step sees the results of the steps that ran before it.
	StageSequential StageMode = "sequential"

	// StageParallel runs all non-skipped steps concurrently against the
	// same input snapshot and joins on every branch before continuing.
	StageParallel StageMode = "parallel"
)

// Step is one agent invocation within a stage.
type Step struct {
	// Name identifies the step within its stage. It is used for result
	// lookup in hook environments and for labeling persisted rows.
	Name string

	// AgentKey identifies the external per-agent capability to invoke.
	AgentKey string

	// Guard is an optional hook reference deciding whether the step runs.
	// Empty means "always run". A guard returning false skips the step
	// entirely: no invocation, no persisted row, no prior-step entry.
	Guard string

	// InputMapper is an optional hook reference reshaping the current
	// input before invocation. Empty passes the current input unchanged.
	InputMapper string

	// OutputSchema, when set, is a JSON Schema document the step's chosen
	// output must satisfy.
	OutputSchema map[string]any
}

// Stage is one ordered unit of workflow execution holding one or more steps.
type Stage struct {
	Name string

	// Mode defaults to StageSequential when empty.
	Mode StageMode

	Steps []Step

	// Reducer is an optional hook reference combining a parallel stage's
	// branch outputs into the single value fed to the next stage.
	Reducer string
}

// WorkflowSpec is the immutable, declarative description of a workflow.
//
// A spec carries either a flat list of Steps (each becoming its own
// sequential stage) or an explicit list of Stages, never both. Specs are
// built once at configuration time and are read-only during execution.
type WorkflowSpec struct {
	// Key uniquely identifies the workflow.
	Key         string
	DisplayName string
	Description string

	// Steps is the flat form: each step normalizes to one sequential stage.
	Steps []Step

	// Stages is the explicit form.
	Stages []Stage
}

// ResolvedStages normalizes the spec into its ordered stage sequence.
// A flat Steps list yields one sequential stage per step, named after the
// step. Explicit stages are returned with an empty Mode normalized to
// StageSequential.
func (s WorkflowSpec) ResolvedStages() []Stage {
	if len(s.Stages) > 0 {
		out := make([]Stage, len(s.Stages))
		for i, st := range s.Stages {
			if st.Mode == "" {
				st.Mode = StageSequential
			}
			out[i] = st
		}
		return out
	}

	out := make([]Stage, 0, len(s.Steps))
	for _, step := range s.Steps {
		out = append(out, Stage{
			Name:  step.Name,
			Mode:  StageSequential,
			Steps: []Step{step},
		})
	}
	return out
}

// Validate checks the structural invariants of the spec. It is intended to
// run once at load time, not per invocation. All violations are reported as
// a *SpecError.
func (s WorkflowSpec) Validate() error {
	if s.Key == "" {
		return &SpecError{Key: s.Key, Reason: "workflow key is required"}
	}
	if len(s.Steps) > 0 && len(s.Stages) > 0 {
		return &SpecError{Key: s.Key, Reason: "spec defines both flat steps and explicit stages"}
	}

	stages := s.ResolvedStages()
	if len(stages) == 0 {
		return &SpecError{Key: s.Key, Reason: "spec resolves to no stages"}
	}

	seenStages := make(map[string]struct{}, len(stages))
	for _, stage := range stages {
		if stage.Name == "" {
			return &SpecError{Key: s.Key, Reason: "stage name is required"}
		}
		if _, dup := seenStages[stage.Name]; dup {
			return &SpecError{Key: s.Key, Reason: "duplicate stage name: " + stage.Name}
		}
		seenStages[stage.Name] = struct{}{}

		switch stage.Mode {
		case StageSequential, StageParallel:
		default:
			return &SpecError{Key: s.Key, Reason: "stage " + stage.Name + " has unknown mode: " + string(stage.Mode)}
		}

		if len(stage.Steps) == 0 {
			return &SpecError{Key: s.Key, Reason: "stage " + stage.Name + " has no steps"}
		}
		if stage.Reducer != "" && stage.Mode != StageParallel {
			return &SpecError{Key: s.Key, Reason: "stage " + stage.Name + " sets a reducer but is not parallel"}
		}
		if stage.Reducer != "" && len(stage.Steps) < 2 {
			return &SpecError{Key: s.Key, Reason: "stage " + stage.Name + " sets a reducer but has a single step"}
		}

		seenSteps := make(map[string]struct{}, len(stage.Steps))
		for _, step := range stage.Steps {
			if step.Name == "" {
				return &SpecError{Key: s.Key, Reason: "stage " + stage.Name + " has a step without a name"}
			}
			if _, dup := seenSteps[step.Name]; dup {
				return &SpecError{Key: s.Key, Reason: "duplicate step name in stage " + stage.Name + ": " + step.Name}
			}
			seenSteps[step.Name] = struct{}{}

			if step.AgentKey == "" {
				return &SpecError{Key: s.Key, Reason: "step " + step.Name + " has no agent key"}
			}
		}
	}

	return nil
}
