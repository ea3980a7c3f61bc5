package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunNotFound is returned when a workflow run is not found.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrStepNotFound is returned when a workflow run step is not found.
	ErrStepNotFound = errors.New("workflow run step not found")
)

// SpecError reports a malformed workflow definition. It is fatal to loading
// that one workflow and is always raised at load time, never mid-run.
type SpecError struct {
	Key    string
	Reason string
}

func (e *SpecError) Error() string {
	if e.Key == "" {
		return "invalid workflow spec: " + e.Reason
	}
	return fmt.Sprintf("invalid workflow spec %q: %s", e.Key, e.Reason)
}

// HookKind labels which extension point a hook reference belongs to.
type HookKind string

const (
	HookGuard   HookKind = "guard"
	HookMapper  HookKind = "mapper"
	HookReducer HookKind = "reducer"
)

// HookResolutionError reports a guard/mapper/reducer reference that cannot
// be resolved to a registered function or compiled expression. It is fatal
// to the run and surfaces immediately.
type HookResolutionError struct {
	Kind      HookKind
	Reference string
	Err       error
}

func (e *HookResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot resolve %s %q: %v", e.Kind, e.Reference, e.Err)
	}
	return fmt.Sprintf("cannot resolve %s %q", e.Kind, e.Reference)
}

func (e *HookResolutionError) Unwrap() error { return e.Err }

// SchemaValidationError reports a step output that does not match the
// step's declared output schema. There is no silent coercion; the run fails.
type SchemaValidationError struct {
	Step   string
	Causes []string
}

func (e *SchemaValidationError) Error() string {
	if len(e.Causes) == 0 {
		return fmt.Sprintf("step %q output failed schema validation", e.Step)
	}
	return fmt.Sprintf("step %q output failed schema validation: %s", e.Step, strings.Join(e.Causes, "; "))
}

// EmptyStageError reports a stage whose guards skipped every step and which
// has no reducer to define the combined output of an empty branch set.
type EmptyStageError struct {
	Stage string
}

func (e *EmptyStageError) Error() string {
	return fmt.Sprintf("stage %q: all steps were skipped and no reducer is set", e.Stage)
}
