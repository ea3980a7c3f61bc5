// Package persistence holds the run/step repository interface and its
// backends. Every call is one atomic write; the engine never holds a
// transaction across stages, so a crash mid-run leaves a running run with a
// partial step trail, which is the intended recovery signal.
package persistence

import (
	"context"

	"github.com/stagerun/stagerun/pkg/api"
)

// RunStore persists workflow runs and their step rows.
//
// Updates are sparse patches: nil patch fields are left untouched. Step
// rows are append/update only; nothing ever deletes them. Implementations
// must be safe for concurrent use, since parallel stages record branches
// from multiple goroutines.
type RunStore interface {
	CreateRun(ctx context.Context, run *api.WorkflowRun) error
	UpdateRun(ctx context.Context, id string, patch api.RunPatch) error

	CreateStep(ctx context.Context, step *api.WorkflowRunStep) error
	UpdateStep(ctx context.Context, id string, patch api.StepPatch) error

	// GetRunWithSteps returns the run and its steps ordered by sequence
	// number.
	GetRunWithSteps(ctx context.Context, id string) (*api.WorkflowRun, []*api.WorkflowRunStep, error)

	ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error)

	// SoftDeleteRun marks a run deleted without removing rows. It is an
	// administrative operation outside the engine's write path.
	SoftDeleteRun(ctx context.Context, id, deletedBy, reason string) error
}
