// Package engine contains the workflow runner: the orchestration loop that
// walks a validated spec stage by stage, drives agent invocations through
// the step executor and records every transition through the recorder.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stagerun/stagerun/internal/persistence"
	"github.com/stagerun/stagerun/internal/recorder"
	"github.com/stagerun/stagerun/pkg/api"
	"github.com/stagerun/stagerun/pkg/hooks"
)

// Config carries the engine's collaborators. Zero-value fields get safe
// defaults: an in-memory store, a no-op observer and an empty hook registry.
type Config struct {
	Store    persistence.RunStore
	Observer api.Observer
	Hooks    *hooks.Registry
}

type engineImpl struct {
	store persistence.RunStore
	hooks *hooks.Registry
	rec   *recorder.Recorder
}

var _ api.Engine = (*engineImpl)(nil)

// New creates an engine from cfg.
func New(cfg Config) api.Engine {
	store := cfg.Store
	if store == nil {
		store = persistence.NewInMemoryStore()
	}
	registry := cfg.Hooks
	if registry == nil {
		registry = hooks.NewRegistry()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &engineImpl{
		store: store,
		hooks: registry,
		rec:   recorder.New(store, observer),
	}
}

// RunWorkflow executes spec against input and blocks until the run reaches
// a terminal state. The run and step trail are persisted regardless of
// outcome; on failure or cancellation the error is returned alongside the
// already-recorded run.
func (e *engineImpl) RunWorkflow(ctx context.Context, spec api.WorkflowSpec, input any, invoker api.AgentInvoker, opts api.RunOptions) (*api.WorkflowRunResult, error) {
	if invoker == nil {
		return nil, errors.New("engine: agent invoker is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	// Resolve every hook reference before any state is written, so a typo
	// in a guard name fails the call rather than a half-recorded run.
	if err := e.hooks.CheckSpec(spec); err != nil {
		return nil, err
	}

	run, err := e.rec.BeginRun(ctx, spec, input, opts)
	if err != nil {
		return nil, err
	}

	var (
		current = input
		steps   []api.StepResult
		seq     int
	)

	stages := spec.ResolvedStages()
	for _, stage := range stages {
		combined, stageResults, stageErr := e.runStage(ctx, run, stage, current, steps, invoker, opts, &seq)
		steps = append(steps, stageResults...)
		if stageErr != nil {
			status := api.StatusFailed
			if isCancellation(stageErr) {
				status = api.StatusCancelled
			}
			if recErr := e.rec.FinishRun(ctx, run, status, "", nil, stageErr); recErr != nil {
				return nil, fmt.Errorf("recording terminal run state: %w (run error: %v)", recErr, stageErr)
			}
			return nil, stageErr
		}
		current = combined
	}

	finalText, finalStructured := splitFinalOutput(current)
	if err := e.rec.FinishRun(ctx, run, api.StatusSucceeded, finalText, finalStructured, nil); err != nil {
		return nil, err
	}

	return &api.WorkflowRunResult{
		RunID:                 run.ID,
		WorkflowKey:           spec.Key,
		Status:                api.StatusSucceeded,
		Steps:                 steps,
		FinalOutput:           current,
		FinalOutputText:       finalText,
		FinalOutputStructured: finalStructured,
		OutputSchema:          finalOutputSchema(stages),
		Usage:                 api.AggregateUsage(steps),
		Attachments:           collectAttachments(steps),
	}, nil
}

// GetRunWithSteps loads one run and its step trail ordered by sequence.
func (e *engineImpl) GetRunWithSteps(ctx context.Context, runID string) (*api.WorkflowRun, []*api.WorkflowRunStep, error) {
	return e.store.GetRunWithSteps(ctx, runID)
}

// ListRuns lists runs matching opts, oldest first.
func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error) {
	return e.store.ListRuns(ctx, opts)
}

// SoftDeleteRun marks a run deleted without removing its rows.
func (e *engineImpl) SoftDeleteRun(ctx context.Context, runID, deletedBy, reason string) error {
	return e.store.SoftDeleteRun(ctx, runID, deletedBy, reason)
}

// RecoverStuckRuns fails every run still marked running. Intended for
// startup: runs that were in flight when the previous process died can
// never complete, so they are closed out with an explanatory error.
func (e *engineImpl) RecoverStuckRuns(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, api.RunListOptions{Status: api.StatusRunning, IncludeDeleted: true})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, run := range runs {
		now := time.Now().UTC()
		status := api.StatusFailed

		metadata := make(map[string]any, len(run.Metadata)+1)
		for k, v := range run.Metadata {
			metadata[k] = v
		}
		metadata["error"] = "run interrupted: engine restarted while run was in flight"

		patch := api.RunPatch{Status: &status, EndedAt: &now, Metadata: metadata}
		if err := e.store.UpdateRun(ctx, run.ID, patch); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// isCancellation reports whether err is rooted in context cancellation or
// deadline expiry, in which case the run is cancelled rather than failed.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// splitFinalOutput projects the final pipeline value into the text and
// structured columns: maps land in the structured column, strings in the
// text column and anything else is JSON-encoded into the text column.
func splitFinalOutput(v any) (string, map[string]any) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case map[string]any:
		return "", t
	case string:
		return t, nil
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b), nil
		}
		return fmt.Sprint(v), nil
	}
}

// finalOutputSchema surfaces the declared schema of the run's last step,
// when the last stage has exactly one.
func finalOutputSchema(stages []api.Stage) map[string]any {
	if len(stages) == 0 {
		return nil
	}
	last := stages[len(stages)-1]
	if len(last.Steps) == 1 {
		return last.Steps[0].OutputSchema
	}
	return nil
}

func collectAttachments(steps []api.StepResult) []api.Attachment {
	var attachments []api.Attachment
	for _, step := range steps {
		attachments = append(attachments, step.Response.Attachments...)
	}
	return attachments
}
