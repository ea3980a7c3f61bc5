// Package recorder persists run/step lifecycle transitions and emits the
// audit/activity trail. Each call is one atomic repository write, so a
// crash mid-run leaves a running run with a partial step trail rather than
// a dangling transaction.
package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stagerun/stagerun/internal/persistence"
	"github.com/stagerun/stagerun/pkg/api"
)

// Recorder writes run and step lifecycle transitions through the RunStore
// and notifies the Observer. Step recording is append/update only; the
// recorder never deletes rows.
type Recorder struct {
	store    persistence.RunStore
	observer api.Observer

	now   func() time.Time
	newID func() string
}

// New creates a Recorder. A nil observer defaults to NoopObserver.
func New(store persistence.RunStore, observer api.Observer) *Recorder {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Recorder{
		store:    store,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// BeginRun creates the run record in status running and announces it.
func (r *Recorder) BeginRun(ctx context.Context, spec api.WorkflowSpec, input any, opts api.RunOptions) (*api.WorkflowRun, error) {
	requestMessage := opts.RequestMessage
	if requestMessage == "" {
		if s, ok := input.(string); ok {
			requestMessage = s
		}
	}

	run := &api.WorkflowRun{
		ID:             r.newID(),
		WorkflowKey:    spec.Key,
		TenantID:       opts.Actor.TenantID,
		UserID:         opts.Actor.UserID,
		Status:         api.StatusRunning,
		StartedAt:      r.now(),
		TraceID:        opts.TraceID,
		RequestMessage: requestMessage,
		ConversationID: opts.ConversationID,
		Metadata:       cloneMap(opts.Metadata),
	}

	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	r.observer.OnRunStart(ctx, run)
	return run, nil
}

// BeginStep creates one step row in status running. Skipped steps must not
// reach this method: persisted rows map 1:1 to actual invocations.
func (r *Recorder) BeginStep(ctx context.Context, run *api.WorkflowRun, seq int, step api.Step, stageName, parallelGroup string, branchIndex int) (*api.WorkflowRunStep, error) {
	row := &api.WorkflowRunStep{
		ID:            r.newID(),
		WorkflowRunID: run.ID,
		SequenceNo:    seq,
		StepName:      step.Name,
		StepAgent:     step.AgentKey,
		Status:        api.StatusRunning,
		StartedAt:     r.now(),
		StageName:     stageName,
		ParallelGroup: parallelGroup,
		BranchIndex:   branchIndex,
	}

	if err := r.store.CreateStep(ctx, row); err != nil {
		return nil, err
	}
	r.observer.OnStepStart(ctx, run, row)
	return row, nil
}

// FinishStep updates the step row exactly once to its terminal status.
// resp may be nil when the invocation failed before producing a response.
func (r *Recorder) FinishStep(ctx context.Context, run *api.WorkflowRun, row *api.WorkflowRunStep, resp *api.StepResponse, stepErr error) error {
	ended := r.now()
	status := api.StatusSucceeded
	if stepErr != nil {
		status = api.StatusFailed
	}

	patch := api.StepPatch{Status: &status, EndedAt: &ended}
	if resp != nil {
		patch.ResponseID = &resp.ResponseID
		patch.ResponseText = &resp.ResponseText
		patch.StructuredOutput = resp.StructuredOutput
		patch.RawPayload = rawPayload(resp)
		patch.Usage = resp.Usage
	} else if stepErr != nil {
		patch.RawPayload = map[string]any{"error": stepErr.Error()}
	}

	if err := r.store.UpdateStep(ctx, row.ID, patch); err != nil {
		return err
	}
	patch.Apply(row)
	r.observer.OnStepCompleted(ctx, run, row, stepErr, ended.Sub(row.StartedAt))
	return nil
}

// FinishRun writes the run's terminal status and emits one audit event.
// The persisted status keeps the precise value (cancelled stays cancelled);
// the audit event's Result is normalized so that only genuine failures
// report as errors downstream.
func (r *Recorder) FinishRun(ctx context.Context, run *api.WorkflowRun, status api.Status, finalText string, finalStructured map[string]any, runErr error) error {
	ended := r.now()

	metadata := cloneMap(run.Metadata)
	if runErr != nil {
		if metadata == nil {
			metadata = make(map[string]any, 1)
		}
		metadata["error"] = runErr.Error()
	}

	patch := api.RunPatch{Status: &status, EndedAt: &ended, Metadata: metadata}
	if status == api.StatusSucceeded {
		patch.FinalOutputText = &finalText
		patch.FinalOutputStructured = finalStructured
	}

	if err := r.store.UpdateRun(ctx, run.ID, patch); err != nil {
		return err
	}
	patch.Apply(run)

	switch status {
	case api.StatusSucceeded:
		r.observer.OnRunCompleted(ctx, run)
	case api.StatusCancelled:
		r.observer.OnRunCancelled(ctx, run, runErr)
	default:
		r.observer.OnRunFailed(ctx, run, runErr)
	}

	ev := api.AuditEvent{
		RunID:       run.ID,
		WorkflowKey: run.WorkflowKey,
		TenantID:    run.TenantID,
		UserID:      run.UserID,
		Status:      status,
		Result:      "ok",
		At:          ended,
	}
	if status == api.StatusFailed {
		ev.Result = "error"
		if runErr != nil {
			ev.Error = runErr.Error()
		}
	}
	r.observer.OnAudit(ctx, ev)
	return nil
}

func rawPayload(resp *api.StepResponse) map[string]any {
	payload := make(map[string]any, 3)
	if resp.FinalOutput != nil {
		payload["final_output"] = resp.FinalOutput
	}
	if resp.Metadata != nil {
		payload["metadata"] = resp.Metadata
	}
	if len(resp.ToolOutputs) > 0 {
		payload["tool_outputs"] = resp.ToolOutputs
	}
	return payload
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
