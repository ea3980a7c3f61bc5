package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stagerun/stagerun/internal/persistence"
	"github.com/stagerun/stagerun/pkg/api"
)

type captureObserver struct {
	api.NoopObserver

	mu        sync.Mutex
	started   []string
	completed []string
	failed    []string
	cancelled []string
	audits    []api.AuditEvent
}

func (c *captureObserver) OnRunStart(ctx context.Context, run *api.WorkflowRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, run.ID)
}

func (c *captureObserver) OnRunCompleted(ctx context.Context, run *api.WorkflowRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, run.ID)
}

func (c *captureObserver) OnRunFailed(ctx context.Context, run *api.WorkflowRun, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, run.ID)
}

func (c *captureObserver) OnRunCancelled(ctx context.Context, run *api.WorkflowRun, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, run.ID)
}

func (c *captureObserver) OnAudit(ctx context.Context, ev api.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audits = append(c.audits, ev)
}

func newTestRecorder() (*Recorder, *persistence.InMemoryStore, *captureObserver) {
	store := persistence.NewInMemoryStore()
	obs := &captureObserver{}
	return New(store, obs), store, obs
}

func beginRun(t *testing.T, rec *Recorder) *api.WorkflowRun {
	t.Helper()
	run, err := rec.BeginRun(context.Background(), api.WorkflowSpec{Key: "wf"}, "the question", api.RunOptions{
		Actor: api.Actor{TenantID: "t1", UserID: "u1"},
	})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	return run
}

func TestBeginRunPersistsAndNotifies(t *testing.T) {
	rec, store, obs := newTestRecorder()

	run := beginRun(t, rec)
	if run.Status != api.StatusRunning {
		t.Errorf("expected running, got %s", run.Status)
	}
	if run.RequestMessage != "the question" {
		t.Errorf("expected string input as request message, got %q", run.RequestMessage)
	}

	stored, _, err := store.GetRunWithSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if stored.TenantID != "t1" {
		t.Errorf("actor not persisted: %+v", stored)
	}
	if len(obs.started) != 1 || obs.started[0] != run.ID {
		t.Errorf("OnRunStart not observed: %v", obs.started)
	}
}

func TestFinishStepSuccess(t *testing.T) {
	rec, store, _ := newTestRecorder()
	run := beginRun(t, rec)

	row, err := rec.BeginStep(context.Background(), run, 1, api.Step{Name: "s", AgentKey: "a"}, "s", "", 0)
	if err != nil {
		t.Fatalf("BeginStep: %v", err)
	}

	resp := &api.StepResponse{
		ResponseID:   "resp-1",
		ResponseText: "answer",
		FinalOutput:  "answer",
		Usage:        &api.Usage{InputTokens: 2, OutputTokens: 3, TotalTokens: 5},
	}
	if err := rec.FinishStep(context.Background(), run, row, resp, nil); err != nil {
		t.Fatalf("FinishStep: %v", err)
	}

	_, steps, err := store.GetRunWithSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	step := steps[0]
	if step.Status != api.StatusSucceeded || step.EndedAt == nil {
		t.Errorf("step not finalized: %+v", step)
	}
	if step.ResponseID != "resp-1" || step.ResponseText != "answer" {
		t.Errorf("response not persisted: %+v", step)
	}
	if step.TotalTokens != 5 {
		t.Errorf("usage not persisted: %+v", step)
	}
	if step.RawPayload["final_output"] != "answer" {
		t.Errorf("raw payload missing final output: %v", step.RawPayload)
	}
}

func TestFinishStepFailureWithoutResponse(t *testing.T) {
	rec, store, _ := newTestRecorder()
	run := beginRun(t, rec)

	row, err := rec.BeginStep(context.Background(), run, 1, api.Step{Name: "s", AgentKey: "a"}, "s", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.FinishStep(context.Background(), run, row, nil, errors.New("timeout waiting for agent")); err != nil {
		t.Fatal(err)
	}

	_, steps, err := store.GetRunWithSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	step := steps[0]
	if step.Status != api.StatusFailed {
		t.Errorf("expected failed, got %s", step.Status)
	}
	if step.RawPayload["error"] != "timeout waiting for agent" {
		t.Errorf("expected error in raw payload, got %v", step.RawPayload)
	}
}

func TestFinishRunSucceeded(t *testing.T) {
	rec, store, obs := newTestRecorder()
	run := beginRun(t, rec)

	err := rec.FinishRun(context.Background(), run, api.StatusSucceeded, "final text", map[string]any{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	stored, _, err := store.GetRunWithSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != api.StatusSucceeded || stored.EndedAt == nil {
		t.Errorf("run not finalized: %+v", stored)
	}
	if stored.FinalOutputText != "final text" || stored.FinalOutputStructured["k"] != "v" {
		t.Errorf("final output not persisted: %+v", stored)
	}
	if len(obs.completed) != 1 {
		t.Errorf("OnRunCompleted not observed: %v", obs.completed)
	}
	if len(obs.audits) != 1 || obs.audits[0].Result != "ok" {
		t.Errorf("unexpected audit trail: %+v", obs.audits)
	}
}

func TestFinishRunFailedAudit(t *testing.T) {
	rec, store, obs := newTestRecorder()
	run := beginRun(t, rec)

	runErr := errors.New("stage exploded")
	if err := rec.FinishRun(context.Background(), run, api.StatusFailed, "", nil, runErr); err != nil {
		t.Fatal(err)
	}

	stored, _, err := store.GetRunWithSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != api.StatusFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
	if stored.Metadata["error"] != "stage exploded" {
		t.Errorf("expected error in metadata, got %v", stored.Metadata)
	}
	if stored.FinalOutputText != "" {
		t.Error("failed run must not carry a final output")
	}

	if len(obs.failed) != 1 {
		t.Errorf("OnRunFailed not observed: %v", obs.failed)
	}
	ev := obs.audits[0]
	if ev.Result != "error" || ev.Error != "stage exploded" {
		t.Errorf("unexpected audit event: %+v", ev)
	}
}

func TestFinishRunCancelledAuditStaysOK(t *testing.T) {
	rec, store, obs := newTestRecorder()
	run := beginRun(t, rec)

	if err := rec.FinishRun(context.Background(), run, api.StatusCancelled, "", nil, context.Canceled); err != nil {
		t.Fatal(err)
	}

	stored, _, err := store.GetRunWithSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != api.StatusCancelled {
		t.Errorf("persisted status must stay cancelled, got %s", stored.Status)
	}

	if len(obs.cancelled) != 1 {
		t.Errorf("OnRunCancelled not observed: %v", obs.cancelled)
	}
	ev := obs.audits[0]
	if ev.Status != api.StatusCancelled || ev.Result != "ok" || ev.Error != "" {
		t.Errorf("cancelled runs must audit as ok: %+v", ev)
	}
}

func TestFinishRunDoesNotMutateSharedMetadata(t *testing.T) {
	rec, _, _ := newTestRecorder()

	shared := map[string]any{"caller": "svc"}
	run, err := rec.BeginRun(context.Background(), api.WorkflowSpec{Key: "wf"}, nil, api.RunOptions{Metadata: shared})
	if err != nil {
		t.Fatal(err)
	}

	if err := rec.FinishRun(context.Background(), run, api.StatusFailed, "", nil, errors.New("x")); err != nil {
		t.Fatal(err)
	}
	if _, polluted := shared["error"]; polluted {
		t.Error("caller-owned metadata map was mutated")
	}
}

func TestRecorderTimesAreUTC(t *testing.T) {
	rec, _, _ := newTestRecorder()
	run := beginRun(t, rec)
	if run.StartedAt.Location() != time.UTC {
		t.Errorf("expected UTC start time, got %v", run.StartedAt.Location())
	}
}
