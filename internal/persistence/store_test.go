package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagerun/stagerun/pkg/api"
)

// runStoreSuite exercises the RunStore contract against a backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) RunStore) {
	ctx := context.Background()

	makeRun := func(id, workflow, tenant string, status api.Status, startedAt time.Time) *api.WorkflowRun {
		return &api.WorkflowRun{
			ID:             id,
			WorkflowKey:    workflow,
			TenantID:       tenant,
			UserID:         "u1",
			Status:         status,
			StartedAt:      startedAt,
			TraceID:        "trace-" + id,
			RequestMessage: "request for " + id,
			Metadata:       map[string]any{"origin": "test"},
		}
	}

	t.Run("create and get run", func(t *testing.T) {
		store := newStore(t)
		started := time.Now().UTC().Truncate(time.Millisecond)

		run := makeRun("r1", "wf", "t1", api.StatusRunning, started)
		require.NoError(t, store.CreateRun(ctx, run))

		got, steps, err := store.GetRunWithSteps(ctx, "r1")
		require.NoError(t, err)
		require.Empty(t, steps)
		require.Equal(t, "wf", got.WorkflowKey)
		require.Equal(t, api.StatusRunning, got.Status)
		require.Equal(t, "trace-r1", got.TraceID)
		require.Equal(t, "request for r1", got.RequestMessage)
		require.Equal(t, "test", got.Metadata["origin"])
		require.Nil(t, got.EndedAt)
	})

	t.Run("get missing run", func(t *testing.T) {
		store := newStore(t)
		_, _, err := store.GetRunWithSteps(ctx, "nope")
		require.ErrorIs(t, err, api.ErrRunNotFound)
	})

	t.Run("update run applies sparse patch", func(t *testing.T) {
		store := newStore(t)
		run := makeRun("r1", "wf", "t1", api.StatusRunning, time.Now().UTC())
		require.NoError(t, store.CreateRun(ctx, run))

		status := api.StatusSucceeded
		ended := time.Now().UTC().Truncate(time.Millisecond)
		text := "all done"
		patch := api.RunPatch{
			Status:                &status,
			EndedAt:               &ended,
			FinalOutputText:       &text,
			FinalOutputStructured: map[string]any{"answer": "42"},
		}
		require.NoError(t, store.UpdateRun(ctx, "r1", patch))

		got, _, err := store.GetRunWithSteps(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, api.StatusSucceeded, got.Status)
		require.NotNil(t, got.EndedAt)
		require.Equal(t, "all done", got.FinalOutputText)
		require.Equal(t, "42", got.FinalOutputStructured["answer"])
		// Untouched fields survive.
		require.Equal(t, "test", got.Metadata["origin"])
	})

	t.Run("update missing run", func(t *testing.T) {
		store := newStore(t)
		status := api.StatusFailed
		err := store.UpdateRun(ctx, "nope", api.RunPatch{Status: &status})
		require.ErrorIs(t, err, api.ErrRunNotFound)
	})

	t.Run("steps ordered by sequence", func(t *testing.T) {
		store := newStore(t)
		run := makeRun("r1", "wf", "t1", api.StatusRunning, time.Now().UTC())
		require.NoError(t, store.CreateRun(ctx, run))

		// Insert out of order; reads must come back by sequence.
		for _, seq := range []int{2, 1, 3} {
			step := &api.WorkflowRunStep{
				ID:            "s" + string(rune('0'+seq)),
				WorkflowRunID: "r1",
				SequenceNo:    seq,
				StepName:      "step",
				StepAgent:     "agent",
				Status:        api.StatusRunning,
				StartedAt:     time.Now().UTC(),
			}
			require.NoError(t, store.CreateStep(ctx, step))
		}

		_, steps, err := store.GetRunWithSteps(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, steps, 3)
		for i, step := range steps {
			require.Equal(t, i+1, step.SequenceNo)
		}
	})

	t.Run("update step persists response and usage", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateRun(ctx, makeRun("r1", "wf", "t1", api.StatusRunning, time.Now().UTC())))

		step := &api.WorkflowRunStep{
			ID:            "s1",
			WorkflowRunID: "r1",
			SequenceNo:    1,
			StepName:      "summarize",
			StepAgent:     "agents/summarizer",
			Status:        api.StatusRunning,
			StartedAt:     time.Now().UTC(),
			StageName:     "summarize",
			ParallelGroup: "pg-1",
			BranchIndex:   2,
		}
		require.NoError(t, store.CreateStep(ctx, step))

		status := api.StatusSucceeded
		ended := time.Now().UTC().Truncate(time.Millisecond)
		respID := "resp-9"
		text := "summary text"
		patch := api.StepPatch{
			Status:           &status,
			EndedAt:          &ended,
			ResponseID:       &respID,
			ResponseText:     &text,
			StructuredOutput: map[string]any{"points": "3"},
			RawPayload:       map[string]any{"final_output": "summary text"},
			Usage:            &api.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120, CachedTokens: 10},
		}
		require.NoError(t, store.UpdateStep(ctx, "s1", patch))

		_, steps, err := store.GetRunWithSteps(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, steps, 1)

		got := steps[0]
		require.Equal(t, api.StatusSucceeded, got.Status)
		require.NotNil(t, got.EndedAt)
		require.Equal(t, "resp-9", got.ResponseID)
		require.Equal(t, "summary text", got.ResponseText)
		require.Equal(t, "3", got.StructuredOutput["points"])
		require.Equal(t, "summary text", got.RawPayload["final_output"])
		require.EqualValues(t, 100, got.InputTokens)
		require.EqualValues(t, 120, got.TotalTokens)
		require.EqualValues(t, 10, got.CachedTokens)
		require.Equal(t, "summarize", got.StageName)
		require.Equal(t, "pg-1", got.ParallelGroup)
		require.Equal(t, 2, got.BranchIndex)
	})

	t.Run("update missing step", func(t *testing.T) {
		store := newStore(t)
		status := api.StatusFailed
		err := store.UpdateStep(ctx, "nope", api.StepPatch{Status: &status})
		require.ErrorIs(t, err, api.ErrStepNotFound)
	})

	t.Run("list runs filters", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().UTC().Add(-time.Hour)

		require.NoError(t, store.CreateRun(ctx, makeRun("r1", "wf-a", "t1", api.StatusRunning, base)))
		require.NoError(t, store.CreateRun(ctx, makeRun("r2", "wf-a", "t2", api.StatusSucceeded, base.Add(time.Minute))))
		require.NoError(t, store.CreateRun(ctx, makeRun("r3", "wf-b", "t1", api.StatusFailed, base.Add(2*time.Minute))))

		all, err := store.ListRuns(ctx, api.RunListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		// Oldest first.
		require.Equal(t, "r1", all[0].ID)
		require.Equal(t, "r3", all[2].ID)

		byWorkflow, err := store.ListRuns(ctx, api.RunListOptions{WorkflowKey: "wf-a"})
		require.NoError(t, err)
		require.Len(t, byWorkflow, 2)

		byStatus, err := store.ListRuns(ctx, api.RunListOptions{Status: api.StatusFailed})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		require.Equal(t, "r3", byStatus[0].ID)

		byTenant, err := store.ListRuns(ctx, api.RunListOptions{TenantID: "t2"})
		require.NoError(t, err)
		require.Len(t, byTenant, 1)
		require.Equal(t, "r2", byTenant[0].ID)
	})

	t.Run("soft delete", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateRun(ctx, makeRun("r1", "wf", "t1", api.StatusSucceeded, time.Now().UTC())))

		require.NoError(t, store.SoftDeleteRun(ctx, "r1", "ops@example.com", "gdpr request"))

		visible, err := store.ListRuns(ctx, api.RunListOptions{})
		require.NoError(t, err)
		require.Empty(t, visible)

		all, err := store.ListRuns(ctx, api.RunListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.NotNil(t, all[0].DeletedAt)
		require.Equal(t, "ops@example.com", all[0].DeletedBy)
		require.Equal(t, "gdpr request", all[0].DeletedReason)

		// The record itself stays readable.
		got, _, err := store.GetRunWithSteps(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, got.DeletedAt)

		require.ErrorIs(t, store.SoftDeleteRun(ctx, "nope", "x", "y"), api.ErrRunNotFound)
	})
}
