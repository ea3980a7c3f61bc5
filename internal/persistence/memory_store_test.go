package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagerun/stagerun/pkg/api"
)

func TestInMemoryStoreSuite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) RunStore {
		return NewInMemoryStore()
	})
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	run := &api.WorkflowRun{ID: "r1", WorkflowKey: "wf", Status: api.StatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, store.CreateRun(ctx, run))

	got, _, err := store.GetRunWithSteps(ctx, "r1")
	require.NoError(t, err)

	// Mutating the returned value must not leak into the store.
	got.Status = api.StatusFailed

	again, _, err := store.GetRunWithSteps(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, again.Status)
}

func TestInMemoryStoreConcurrentSteps(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	require.NoError(t, store.CreateRun(ctx, &api.WorkflowRun{
		ID: "r1", WorkflowKey: "wf", Status: api.StatusRunning, StartedAt: time.Now().UTC(),
	}))

	// Parallel branches write their rows concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			step := &api.WorkflowRunStep{
				ID:            fmt.Sprintf("s%d", i),
				WorkflowRunID: "r1",
				SequenceNo:    i + 1,
				StepName:      fmt.Sprintf("step-%d", i),
				StepAgent:     "agent",
				Status:        api.StatusRunning,
				StartedAt:     time.Now().UTC(),
			}
			require.NoError(t, store.CreateStep(ctx, step))

			status := api.StatusSucceeded
			require.NoError(t, store.UpdateStep(ctx, step.ID, api.StepPatch{Status: &status}))
		}(i)
	}
	wg.Wait()

	_, steps, err := store.GetRunWithSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 10)
	for i, step := range steps {
		require.Equal(t, i+1, step.SequenceNo)
		require.Equal(t, api.StatusSucceeded, step.Status)
	}
}
