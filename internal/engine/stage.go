package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stagerun/stagerun/pkg/api"
)

// runStage executes one stage against the current pipeline value and the
// results accumulated so far. It returns the stage's combined output plus
// the step results it produced, in declaration order.
func (e *engineImpl) runStage(ctx context.Context, run *api.WorkflowRun, stage api.Stage, current any, prior []api.StepResult, invoker api.AgentInvoker, opts api.RunOptions, seq *int) (any, []api.StepResult, error) {
	if stage.Mode == api.StageParallel {
		return e.runParallelStage(ctx, run, stage, current, prior, invoker, opts, seq)
	}
	return e.runSequentialStage(ctx, run, stage, current, prior, invoker, opts, seq)
}

func (e *engineImpl) runSequentialStage(ctx context.Context, run *api.WorkflowRun, stage api.Stage, current any, prior []api.StepResult, invoker api.AgentInvoker, opts api.RunOptions, seq *int) (any, []api.StepResult, error) {
	// Steps within the stage see the results of their predecessors in the
	// same stage, so the visible history grows as the stage advances.
	visible := append([]api.StepResult(nil), prior...)

	var (
		results []api.StepResult
		outputs []any
	)

	for _, step := range stage.Steps {
		if step.Guard != "" {
			ok, err := e.hooks.EvalGuard(ctx, step.Guard, current, visible)
			if err != nil {
				return nil, results, err
			}
			if !ok {
				continue
			}
		}

		input := current
		if step.InputMapper != "" {
			mapped, err := e.hooks.EvalMapper(ctx, step.InputMapper, current, visible)
			if err != nil {
				return nil, results, err
			}
			input = mapped
		}

		*seq++
		res, err := e.runStep(ctx, run, step, stage.Name, "", 0, *seq, input, invoker, opts, visible)
		if err != nil {
			return nil, results, err
		}

		results = append(results, *res)
		visible = append(visible, *res)
		outputs = append(outputs, res.Output)
	}

	// Sequential stages never carry a reducer. A single output passes
	// through, several become a list, and a stage whose steps were all
	// skipped contributes nothing: the current value flows on unchanged.
	switch len(outputs) {
	case 0:
		return current, results, nil
	case 1:
		return outputs[0], results, nil
	default:
		return outputs, results, nil
	}
}

func (e *engineImpl) runParallelStage(ctx context.Context, run *api.WorkflowRun, stage api.Stage, current any, prior []api.StepResult, invoker api.AgentInvoker, opts api.RunOptions, seq *int) (any, []api.StepResult, error) {
	group := uuid.NewString()

	// Guards are evaluated up front, in declaration order, against the
	// history as it stood before the stage. Skipped branches get no row,
	// no sequence number and no branch index.
	type branch struct {
		step  api.Step
		seq   int
		index int
	}
	var branches []branch
	for _, step := range stage.Steps {
		if step.Guard != "" {
			ok, err := e.hooks.EvalGuard(ctx, step.Guard, current, prior)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
		}
		*seq++
		branches = append(branches, branch{step: step, seq: *seq, index: len(branches)})
	}

	if len(branches) == 0 {
		if stage.Reducer != "" {
			combined, err := e.hooks.EvalReducer(ctx, stage.Reducer, nil, prior)
			return combined, nil, err
		}
		return nil, nil, &api.EmptyStageError{Stage: stage.Name}
	}

	results := make([]*api.StepResult, len(branches))
	errs := make([]error, len(branches))

	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func(i int, b branch) {
			defer wg.Done()

			input := current
			if b.step.InputMapper != "" {
				mapped, err := e.hooks.EvalMapper(ctx, b.step.InputMapper, current, prior)
				if err != nil {
					errs[i] = err
					return
				}
				input = mapped
			}

			res, err := e.runStep(ctx, run, b.step, stage.Name, group, b.index, b.seq, input, invoker, opts, prior)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = res
		}(i, b)
	}
	wg.Wait()

	// First error in declaration order wins; completed siblings keep
	// their persisted rows.
	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}

	stageResults := make([]api.StepResult, len(branches))
	outputs := make([]any, len(branches))
	for i, res := range results {
		stageResults[i] = *res
		outputs[i] = res.Output
	}

	// The reducer sees the history as it stood before the stage; branch
	// outputs arrive only through the ordered outputs list.
	combined, err := e.combineOutputs(ctx, stage, outputs, prior)
	if err != nil {
		return nil, stageResults, err
	}
	return combined, stageResults, nil
}

// runStep records, invokes and finalizes a single step. The returned error
// is the step's own failure; the row is already in its terminal state.
func (e *engineImpl) runStep(ctx context.Context, run *api.WorkflowRun, step api.Step, stageName, parallelGroup string, branchIndex, seq int, input any, invoker api.AgentInvoker, opts api.RunOptions, visible []api.StepResult) (*api.StepResult, error) {
	row, err := e.rec.BeginStep(ctx, run, seq, step, stageName, parallelGroup, branchIndex)
	if err != nil {
		return nil, err
	}

	ic := e.invokeContext(run, opts, visible)
	out, resp, stepErr := executeStep(ctx, step, input, invoker, ic)

	if recErr := e.rec.FinishStep(ctx, run, row, resp, stepErr); recErr != nil && stepErr == nil {
		stepErr = recErr
	}
	if stepErr != nil {
		return nil, stepErr
	}

	return &api.StepResult{
		StepName:      step.Name,
		AgentKey:      step.AgentKey,
		StageName:     stageName,
		ParallelGroup: parallelGroup,
		BranchIndex:   branchIndex,
		Output:        out,
		Response:      *resp,
		StartedAt:     row.StartedAt,
		EndedAt:       *row.EndedAt,
	}, nil
}

// combineOutputs applies a parallel stage's output policy: a reducer is
// always applied when declared; otherwise a single output passes through
// and multiple outputs are returned as a list in declaration order.
func (e *engineImpl) combineOutputs(ctx context.Context, stage api.Stage, outputs []any, prior []api.StepResult) (any, error) {
	if stage.Reducer != "" {
		return e.hooks.EvalReducer(ctx, stage.Reducer, outputs, prior)
	}

	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

func (e *engineImpl) invokeContext(run *api.WorkflowRun, opts api.RunOptions, visible []api.StepResult) api.InvokeContext {
	return api.InvokeContext{
		RunID:          run.ID,
		WorkflowKey:    run.WorkflowKey,
		TenantID:       run.TenantID,
		UserID:         run.UserID,
		ConversationID: run.ConversationID,
		TraceID:        run.TraceID,
		Metadata:       opts.Metadata,
		PriorSteps:     visible,
	}
}
