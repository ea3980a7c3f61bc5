package api

import "context"

// Actor identifies the already-authorized principal a run executes for.
type Actor struct {
	TenantID string
	UserID   string
}

// InvokeContext carries the run-scoped context handed to every agent
// invocation.
type InvokeContext struct {
	RunID          string
	WorkflowKey    string
	TenantID       string
	UserID         string
	ConversationID string
	TraceID        string

	// Metadata is the caller-supplied run metadata, merged into each
	// step's normalized response.
	Metadata map[string]any

	// PriorSteps holds the results of every step executed before this
	// invocation, in execution order.
	PriorSteps []StepResult
}

// AgentInvoker runs a single agent call. The engine treats the call as
// atomic: it may perform multiple internal turns, stream, or queue work, as
// long as it returns (or fails) within the caller's own time budget.
// Cooperative cancellation is the invoker's responsibility; the engine only
// classifies a cancellation surfacing at a stage boundary.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentKey string, input any, ic InvokeContext) (*RawAgentResult, error)
}

// InvokerFunc adapts a plain function to the AgentInvoker interface.
type InvokerFunc func(ctx context.Context, agentKey string, input any, ic InvokeContext) (*RawAgentResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, agentKey string, input any, ic InvokeContext) (*RawAgentResult, error) {
	return f(ctx, agentKey, input, ic)
}

// RunOptions carries the per-invocation parameters beyond the spec, input
// and invoker.
type RunOptions struct {
	Actor          Actor
	ConversationID string
	TraceID        string

	// RequestMessage is the free-form request text persisted on the run.
	// When empty and the initial input is a string, the input is used.
	RequestMessage string

	Metadata map[string]any
}

// Engine is the workflow orchestration engine's public surface.
type Engine interface {
	// RunWorkflow executes spec against input, persisting the run and
	// every executed step. It returns a populated result or an error;
	// there is no partial-result return value on failure, but partial
	// step rows remain queryable via GetRunWithSteps.
	RunWorkflow(ctx context.Context, spec WorkflowSpec, input any, invoker AgentInvoker, opts RunOptions) (*WorkflowRunResult, error)

	// GetRunWithSteps reads one run and its recorded steps ordered by
	// sequence number.
	GetRunWithSteps(ctx context.Context, runID string) (*WorkflowRun, []*WorkflowRunStep, error)

	// ListRuns returns runs matching the given options.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*WorkflowRun, error)

	// SoftDeleteRun marks a run deleted without removing its rows. This is
	// an administrative action outside the engine's own write path.
	SoftDeleteRun(ctx context.Context, runID, deletedBy, reason string) error

	// RecoverStuckRuns marks runs still recorded as running (for example
	// after a process crash) as failed. It is intended to be called on
	// startup before new work is accepted, and returns the number of runs
	// it updated.
	RecoverStuckRuns(ctx context.Context) (int, error)
}
