package api

import "time"

// Status represents the lifecycle state of a workflow run or step.
//
// Runs move running -> {succeeded | failed | cancelled}; terminal states are
// final and a run record is never reopened.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorkflowRun is the persisted lifecycle record of one workflow invocation.
// It is created when the run begins and mutated only by the run recorder at
// well-defined transition points.
type WorkflowRun struct {
	ID          string
	WorkflowKey string
	TenantID    string
	UserID      string

	Status    Status
	StartedAt time.Time
	EndedAt   *time.Time

	FinalOutputText       string
	FinalOutputStructured map[string]any

	TraceID        string
	RequestMessage string
	ConversationID string
	Metadata       map[string]any

	// Soft-deletion fields are written only by an administrative action,
	// never by the engine's own write path.
	DeletedAt     *time.Time
	DeletedBy     string
	DeletedReason string
}

// WorkflowRunStep is one persisted row per executed step. A row is created
// when the step begins and updated exactly once to a terminal status.
// Skipped steps never produce a row.
type WorkflowRunStep struct {
	ID            string
	WorkflowRunID string

	// SequenceNo is monotonic within the run, assigned in declaration
	// order even for parallel branches.
	SequenceNo int

	StepName  string
	StepAgent string

	Status    Status
	StartedAt time.Time
	EndedAt   *time.Time

	ResponseID       string
	ResponseText     string
	StructuredOutput map[string]any
	RawPayload       map[string]any

	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CachedTokens int64

	// StageName, ParallelGroup and BranchIndex reconstruct fan-out
	// topology for parallel stages.
	StageName     string
	ParallelGroup string
	BranchIndex   int
}

// RunPatch is a sparse partial update for a workflow run. Nil fields are
// left untouched by the repository.
type RunPatch struct {
	Status                *Status
	EndedAt               *time.Time
	FinalOutputText       *string
	FinalOutputStructured map[string]any
	Metadata              map[string]any
}

// Apply copies the patch's set fields onto run.
func (p RunPatch) Apply(run *WorkflowRun) {
	if p.Status != nil {
		run.Status = *p.Status
	}
	if p.EndedAt != nil {
		run.EndedAt = p.EndedAt
	}
	if p.FinalOutputText != nil {
		run.FinalOutputText = *p.FinalOutputText
	}
	if p.FinalOutputStructured != nil {
		run.FinalOutputStructured = p.FinalOutputStructured
	}
	if p.Metadata != nil {
		run.Metadata = p.Metadata
	}
}

// StepPatch is a sparse partial update for a workflow run step.
type StepPatch struct {
	Status           *Status
	EndedAt          *time.Time
	ResponseID       *string
	ResponseText     *string
	StructuredOutput map[string]any
	RawPayload       map[string]any
	Usage            *Usage
}

// Apply copies the patch's set fields onto step.
func (p StepPatch) Apply(step *WorkflowRunStep) {
	if p.Status != nil {
		step.Status = *p.Status
	}
	if p.EndedAt != nil {
		step.EndedAt = p.EndedAt
	}
	if p.ResponseID != nil {
		step.ResponseID = *p.ResponseID
	}
	if p.ResponseText != nil {
		step.ResponseText = *p.ResponseText
	}
	if p.StructuredOutput != nil {
		step.StructuredOutput = p.StructuredOutput
	}
	if p.RawPayload != nil {
		step.RawPayload = p.RawPayload
	}
	if p.Usage != nil {
		step.InputTokens = p.Usage.InputTokens
		step.OutputTokens = p.Usage.OutputTokens
		step.TotalTokens = p.Usage.TotalTokens
		step.CachedTokens = p.Usage.CachedTokens
	}
}

// RunListOptions controls how runs are listed. Zero values mean "no filter"
// for that field. Soft-deleted runs are excluded unless IncludeDeleted is
// set.
type RunListOptions struct {
	WorkflowKey    string
	Status         Status
	TenantID       string
	IncludeDeleted bool
}
