package api

import "time"

// Usage holds token counters for one agent invocation or an aggregate
// across a run. Absent counters are zero, not "unknown".
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	TotalTokens  int64 `json:"total_tokens,omitempty"`
	CachedTokens int64 `json:"cached_tokens,omitempty"`
}

// Add sums other into u field by field.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CachedTokens += other.CachedTokens
}

// AggregateUsage sums the usage of every step that reported one, each
// counter independently. A step that reports input/output counters but no
// total still contributes input+output to the aggregate total. It returns
// nil when no step carried usage.
func AggregateUsage(steps []StepResult) *Usage {
	var total *Usage
	for _, s := range steps {
		if s.Response.Usage == nil {
			continue
		}
		if total == nil {
			total = &Usage{}
		}
		u := *s.Response.Usage
		if u.TotalTokens == 0 {
			u.TotalTokens = u.InputTokens + u.OutputTokens
		}
		total.Add(u)
	}
	return total
}

// Attachment is a file or artifact produced by an agent invocation.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URI         string `json:"uri,omitempty"`
}

// ToolOutput is the result of one tool call made inside an agent invocation.
type ToolOutput struct {
	Name   string `json:"name"`
	Output any    `json:"output,omitempty"`
}

// RawAgentResult is the fixed shape every AgentInvoker returns. The engine
// never probes beyond these fields.
type RawAgentResult struct {
	FinalOutput      any
	ResponseText     string
	StructuredOutput map[string]any
	ResponseID       string
	Usage            *Usage
	Metadata         map[string]any
	ToolOutputs      []ToolOutput
	Attachments      []Attachment
}

// StepResponse is the canonical, normalized form of a RawAgentResult.
// Exactly one is produced per successful step execution.
type StepResponse struct {
	FinalOutput      any
	ResponseText     string
	StructuredOutput map[string]any
	ResponseID       string
	Usage            *Usage
	Metadata         map[string]any
	ToolOutputs      []ToolOutput
	Attachments      []Attachment
}

// ChosenOutput selects the value a step contributes to the workflow:
// structured output when present, else response text, else the final output.
func (r StepResponse) ChosenOutput() any {
	if r.StructuredOutput != nil {
		return r.StructuredOutput
	}
	if r.ResponseText != "" {
		return r.ResponseText
	}
	return r.FinalOutput
}

// StepResult is the in-memory outcome of one executed step. It lives for
// the duration of one run and is never shared across runs.
type StepResult struct {
	StepName string
	AgentKey string

	// StageName, ParallelGroup and BranchIndex reconstruct the fan-out
	// topology for steps executed inside a parallel stage.
	StageName     string
	ParallelGroup string
	BranchIndex   int

	// Output is the step's chosen output (see StepResponse.ChosenOutput).
	Output any

	Response StepResponse

	StartedAt time.Time
	EndedAt   time.Time
}

// WorkflowRunResult is returned to the caller after a successful run: the
// full ordered list of step outcomes plus the final combined output.
type WorkflowRunResult struct {
	RunID       string
	WorkflowKey string
	Status      Status

	Steps []StepResult

	// FinalOutput is the combined output of the last stage.
	FinalOutput any

	// FinalOutputText and FinalOutputStructured mirror what was persisted
	// on the run record; structured is preferred when the final output is
	// a JSON object.
	FinalOutputText       string
	FinalOutputStructured map[string]any

	// OutputSchema, when set, is the declared schema of the final step so
	// clients can re-validate on their side.
	OutputSchema map[string]any

	// Usage is the field-wise sum of every usage-bearing step, nil when no
	// step reported usage.
	Usage *Usage

	// Attachments collects every attachment produced across all steps, in
	// step order.
	Attachments []Attachment
}
