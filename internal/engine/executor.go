package engine

import (
	"context"
	"fmt"

	"github.com/stagerun/stagerun/internal/schema"
	"github.com/stagerun/stagerun/pkg/api"
)

// runtimeContextKey is the reserved metadata key agent runtimes use for
// their internal context object; it never survives normalization.
const runtimeContextKey = "runtime_context"

// executeStep invokes the external per-agent capability for one step,
// normalizes the raw result and validates the chosen output against the
// step's declared schema. The invocation is treated as atomic; invocation
// errors propagate unchanged and nothing is retried.
func executeStep(ctx context.Context, step api.Step, input any, invoker api.AgentInvoker, ic api.InvokeContext) (any, *api.StepResponse, error) {
	raw, err := invoker.Invoke(ctx, step.AgentKey, input, ic)
	if err != nil {
		return nil, nil, err
	}

	resp := normalizeResult(raw, ic.Metadata)
	chosen := resp.ChosenOutput()

	if step.OutputSchema != nil && chosen != nil {
		if err := schema.Validate(step.Name, step.OutputSchema, chosen); err != nil {
			return nil, resp, err
		}
	}
	return chosen, resp, nil
}

// normalizeResult maps a RawAgentResult onto the canonical StepResponse.
// ResponseText falls back to the stringified final output, and metadata is
// merged from the caller-supplied run metadata plus whatever the invocation
// returned, minus the reserved runtime-context entry.
func normalizeResult(raw *api.RawAgentResult, callerMeta map[string]any) *api.StepResponse {
	if raw == nil {
		raw = &api.RawAgentResult{}
	}

	resp := &api.StepResponse{
		FinalOutput:      raw.FinalOutput,
		ResponseText:     raw.ResponseText,
		StructuredOutput: raw.StructuredOutput,
		ResponseID:       raw.ResponseID,
		Usage:            raw.Usage,
		ToolOutputs:      raw.ToolOutputs,
		Attachments:      raw.Attachments,
	}

	if resp.ResponseText == "" && raw.FinalOutput != nil {
		if s, ok := raw.FinalOutput.(string); ok {
			resp.ResponseText = s
		} else {
			resp.ResponseText = fmt.Sprint(raw.FinalOutput)
		}
	}

	if callerMeta != nil || raw.Metadata != nil {
		merged := make(map[string]any, len(callerMeta)+len(raw.Metadata))
		for k, v := range callerMeta {
			merged[k] = v
		}
		for k, v := range raw.Metadata {
			if k == runtimeContextKey {
				continue
			}
			merged[k] = v
		}
		resp.Metadata = merged
	}

	return resp
}
