package engine

import (
	"testing"

	"github.com/stagerun/stagerun/pkg/api"
)

func TestNormalizeResultTextFallback(t *testing.T) {
	resp := normalizeResult(&api.RawAgentResult{FinalOutput: 42}, nil)
	if resp.ResponseText != "42" {
		t.Errorf("expected stringified final output, got %q", resp.ResponseText)
	}

	resp = normalizeResult(&api.RawAgentResult{FinalOutput: "plain"}, nil)
	if resp.ResponseText != "plain" {
		t.Errorf("expected string final output reused, got %q", resp.ResponseText)
	}

	resp = normalizeResult(&api.RawAgentResult{FinalOutput: 42, ResponseText: "explicit"}, nil)
	if resp.ResponseText != "explicit" {
		t.Errorf("explicit response text must win, got %q", resp.ResponseText)
	}
}

func TestNormalizeResultNilRaw(t *testing.T) {
	resp := normalizeResult(nil, nil)
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
	if resp.ResponseText != "" || resp.FinalOutput != nil || resp.Metadata != nil {
		t.Errorf("expected empty response, got %+v", resp)
	}
}

func TestNormalizeResultMetadataMerge(t *testing.T) {
	caller := map[string]any{"source": "svc", "model": "caller-model"}
	raw := &api.RawAgentResult{
		Metadata: map[string]any{
			"model":           "agent-model",
			"runtime_context": struct{}{},
		},
	}

	resp := normalizeResult(raw, caller)
	if resp.Metadata["source"] != "svc" {
		t.Error("caller metadata missing")
	}
	if resp.Metadata["model"] != "agent-model" {
		t.Error("agent metadata should win on key collision")
	}
	if _, ok := resp.Metadata["runtime_context"]; ok {
		t.Error("reserved key must be dropped")
	}
	if _, ok := caller["runtime_context"]; ok {
		t.Error("caller map must not be mutated")
	}
}

func TestNormalizeResultNoMetadata(t *testing.T) {
	resp := normalizeResult(&api.RawAgentResult{FinalOutput: "x"}, nil)
	if resp.Metadata != nil {
		t.Errorf("expected nil metadata, got %v", resp.Metadata)
	}
}
