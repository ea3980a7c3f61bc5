package api

import "testing"

func TestAggregateUsage(t *testing.T) {
	steps := []StepResult{
		{StepName: "a", Response: StepResponse{Usage: &Usage{InputTokens: 1, OutputTokens: 2}}},
		{StepName: "b", Response: StepResponse{}}, // no usage reported
		{StepName: "c", Response: StepResponse{Usage: &Usage{InputTokens: 4, TotalTokens: 5, CachedTokens: 2}}},
	}

	got := AggregateUsage(steps)
	if got == nil {
		t.Fatal("expected aggregate usage, got nil")
	}
	// Step a reports no total, so it contributes 1+2=3 to the aggregate
	// total alongside step c's explicit 5.
	want := Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 8, CachedTokens: 2}
	if *got != want {
		t.Errorf("expected %+v, got %+v", want, *got)
	}
}

func TestAggregateUsageBackfillsMissingTotals(t *testing.T) {
	steps := []StepResult{
		{StepName: "a", Response: StepResponse{Usage: &Usage{InputTokens: 10, OutputTokens: 4}}},
		{StepName: "b", Response: StepResponse{Usage: &Usage{InputTokens: 3, OutputTokens: 1}}},
	}

	got := AggregateUsage(steps)
	if got == nil {
		t.Fatal("expected aggregate usage, got nil")
	}
	if got.TotalTokens != 18 {
		t.Errorf("expected totals backfilled from input+output, got %d", got.TotalTokens)
	}
}

func TestAggregateUsageNilWhenUnreported(t *testing.T) {
	steps := []StepResult{
		{StepName: "a"},
		{StepName: "b"},
	}
	if got := AggregateUsage(steps); got != nil {
		t.Errorf("expected nil aggregate when no step reported usage, got %+v", *got)
	}
}

func TestChosenOutputPriority(t *testing.T) {
	structured := map[string]any{"k": "v"}

	cases := []struct {
		name string
		resp StepResponse
		want any
	}{
		{"structured wins", StepResponse{StructuredOutput: structured, ResponseText: "text", FinalOutput: 42}, structured},
		{"text over final", StepResponse{ResponseText: "text", FinalOutput: 42}, "text"},
		{"final output fallback", StepResponse{FinalOutput: 42}, 42},
		{"all empty", StepResponse{}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.resp.ChosenOutput()
			switch want := tc.want.(type) {
			case map[string]any:
				m, ok := got.(map[string]any)
				if !ok || len(m) != len(want) {
					t.Errorf("expected structured output, got %v", got)
				}
			default:
				if got != tc.want {
					t.Errorf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}
