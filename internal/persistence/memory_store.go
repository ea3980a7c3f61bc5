package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stagerun/stagerun/pkg/api"
)

// InMemoryStore is a goroutine-safe RunStore backed by maps. It is the
// default backend for tests and single-process embedding.
type InMemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*api.WorkflowRun
	steps map[string]*api.WorkflowRunStep

	// stepsByRun preserves insertion order per run.
	stepsByRun map[string][]string
}

var _ RunStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:       make(map[string]*api.WorkflowRun),
		steps:      make(map[string]*api.WorkflowRunStep),
		stepsByRun: make(map[string][]string),
	}
}

func (s *InMemoryStore) CreateRun(ctx context.Context, run *api.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, id string, patch api.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return api.ErrRunNotFound
	}
	patch.Apply(run)
	return nil
}

func (s *InMemoryStore) CreateStep(ctx context.Context, step *api.WorkflowRunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *step
	s.steps[step.ID] = &cp
	s.stepsByRun[step.WorkflowRunID] = append(s.stepsByRun[step.WorkflowRunID], step.ID)
	return nil
}

func (s *InMemoryStore) UpdateStep(ctx context.Context, id string, patch api.StepPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return api.ErrStepNotFound
	}
	patch.Apply(step)
	return nil
}

func (s *InMemoryStore) GetRunWithSteps(ctx context.Context, id string) (*api.WorkflowRun, []*api.WorkflowRunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, nil, api.ErrRunNotFound
	}

	runCopy := *run
	steps := make([]*api.WorkflowRunStep, 0, len(s.stepsByRun[id]))
	for _, stepID := range s.stepsByRun[id] {
		if step, ok := s.steps[stepID]; ok {
			cp := *step
			steps = append(steps, &cp)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].SequenceNo < steps[j].SequenceNo
	})

	return &runCopy, steps, nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowRun
	for _, run := range s.runs {
		if opts.WorkflowKey != "" && run.WorkflowKey != opts.WorkflowKey {
			continue
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		if opts.TenantID != "" && run.TenantID != opts.TenantID {
			continue
		}
		if !opts.IncludeDeleted && run.DeletedAt != nil {
			continue
		}
		cp := *run
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (s *InMemoryStore) SoftDeleteRun(ctx context.Context, id, deletedBy, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return api.ErrRunNotFound
	}
	now := time.Now().UTC()
	run.DeletedAt = &now
	run.DeletedBy = deletedBy
	run.DeletedReason = reason
	return nil
}
