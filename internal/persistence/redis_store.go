package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stagerun/stagerun/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis. It uses a simple key
// structure:
//
//	<prefix>run:<id>              => JSON-encoded run
//	<prefix>step:<id>             => JSON-encoded step
//	<prefix>runsteps:<runID>      => LIST of step IDs in insertion order
//	<prefix>idx:all               => SET of all run IDs
//	<prefix>idx:wf:<workflow>     => SET of run IDs for a given workflow
//	<prefix>idx:status:<status>   => SET of run IDs for a given status
//
// The indexes are best-effort; they are always updated on create/update and
// ListRuns filters the fetched candidates in memory.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

// NewRedisRunStore creates a RedisRunStore.
// prefix is optional but recommended (e.g. "stagerun:").
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "stagerun:"
	}
	return &RedisRunStore{client: client, prefix: prefix}
}

func (s *RedisRunStore) keyRun(id string) string      { return s.prefix + "run:" + id }
func (s *RedisRunStore) keyStep(id string) string     { return s.prefix + "step:" + id }
func (s *RedisRunStore) keyRunSteps(id string) string { return s.prefix + "runsteps:" + id }
func (s *RedisRunStore) keyAll() string               { return s.prefix + "idx:all" }
func (s *RedisRunStore) keyWorkflow(wf string) string { return s.prefix + "idx:wf:" + wf }
func (s *RedisRunStore) keyStatus(st api.Status) string {
	return s.prefix + "idx:status:" + string(st)
}

func (s *RedisRunStore) CreateRun(ctx context.Context, run *api.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyRun(run.ID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), run.ID)
	pipe.SAdd(ctx, s.keyWorkflow(run.WorkflowKey), run.ID)
	pipe.SAdd(ctx, s.keyStatus(run.Status), run.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) getRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	var run api.WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *RedisRunStore) saveRun(ctx context.Context, run *api.WorkflowRun, prevStatus api.Status) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyRun(run.ID), data, 0)
	if prevStatus != run.Status {
		pipe.SRem(ctx, s.keyStatus(prevStatus), run.ID)
		pipe.SAdd(ctx, s.keyStatus(run.Status), run.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) UpdateRun(ctx context.Context, id string, patch api.RunPatch) error {
	run, err := s.getRun(ctx, id)
	if err != nil {
		return err
	}
	prev := run.Status
	patch.Apply(run)
	return s.saveRun(ctx, run, prev)
}

func (s *RedisRunStore) CreateStep(ctx context.Context, step *api.WorkflowRunStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyStep(step.ID), data, 0)
	pipe.RPush(ctx, s.keyRunSteps(step.WorkflowRunID), step.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) UpdateStep(ctx context.Context, id string, patch api.StepPatch) error {
	data, err := s.client.Get(ctx, s.keyStep(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.ErrStepNotFound
	}
	if err != nil {
		return err
	}
	var step api.WorkflowRunStep
	if err := json.Unmarshal(data, &step); err != nil {
		return err
	}

	patch.Apply(&step)
	out, err := json.Marshal(&step)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyStep(id), out, 0).Err()
}

func (s *RedisRunStore) GetRunWithSteps(ctx context.Context, id string) (*api.WorkflowRun, []*api.WorkflowRunStep, error) {
	run, err := s.getRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	stepIDs, err := s.client.LRange(ctx, s.keyRunSteps(id), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	steps := make([]*api.WorkflowRunStep, 0, len(stepIDs))
	for _, stepID := range stepIDs {
		data, err := s.client.Get(ctx, s.keyStep(stepID)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		var step api.WorkflowRunStep
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, nil, err
		}
		steps = append(steps, &step)
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].SequenceNo < steps[j].SequenceNo
	})

	return run, steps, nil
}

func (s *RedisRunStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error) {
	// Narrow the candidate set with the most selective index available.
	indexKey := s.keyAll()
	if opts.WorkflowKey != "" {
		indexKey = s.keyWorkflow(opts.WorkflowKey)
	} else if opts.Status != "" {
		indexKey = s.keyStatus(opts.Status)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var runs []*api.WorkflowRun
	for _, id := range ids {
		run, err := s.getRun(ctx, id)
		if errors.Is(err, api.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
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
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

func (s *RedisRunStore) SoftDeleteRun(ctx context.Context, id, deletedBy, reason string) error {
	run, err := s.getRun(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	run.DeletedAt = &now
	run.DeletedBy = deletedBy
	run.DeletedReason = reason
	return s.saveRun(ctx, run, run.Status)
}
