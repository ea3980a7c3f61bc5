package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stagerun/stagerun/pkg/api"
)

// PostgresRunStore is a RunStore backed by PostgreSQL via pgx.
type PostgresRunStore struct {
	db *pgxpool.Pool
}

var _ RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore initializes the required schema in the given pool and
// returns a new PostgresRunStore.
func NewPostgresRunStore(ctx context.Context, db *pgxpool.Pool) (*PostgresRunStore, error) {
	s := &PostgresRunStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRunStore) initSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_key TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			final_output_text TEXT NOT NULL DEFAULT '',
			final_output_structured JSONB,
			trace_id TEXT NOT NULL DEFAULT '',
			request_message TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			deleted_at TIMESTAMPTZ,
			deleted_by TEXT NOT NULL DEFAULT '',
			deleted_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS workflow_run_steps (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			sequence_no INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			step_agent TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			response_id TEXT NOT NULL DEFAULT '',
			response_text TEXT NOT NULL DEFAULT '',
			structured_output JSONB,
			raw_payload JSONB,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			cached_tokens BIGINT NOT NULL DEFAULT 0,
			stage_name TEXT NOT NULL DEFAULT '',
			parallel_group TEXT NOT NULL DEFAULT '',
			branch_index INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_run_steps_run
			ON workflow_run_steps (workflow_run_id, sequence_no);`,
	)
	return err
}

func (s *PostgresRunStore) CreateRun(ctx context.Context, run *api.WorkflowRun) error {
	structured, err := encodeMap(run.FinalOutputStructured)
	if err != nil {
		return err
	}
	metadata, err := encodeMap(run.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (
			id, workflow_key, tenant_id, user_id, status, started_at, ended_at,
			final_output_text, final_output_structured, trace_id,
			request_message, conversation_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.WorkflowKey, run.TenantID, run.UserID,
		string(run.Status), run.StartedAt, run.EndedAt,
		run.FinalOutputText, structured, run.TraceID,
		run.RequestMessage, run.ConversationID, metadata,
	)
	return err
}

func (s *PostgresRunStore) UpdateRun(ctx context.Context, id string, patch api.RunPatch) error {
	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = "+arg(*patch.EndedAt))
	}
	if patch.FinalOutputText != nil {
		sets = append(sets, "final_output_text = "+arg(*patch.FinalOutputText))
	}
	if patch.FinalOutputStructured != nil {
		structured, err := encodeMap(patch.FinalOutputStructured)
		if err != nil {
			return err
		}
		sets = append(sets, "final_output_structured = "+arg(structured))
	}
	if patch.Metadata != nil {
		metadata, err := encodeMap(patch.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = "+arg(metadata))
	}
	if len(sets) == 0 {
		return nil
	}

	tag, err := s.db.Exec(ctx,
		"UPDATE workflow_runs SET "+strings.Join(sets, ", ")+" WHERE id = "+arg(id),
		args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return api.ErrRunNotFound
	}
	return nil
}

func (s *PostgresRunStore) CreateStep(ctx context.Context, step *api.WorkflowRunStep) error {
	structured, err := encodeMap(step.StructuredOutput)
	if err != nil {
		return err
	}
	rawPayload, err := encodeMap(step.RawPayload)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_run_steps (
			id, workflow_run_id, sequence_no, step_name, step_agent, status,
			started_at, ended_at, response_id, response_text,
			structured_output, raw_payload,
			input_tokens, output_tokens, total_tokens, cached_tokens,
			stage_name, parallel_group, branch_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		          $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		step.ID, step.WorkflowRunID, step.SequenceNo,
		step.StepName, step.StepAgent, string(step.Status),
		step.StartedAt, step.EndedAt, step.ResponseID, step.ResponseText,
		structured, rawPayload,
		step.InputTokens, step.OutputTokens, step.TotalTokens, step.CachedTokens,
		step.StageName, step.ParallelGroup, step.BranchIndex,
	)
	return err
}

func (s *PostgresRunStore) UpdateStep(ctx context.Context, id string, patch api.StepPatch) error {
	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = "+arg(*patch.EndedAt))
	}
	if patch.ResponseID != nil {
		sets = append(sets, "response_id = "+arg(*patch.ResponseID))
	}
	if patch.ResponseText != nil {
		sets = append(sets, "response_text = "+arg(*patch.ResponseText))
	}
	if patch.StructuredOutput != nil {
		structured, err := encodeMap(patch.StructuredOutput)
		if err != nil {
			return err
		}
		sets = append(sets, "structured_output = "+arg(structured))
	}
	if patch.RawPayload != nil {
		rawPayload, err := encodeMap(patch.RawPayload)
		if err != nil {
			return err
		}
		sets = append(sets, "raw_payload = "+arg(rawPayload))
	}
	if patch.Usage != nil {
		sets = append(sets,
			"input_tokens = "+arg(patch.Usage.InputTokens),
			"output_tokens = "+arg(patch.Usage.OutputTokens),
			"total_tokens = "+arg(patch.Usage.TotalTokens),
			"cached_tokens = "+arg(patch.Usage.CachedTokens))
	}
	if len(sets) == 0 {
		return nil
	}

	tag, err := s.db.Exec(ctx,
		"UPDATE workflow_run_steps SET "+strings.Join(sets, ", ")+" WHERE id = "+arg(id),
		args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return api.ErrStepNotFound
	}
	return nil
}

func (s *PostgresRunStore) GetRunWithSteps(ctx context.Context, id string) (*api.WorkflowRun, []*api.WorkflowRunStep, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, workflow_key, tenant_id, user_id, status, started_at, ended_at,
		       final_output_text, final_output_structured, trace_id,
		       request_message, conversation_id, metadata,
		       deleted_at, deleted_by, deleted_reason
		FROM workflow_runs
		WHERE id = $1`,
		id,
	)

	run, err := scanPgRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, api.ErrRunNotFound
		}
		return nil, nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_run_id, sequence_no, step_name, step_agent, status,
		       started_at, ended_at, response_id, response_text,
		       structured_output, raw_payload,
		       input_tokens, output_tokens, total_tokens, cached_tokens,
		       stage_name, parallel_group, branch_index
		FROM workflow_run_steps
		WHERE workflow_run_id = $1
		ORDER BY sequence_no`,
		id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var steps []*api.WorkflowRunStep
	for rows.Next() {
		step, err := scanPgStep(rows)
		if err != nil {
			return nil, nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return run, steps, nil
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error) {
	query := `
		SELECT id, workflow_key, tenant_id, user_id, status, started_at, ended_at,
		       final_output_text, final_output_structured, trace_id,
		       request_message, conversation_id, metadata,
		       deleted_at, deleted_by, deleted_reason
		FROM workflow_runs`
	var args []any
	var clauses []string
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.WorkflowKey != "" {
		clauses = append(clauses, "workflow_key = "+arg(opts.WorkflowKey))
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = "+arg(string(opts.Status)))
	}
	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = "+arg(opts.TenantID))
	}
	if !opts.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query = query + " ORDER BY started_at"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.WorkflowRun
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *PostgresRunStore) SoftDeleteRun(ctx context.Context, id, deletedBy, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_runs
		SET deleted_at = $1, deleted_by = $2, deleted_reason = $3
		WHERE id = $4`,
		time.Now().UTC(), deletedBy, reason, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return api.ErrRunNotFound
	}
	return nil
}

func scanPgRun(sc scanner) (*api.WorkflowRun, error) {
	var run api.WorkflowRun
	var statusStr string
	var structured, metadata []byte

	if err := sc.Scan(
		&run.ID, &run.WorkflowKey, &run.TenantID, &run.UserID,
		&statusStr, &run.StartedAt, &run.EndedAt,
		&run.FinalOutputText, &structured, &run.TraceID,
		&run.RequestMessage, &run.ConversationID, &metadata,
		&run.DeletedAt, &run.DeletedBy, &run.DeletedReason,
	); err != nil {
		return nil, err
	}

	run.Status = api.Status(statusStr)

	var err error
	if run.FinalOutputStructured, err = decodeMap(structured); err != nil {
		return nil, err
	}
	if run.Metadata, err = decodeMap(metadata); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanPgStep(sc scanner) (*api.WorkflowRunStep, error) {
	var step api.WorkflowRunStep
	var statusStr string
	var structured, rawPayload []byte

	if err := sc.Scan(
		&step.ID, &step.WorkflowRunID, &step.SequenceNo,
		&step.StepName, &step.StepAgent, &statusStr,
		&step.StartedAt, &step.EndedAt, &step.ResponseID, &step.ResponseText,
		&structured, &rawPayload,
		&step.InputTokens, &step.OutputTokens, &step.TotalTokens, &step.CachedTokens,
		&step.StageName, &step.ParallelGroup, &step.BranchIndex,
	); err != nil {
		return nil, err
	}

	step.Status = api.Status(statusStr)

	var err error
	if step.StructuredOutput, err = decodeMap(structured); err != nil {
		return nil, err
	}
	if step.RawPayload, err = decodeMap(rawPayload); err != nil {
		return nil, err
	}
	return &step, nil
}
