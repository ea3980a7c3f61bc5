package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/stagerun/stagerun/pkg/api"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteRunStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore initializes the required schema in the given database
// and returns a new SQLiteRunStore.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_key TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			final_output_text TEXT NOT NULL DEFAULT '',
			final_output_structured BLOB,
			trace_id TEXT NOT NULL DEFAULT '',
			request_message TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			metadata BLOB,
			deleted_at TIMESTAMP,
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
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			response_id TEXT NOT NULL DEFAULT '',
			response_text TEXT NOT NULL DEFAULT '',
			structured_output BLOB,
			raw_payload BLOB,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cached_tokens INTEGER NOT NULL DEFAULT 0,
			stage_name TEXT NOT NULL DEFAULT '',
			parallel_group TEXT NOT NULL DEFAULT '',
			branch_index INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_run_steps_run
			ON workflow_run_steps (workflow_run_id, sequence_no);`,
	)
	return err
}

func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *api.WorkflowRun) error {
	structured, err := encodeMap(run.FinalOutputStructured)
	if err != nil {
		return err
	}
	metadata, err := encodeMap(run.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			id, workflow_key, tenant_id, user_id, status, started_at, ended_at,
			final_output_text, final_output_structured, trace_id,
			request_message, conversation_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.WorkflowKey,
		run.TenantID,
		run.UserID,
		string(run.Status),
		run.StartedAt,
		run.EndedAt,
		run.FinalOutputText,
		structured,
		run.TraceID,
		run.RequestMessage,
		run.ConversationID,
		metadata,
	)
	return err
}

func (s *SQLiteRunStore) UpdateRun(ctx context.Context, id string, patch api.RunPatch) error {
	var sets []string
	var args []any

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *patch.EndedAt)
	}
	if patch.FinalOutputText != nil {
		sets = append(sets, "final_output_text = ?")
		args = append(args, *patch.FinalOutputText)
	}
	if patch.FinalOutputStructured != nil {
		structured, err := encodeMap(patch.FinalOutputStructured)
		if err != nil {
			return err
		}
		sets = append(sets, "final_output_structured = ?")
		args = append(args, structured)
	}
	if patch.Metadata != nil {
		metadata, err := encodeMap(patch.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrRunNotFound
	}
	return nil
}

func (s *SQLiteRunStore) CreateStep(ctx context.Context, step *api.WorkflowRunStep) error {
	structured, err := encodeMap(step.StructuredOutput)
	if err != nil {
		return err
	}
	rawPayload, err := encodeMap(step.RawPayload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_run_steps (
			id, workflow_run_id, sequence_no, step_name, step_agent, status,
			started_at, ended_at, response_id, response_text,
			structured_output, raw_payload,
			input_tokens, output_tokens, total_tokens, cached_tokens,
			stage_name, parallel_group, branch_index
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID,
		step.WorkflowRunID,
		step.SequenceNo,
		step.StepName,
		step.StepAgent,
		string(step.Status),
		step.StartedAt,
		step.EndedAt,
		step.ResponseID,
		step.ResponseText,
		structured,
		rawPayload,
		step.InputTokens,
		step.OutputTokens,
		step.TotalTokens,
		step.CachedTokens,
		step.StageName,
		step.ParallelGroup,
		step.BranchIndex,
	)
	return err
}

func (s *SQLiteRunStore) UpdateStep(ctx context.Context, id string, patch api.StepPatch) error {
	var sets []string
	var args []any

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *patch.EndedAt)
	}
	if patch.ResponseID != nil {
		sets = append(sets, "response_id = ?")
		args = append(args, *patch.ResponseID)
	}
	if patch.ResponseText != nil {
		sets = append(sets, "response_text = ?")
		args = append(args, *patch.ResponseText)
	}
	if patch.StructuredOutput != nil {
		structured, err := encodeMap(patch.StructuredOutput)
		if err != nil {
			return err
		}
		sets = append(sets, "structured_output = ?")
		args = append(args, structured)
	}
	if patch.RawPayload != nil {
		rawPayload, err := encodeMap(patch.RawPayload)
		if err != nil {
			return err
		}
		sets = append(sets, "raw_payload = ?")
		args = append(args, rawPayload)
	}
	if patch.Usage != nil {
		sets = append(sets,
			"input_tokens = ?", "output_tokens = ?", "total_tokens = ?", "cached_tokens = ?")
		args = append(args,
			patch.Usage.InputTokens, patch.Usage.OutputTokens,
			patch.Usage.TotalTokens, patch.Usage.CachedTokens)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_run_steps SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrStepNotFound
	}
	return nil
}

func (s *SQLiteRunStore) GetRunWithSteps(ctx context.Context, id string) (*api.WorkflowRun, []*api.WorkflowRunStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_key, tenant_id, user_id, status, started_at, ended_at,
		       final_output_text, final_output_structured, trace_id,
		       request_message, conversation_id, metadata,
		       deleted_at, deleted_by, deleted_reason
		FROM workflow_runs
		WHERE id = ?`,
		id,
	)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, api.ErrRunNotFound
		}
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_run_id, sequence_no, step_name, step_agent, status,
		       started_at, ended_at, response_id, response_text,
		       structured_output, raw_payload,
		       input_tokens, output_tokens, total_tokens, cached_tokens,
		       stage_name, parallel_group, branch_index
		FROM workflow_run_steps
		WHERE workflow_run_id = ?
		ORDER BY sequence_no`,
		id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var steps []*api.WorkflowRunStep
	for rows.Next() {
		step, err := scanStep(rows)
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

func (s *SQLiteRunStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error) {
	query := `
		SELECT id, workflow_key, tenant_id, user_id, status, started_at, ended_at,
		       final_output_text, final_output_structured, trace_id,
		       request_message, conversation_id, metadata,
		       deleted_at, deleted_by, deleted_reason
		FROM workflow_runs`
	var args []any
	var clauses []string

	if opts.WorkflowKey != "" {
		clauses = append(clauses, "workflow_key = ?")
		args = append(args, opts.WorkflowKey)
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, opts.TenantID)
	}
	if !opts.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query = query + " ORDER BY started_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
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

func (s *SQLiteRunStore) SoftDeleteRun(ctx context.Context, id, deletedBy, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET deleted_at = ?, deleted_by = ?, deleted_reason = ?
		WHERE id = ?`,
		time.Now().UTC(), deletedBy, reason, id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrRunNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*api.WorkflowRun, error) {
	var run api.WorkflowRun
	var statusStr string
	var endedAt, deletedAt sql.NullTime
	var structured, metadata []byte

	if err := sc.Scan(
		&run.ID, &run.WorkflowKey, &run.TenantID, &run.UserID,
		&statusStr, &run.StartedAt, &endedAt,
		&run.FinalOutputText, &structured, &run.TraceID,
		&run.RequestMessage, &run.ConversationID, &metadata,
		&deletedAt, &run.DeletedBy, &run.DeletedReason,
	); err != nil {
		return nil, err
	}

	run.Status = api.Status(statusStr)
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		run.DeletedAt = &t
	}

	var err error
	if run.FinalOutputStructured, err = decodeMap(structured); err != nil {
		return nil, err
	}
	if run.Metadata, err = decodeMap(metadata); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanStep(sc scanner) (*api.WorkflowRunStep, error) {
	var step api.WorkflowRunStep
	var statusStr string
	var endedAt sql.NullTime
	var structured, rawPayload []byte

	if err := sc.Scan(
		&step.ID, &step.WorkflowRunID, &step.SequenceNo,
		&step.StepName, &step.StepAgent, &statusStr,
		&step.StartedAt, &endedAt, &step.ResponseID, &step.ResponseText,
		&structured, &rawPayload,
		&step.InputTokens, &step.OutputTokens, &step.TotalTokens, &step.CachedTokens,
		&step.StageName, &step.ParallelGroup, &step.BranchIndex,
	); err != nil {
		return nil, err
	}

	step.Status = api.Status(statusStr)
	if endedAt.Valid {
		t := endedAt.Time
		step.EndedAt = &t
	}

	var err error
	if step.StructuredOutput, err = decodeMap(structured); err != nil {
		return nil, err
	}
	if step.RawPayload, err = decodeMap(rawPayload); err != nil {
		return nil, err
	}
	return &step, nil
}
