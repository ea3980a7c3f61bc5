package stagerun

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stagerun/stagerun/internal/engine"
	"github.com/stagerun/stagerun/internal/persistence"
	"github.com/stagerun/stagerun/pkg/api"
	"github.com/stagerun/stagerun/pkg/hooks"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowSpec         = api.WorkflowSpec
	Stage                = api.Stage
	Step                 = api.Step
	StageMode            = api.StageMode
	WorkflowRun          = api.WorkflowRun
	WorkflowRunStep      = api.WorkflowRunStep
	WorkflowRunResult    = api.WorkflowRunResult
	StepResult           = api.StepResult
	StepResponse         = api.StepResponse
	RawAgentResult       = api.RawAgentResult
	AgentInvoker         = api.AgentInvoker
	InvokerFunc          = api.InvokerFunc
	InvokeContext        = api.InvokeContext
	RunOptions           = api.RunOptions
	RunListOptions       = api.RunListOptions
	Actor                = api.Actor
	Usage                = api.Usage
	Attachment           = api.Attachment
	ToolOutput           = api.ToolOutput
	Status               = api.Status
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	AuditEvent           = api.AuditEvent
	Registry             = hooks.Registry
	GuardFunc            = hooks.GuardFunc
	MapperFunc           = hooks.MapperFunc
	ReducerFunc          = hooks.ReducerFunc
)

// Re-export common constructors and helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewRegistry          = hooks.NewRegistry
	AggregateUsage       = api.AggregateUsage
)

// Re-export status and mode values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusSucceeded = api.StatusSucceeded
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	StageSequential = api.StageSequential
	StageParallel   = api.StageParallel
)

// Option tweaks an engine constructor. The constructors below cover the
// persistence choice; observers and hook registries are attached here.
type Option func(*engine.Config)

// WithObserver attaches an Observer to the engine.
func WithObserver(obs Observer) Option {
	return func(cfg *engine.Config) { cfg.Observer = obs }
}

// WithHooks attaches a hook registry to the engine. Specs that reference
// named guards, mappers or reducers need one.
func WithHooks(reg *Registry) Option {
	return func(cfg *engine.Config) { cfg.Hooks = reg }
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by an in-memory store.
func NewInMemoryEngine(opts ...Option) Engine {
	cfg := engine.Config{Store: persistence.NewInMemoryStore()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg)
}

// NewSQLiteEngine returns an Engine that persists runs and steps in a
// SQLite database. The schema is created on first use.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	cfg := engine.Config{Store: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg), nil
}

// NewPostgresEngine returns an Engine that persists runs and steps in
// PostgreSQL through the given pool. The schema is created on first use.
func NewPostgresEngine(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (Engine, error) {
	store, err := persistence.NewPostgresRunStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	cfg := engine.Config{Store: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg), nil
}

// NewRedisEngine returns an Engine that persists runs and steps in Redis.
func NewRedisEngine(client *redis.Client, opts ...Option) Engine {
	cfg := engine.Config{Store: persistence.NewRedisRunStore(client, "")}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg)
}

// Convenience helpers that just forward to the underlying Engine.

// Run executes a workflow spec synchronously against input.
func Run(ctx context.Context, eng Engine, spec WorkflowSpec, input any, invoker AgentInvoker, opts RunOptions) (*WorkflowRunResult, error) {
	return eng.RunWorkflow(ctx, spec, input, invoker, opts)
}

// GetRunWithSteps fetches a run and its ordered step trail by ID.
func GetRunWithSteps(ctx context.Context, eng Engine, runID string) (*WorkflowRun, []*WorkflowRunStep, error) {
	return eng.GetRunWithSteps(ctx, runID)
}

// ListRuns lists workflow runs according to the given options.
func ListRuns(ctx context.Context, eng Engine, opts RunListOptions) ([]*WorkflowRun, error) {
	return eng.ListRuns(ctx, opts)
}

// RecoverStuckRuns delegates to eng.RecoverStuckRuns.
//
// It is typically called once on process startup:
//
//	count, err := stagerun.RecoverStuckRuns(ctx, engine)
func RecoverStuckRuns(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckRuns(ctx)
}
