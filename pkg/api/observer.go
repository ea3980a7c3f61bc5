package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// AuditEvent is the activity record emitted once per finished run.
//
// Result is the externally-visible outcome and is normalized: a cancelled
// run reports "ok" because downstream audit consumers care whether the
// system is healthy, not whether a particular run was deliberately stopped.
// Status keeps the precise persisted value for operators.
type AuditEvent struct {
	RunID       string
	WorkflowKey string
	TenantID    string
	UserID      string

	Status Status
	Result string // "ok" or "error"
	Error  string

	At time.Time
}

// Observer receives callbacks from the workflow engine for logging, metrics
// and audit trails.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnRunStart is called once after the run record is created, before
	// the first stage executes.
	OnRunStart(ctx context.Context, run *WorkflowRun)

	// OnRunCompleted is called when a run reaches StatusSucceeded.
	OnRunCompleted(ctx context.Context, run *WorkflowRun)

	// OnRunFailed is called when a run transitions to StatusFailed.
	OnRunFailed(ctx context.Context, run *WorkflowRun, err error)

	// OnRunCancelled is called when a caller-driven cancellation ends the
	// run with StatusCancelled rather than StatusFailed.
	OnRunCancelled(ctx context.Context, run *WorkflowRun, err error)

	// OnStepStart is called after a step row is created, before the agent
	// invocation.
	OnStepStart(ctx context.Context, run *WorkflowRun, step *WorkflowRunStep)

	// OnStepCompleted is called after a step reaches a terminal status,
	// for both successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *WorkflowRun, step *WorkflowRunStep, err error, duration time.Duration)

	// OnAudit is emitted exactly once per finished run, after the terminal
	// status has been persisted.
	OnAudit(ctx context.Context, ev AuditEvent)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *WorkflowRun)                      {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *WorkflowRun)                  {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *WorkflowRun, err error)          {}
func (NoopObserver) OnRunCancelled(ctx context.Context, run *WorkflowRun, err error)       {}
func (NoopObserver) OnStepStart(ctx context.Context, run *WorkflowRun, s *WorkflowRunStep) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *WorkflowRun, s *WorkflowRunStep, err error, d time.Duration) {
}
func (NoopObserver) OnAudit(ctx context.Context, ev AuditEvent) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *WorkflowRun, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunCancelled(ctx context.Context, run *WorkflowRun, err error) {
	for _, o := range c.observers {
		o.OnRunCancelled(ctx, run, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *WorkflowRun, step *WorkflowRunStep) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *WorkflowRun, step *WorkflowRunStep, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, step, err, d)
	}
}

func (c *CompositeObserver) OnAudit(ctx context.Context, ev AuditEvent) {
	for _, o := range c.observers {
		o.OnAudit(ctx, ev)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *WorkflowRun) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", run.WorkflowKey),
		slog.String("run_id", run.ID),
		slog.String("tenant", run.TenantID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *WorkflowRun) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow", run.WorkflowKey),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *WorkflowRun, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("workflow", run.WorkflowKey),
		slog.String("run_id", run.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunCancelled(ctx context.Context, run *WorkflowRun, err error) {
	o.Logger.InfoContext(ctx, "run_cancelled",
		slog.String("workflow", run.WorkflowKey),
		slog.String("run_id", run.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *WorkflowRun, step *WorkflowRunStep) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", run.WorkflowKey),
		slog.String("run_id", run.ID),
		slog.String("step", step.StepName),
		slog.String("agent", step.StepAgent),
		slog.Int("sequence", step.SequenceNo),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *WorkflowRun, step *WorkflowRunStep, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", run.WorkflowKey),
		slog.String("run_id", run.ID),
		slog.String("step", step.StepName),
		slog.Int("sequence", step.SequenceNo),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnAudit(ctx context.Context, ev AuditEvent) {
	o.Logger.InfoContext(ctx, "run_audit",
		slog.String("workflow", ev.WorkflowKey),
		slog.String("run_id", ev.RunID),
		slog.String("status", string(ev.Status)),
		slog.String("result", ev.Result),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted   atomic.Int64
	runsSucceeded atomic.Int64
	runsFailed    atomic.Int64
	runsCancelled atomic.Int64

	stepsCompleted    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsSucceeded int64
	RunsFailed    int64
	RunsCancelled int64
	RunsInFlight  int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *WorkflowRun) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *WorkflowRun) {
	m.runsSucceeded.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *WorkflowRun, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunCancelled(ctx context.Context, run *WorkflowRun, err error) {
	m.runsCancelled.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *WorkflowRun, step *WorkflowRunStep, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	succeeded := m.runsSucceeded.Load()
	failed := m.runsFailed.Load()
	cancelled := m.runsCancelled.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsSucceeded:   succeeded,
		RunsFailed:      failed,
		RunsCancelled:   cancelled,
		RunsInFlight:    started - succeeded - failed - cancelled,
		StepsCompleted:  steps,
		AvgStepDuration: avg,
	}
}
