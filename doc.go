// Package stagerun provides an embeddable orchestration engine for
// multi-step AI agent workflows.
//
// Stagerun chains calls to external agents into declarative pipelines with
// durable run history, per-step accounting, and an audit trail, without
// introducing a scheduler or any heavy infrastructure. It runs fully in Go,
// supports multiple persistence backends, and integrates cleanly into
// existing services.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. WorkflowSpec
//  2. Engine
//  3. AgentInvoker
//  4. Hooks (guards, input mappers, reducers)
//  5. Observer
//
// # WorkflowSpec
//
// A WorkflowSpec declares what to run: either a flat list of sequential
// steps or explicit stages, where each stage runs its steps sequentially or
// in parallel. Each step names the agent capability it invokes and may
// carry a guard, an input mapper, and a JSON Schema for its output.
//
// Specs are plain data; SpecBuilder provides the fluent way to assemble
// them:
//
//	spec := stagerun.NewSpec("research_and_summarize").
//	    Step("research", "agents/researcher").
//	    Step("summarize", "agents/summarizer").
//	    MustBuild()
//
// # Engine
//
// The Engine executes specs, persists run and step records, and provides
// APIs to:
//   - run workflows synchronously
//   - read runs and their step trails
//   - list, soft-delete and recover runs
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// # AgentInvoker
//
// The engine never talks to an AI runtime itself. Callers supply an
// AgentInvoker, the single integration point that maps an agent key plus
// input to a raw result:
//
//	type AgentInvoker interface {
//	    Invoke(ctx context.Context, agentKey string, input any, ic InvokeContext) (*RawAgentResult, error)
//	}
//
// The engine normalizes whatever the invoker returns into a canonical
// StepResponse, validates it against the step's schema, and records it.
//
// # Hooks
//
// Guards decide whether a step runs, input mappers shape what it receives,
// and reducers combine parallel outputs. Hooks are registered by name on a
// Registry and referenced from specs; guard and mapper references may also
// be inline expressions using the "expr:" prefix.
//
// # Observer
//
// Observers receive run and step lifecycle callbacks plus one audit event
// per finished run. LoggingObserver, BasicMetrics, and CompositeObserver
// cover the common cases.
//
// For examples, see the /examples directory.
package stagerun
