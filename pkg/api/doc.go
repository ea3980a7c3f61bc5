// Package api holds the public value types and collaborator interfaces of
// the stagerun workflow engine: workflow specs, run/step records, agent
// invocation contracts and the observer protocol.
//
// Most users import the root stagerun package, which re-exports everything
// here; api exists so that internal packages and external integrations can
// share these types without pulling in engine internals.
package api
