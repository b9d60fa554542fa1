// Package orchestrator owns batch mutation coordination.
//
// Ownership boundary:
// - batch creation from a trigger
// - one write/poll/finalize task per entity
// - batch settlement and cascade dispatch
//
// The orchestrator never mutates batch state directly. Every change is an
// event applied through the batch store, and per-entity failures are recorded
// there instead of being returned to the caller.
//
// Writes are not transactional with tracking: cancelling a task stops
// polling, but a write the backend already accepted stays applied.
package orchestrator
