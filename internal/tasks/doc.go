// Package tasks implements the task queue and lifecycle tracker.
//
// A task is one unit of work owned by exactly one agent:
//
//	pending → running → completed | failed | cancelled
//
// Transitions only move forward. Reporting the current status again is a
// no-op; a different terminal status on a settled task is a Conflict.
// Result and error are mutually exclusive and stored only on terminal
// transitions.
//
// Pending tasks are handed to agents in creation order by ListPendingTasks.
// Fetching does not claim a task, so an agent that fetches and then dies
// leaves its tasks pending until someone cancels them.
//
// Payloads are a tagged union keyed by task type (see Payload). Decode
// validates them when a task is created, so agents never receive a
// malformed payload.
package tasks
