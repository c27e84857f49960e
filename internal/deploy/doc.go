// Package deploy reconciles task outcomes into deployment records.
//
// A deployment tracks one or more tasks for its current phase (deploy,
// update, or remove). Its status is a projection of those tasks, written only
// by the Reconciler when the queue reports a task status change. Once a phase
// settles (deployed, failed, or removed) the status is frozen until Retrack
// opens a new phase.
package deploy
