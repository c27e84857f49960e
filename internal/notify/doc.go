// Package notify wakes connected agents when work is queued for them.
//
// The task queue calls Notify after a task is durably created; the gateway's
// WebSocket stream subscribes per agent and answers each signal by pushing a
// fresh pending-task snapshot. Signals are hints only: an agent that misses
// one still sees the task on its next poll.
package notify
