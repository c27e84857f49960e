// Package dispatch is the single entry point for sending work to agents.
//
// Every dispatch first resolves the agent and refuses unless its effective
// status is online. Compound flows (stack and container deployments,
// redeploys, removals) queue their tasks in order and then create or retrack
// the deployment record that tracks them. If any step fails after tasks have
// been queued, those tasks are cancelled so the agent never runs half a flow.
package dispatch
