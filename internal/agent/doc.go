// Package agent manages the registry of remote dockhand agents.
//
// # Overview
//
// Agents are remote processes that execute Docker operations and talk to the
// controller over the poll API. This package owns their durable records and
// decides whether an agent counts as alive.
//
// # Registry
//
//	reg := agent.NewRegistry(store, logger, agent.Options{RequireToken: true})
//
// Key operations:
//
//   - Register(ctx, desc, creds): upsert by ID; forces status online
//   - Get(ctx, id) / List(ctx): stored records, self-reported status
//   - UpdateHeartbeat(ctx, id, hb): refresh lastSeen; unknown agents are a soft failure
//   - Update(ctx, id, patch): partial merge
//   - Delete(ctx, id): remove the entry; tasks and deployments are kept
//   - Authenticate(ctx, id, token): check a poll API credential
//
// # Credentials
//
// With RequireToken set, an agent's first registration returns a random
// token. Only its bcrypt hash is stored. Later registrations and every poll
// API call must present it. An optional enrollment key gates first
// registration.
//
// # Liveness
//
// An agent's stored status is whatever it last reported. Callers see the
// effective status instead:
//
//	effective = stored   if now - lastSeen <= timeout
//	effective = offline  otherwise
//
// EffectiveStatus and Apply are pure functions; the registry never
// downgrades the stored value. The Sweeper re-evaluates all agents on an
// interval to keep the dockhand_agents gauge current.
package agent
