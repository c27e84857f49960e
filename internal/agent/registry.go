// ABOUTME: Durable registry of remote agents with per-agent credential issue and verification
// ABOUTME: Handles registration upserts, heartbeats, partial updates, and deletion over store.Store

package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/store"
)

// agentIDPattern restricts IDs to values that are safe in URL path segments.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Descriptor is what an agent reports about itself when registering.
type Descriptor struct {
	ID           string
	Hostname     string
	Platform     string
	Version      string
	Capabilities []string
	URL          string
}

// Credentials accompany a registration call.
type Credentials struct {
	// Token is the agent's previously issued token, required to re-register
	// an agent that already holds one.
	Token string
	// EnrollmentKey is the shared key required for first registration when configured.
	EnrollmentKey string
}

// Registration is the outcome of Register.
type Registration struct {
	Agent *store.Agent
	// Token is set only when a new credential was issued by this call.
	Token   string
	Created bool
}

// Heartbeat is a liveness report from an agent.
type Heartbeat struct {
	// Status is the agent's self-reported status; empty means online.
	Status  store.AgentStatus
	Metrics map[string]any
}

// Patch is a partial agent update. Nil fields are left unchanged.
type Patch struct {
	Hostname     *string
	Platform     *string
	Version      *string
	URL          *string
	Capabilities []string
	Status       *store.AgentStatus
	Metrics      map[string]any
}

// Options configures a Registry.
type Options struct {
	// LivenessTimeout is the staleness window for effective status.
	LivenessTimeout time.Duration
	// RequireToken issues per-agent tokens and enforces them on the poll API.
	RequireToken bool
	// EnrollmentKey, when set, must accompany an agent's first registration.
	EnrollmentKey string
	// BcryptCost overrides the token hashing cost. Zero uses the default.
	BcryptCost int
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Registry is the authoritative source of known agents.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	timeout       time.Duration
	requireToken  bool
	enrollmentKey string
	tokens        *tokenVerifier
}

// NewRegistry creates a Registry backed by s.
func NewRegistry(s store.Store, logger *slog.Logger, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = DefaultTimeout
	}
	return &Registry{
		store:         s,
		logger:        logger.With("component", "registry"),
		now:           opts.Now,
		timeout:       opts.LivenessTimeout,
		requireToken:  opts.RequireToken,
		enrollmentKey: opts.EnrollmentKey,
		tokens:        newTokenVerifier(opts.BcryptCost),
	}
}

// TokensRequired reports whether poll API calls must carry the agent's token.
func (r *Registry) TokensRequired() bool { return r.requireToken }

// Register upserts an agent by ID. An existing agent has the supplied fields
// merged, is forced online, and has lastSeen refreshed; createdAt and
// registeredAt are preserved. A new agent gets createdAt = registeredAt = now.
func (r *Registry) Register(ctx context.Context, desc Descriptor, creds Credentials) (*Registration, error) {
	if err := desc.validate(); err != nil {
		metrics.AgentRegistrations.WithLabelValues("rejected").Inc()
		return nil, err
	}

	// A concurrent first registration can win the insert between our
	// refresh miss and create; the retry then takes the refresh path.
	for attempt := 0; attempt < 2; attempt++ {
		reg, err := r.refresh(ctx, desc, creds)
		if err == nil {
			metrics.AgentRegistrations.WithLabelValues("refreshed").Inc()
			r.logger.Debug("agent re-registered", "agent_id", desc.ID)
			return reg, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			metrics.AgentRegistrations.WithLabelValues("rejected").Inc()
			return nil, r.classify(err, "registering agent")
		}

		reg, err = r.create(ctx, desc, creds)
		if err == nil {
			metrics.AgentRegistrations.WithLabelValues("created").Inc()
			r.logger.Info("agent registered",
				"agent_id", desc.ID,
				"hostname", desc.Hostname,
				"platform", desc.Platform,
				"capabilities", desc.Capabilities,
			)
			return reg, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			metrics.AgentRegistrations.WithLabelValues("rejected").Inc()
			return nil, r.classify(err, "registering agent")
		}
	}
	return nil, fault.Internal(fmt.Errorf("agent %s: concurrent registration did not settle", desc.ID), "registering agent")
}

func (r *Registry) refresh(ctx context.Context, desc Descriptor, creds Credentials) (*Registration, error) {
	reg := &Registration{}
	agent, err := r.store.UpdateAgent(ctx, desc.ID, func(a *store.Agent) error {
		if r.requireToken {
			if a.TokenHash != "" {
				if !r.tokens.verify(a.ID, a.TokenHash, creds.Token) {
					return fault.Unauthorized("agent %s is already registered; a valid token is required", a.ID)
				}
			} else {
				// Registered while tokens were disabled; issue one now.
				if err := r.checkEnrollment(a.ID, creds); err != nil {
					return err
				}
				token, hash, err := r.tokens.issue()
				if err != nil {
					return err
				}
				a.TokenHash = hash
				reg.Token = token
			}
		}

		now := r.now()
		desc.mergeInto(a)
		a.Status = store.AgentOnline
		if now.After(a.LastSeen) {
			a.LastSeen = now
		}
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	reg.Agent = agent
	return reg, nil
}

func (r *Registry) create(ctx context.Context, desc Descriptor, creds Credentials) (*Registration, error) {
	if err := r.checkEnrollment(desc.ID, creds); err != nil {
		return nil, err
	}

	now := r.now()
	agent := &store.Agent{
		ID:           desc.ID,
		Hostname:     desc.Hostname,
		Platform:     desc.Platform,
		Version:      desc.Version,
		Capabilities: normalizeCapabilities(desc.Capabilities),
		URL:          desc.URL,
		Status:       store.AgentOnline,
		LastSeen:     now,
		RegisteredAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	reg := &Registration{Agent: agent, Created: true}
	if r.requireToken {
		token, hash, err := r.tokens.issue()
		if err != nil {
			return nil, err
		}
		agent.TokenHash = hash
		reg.Token = token
	}

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return reg, nil
}

// Get returns the stored agent. Its Status is the self-reported value;
// use Effective before surfacing it.
func (r *Registry) Get(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, r.classify(err, "getting agent", "agent", id)
	}
	return agent, nil
}

// List returns all stored agents.
func (r *Registry) List(ctx context.Context) ([]*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fault.Internal(err, "listing agents")
	}
	return agents, nil
}

// Counts returns the number of agents per effective status. Every status is present.
func (r *Registry) Counts(ctx context.Context) (map[store.AgentStatus]int, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return CountByStatus(agents, r.now(), r.timeout), nil
}

// UpdateHeartbeat records that the agent is alive. An unknown agent is a soft
// failure: it is logged and returned as NotFound so the agent can re-register.
func (r *Registry) UpdateHeartbeat(ctx context.Context, id string, hb Heartbeat) (*store.Agent, error) {
	status := hb.Status
	if status == "" {
		status = store.AgentOnline
	}
	if !status.Valid() {
		return nil, fault.Validation("invalid agent status %q", hb.Status)
	}

	agent, err := r.store.UpdateAgent(ctx, id, func(a *store.Agent) error {
		now := r.now()
		a.Status = status
		if now.After(a.LastSeen) {
			a.LastSeen = now
		}
		a.UpdatedAt = now
		if hb.Metrics != nil {
			a.Metrics = hb.Metrics
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		metrics.Heartbeats.WithLabelValues("unknown_agent").Inc()
		r.logger.Warn("heartbeat from unknown agent", "agent_id", id)
		return nil, fault.NotFound("agent %s is not registered", id)
	}
	if err != nil {
		return nil, fault.Internal(err, "recording heartbeat")
	}
	metrics.Heartbeats.WithLabelValues("ok").Inc()
	return agent, nil
}

// Update merges patch into the stored agent.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*store.Agent, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fault.Validation("invalid agent status %q", *patch.Status)
	}

	agent, err := r.store.UpdateAgent(ctx, id, func(a *store.Agent) error {
		if patch.Hostname != nil {
			a.Hostname = *patch.Hostname
		}
		if patch.Platform != nil {
			a.Platform = *patch.Platform
		}
		if patch.Version != nil {
			a.Version = *patch.Version
		}
		if patch.URL != nil {
			a.URL = *patch.URL
		}
		if patch.Capabilities != nil {
			a.Capabilities = normalizeCapabilities(patch.Capabilities)
		}
		if patch.Status != nil {
			a.Status = *patch.Status
		}
		if patch.Metrics != nil {
			a.Metrics = patch.Metrics
		}
		a.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return nil, r.classify(err, "updating agent", "agent", id)
	}
	return agent, nil
}

// Delete removes the registry entry. Tasks and deployments that reference
// the agent are kept as history.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteAgent(ctx, id); err != nil {
		return r.classify(err, "deleting agent", "agent", id)
	}
	r.tokens.forget(id)
	r.logger.Info("agent deleted", "agent_id", id)
	return nil
}

// Authenticate checks an agent's poll API token and returns the agent.
// When tokens are not required only existence is checked.
func (r *Registry) Authenticate(ctx context.Context, id, token string) (*store.Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.requireToken {
		return agent, nil
	}
	if token == "" {
		return nil, fault.Unauthorized("agent token is required")
	}
	if agent.TokenHash == "" || !r.tokens.verify(agent.ID, agent.TokenHash, token) {
		return nil, fault.Unauthorized("invalid agent token")
	}
	return agent, nil
}

// Effective returns a copy of a whose Status is the effective status at the
// registry's current time.
func (r *Registry) Effective(a *store.Agent) *store.Agent {
	return Apply(a, r.now(), r.timeout)
}

// EffectiveStatus returns a's effective status at the registry's current time.
func (r *Registry) EffectiveStatus(a *store.Agent) store.AgentStatus {
	return EffectiveStatus(a, r.now(), r.timeout)
}

// classify converts store sentinels into typed errors. Fault errors raised
// inside update callbacks pass through unchanged.
func (r *Registry) classify(err error, op string, subject ...string) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) && len(subject) == 2 {
		return fault.NotFound("%s %s not found", subject[0], subject[1])
	}
	return fault.Internal(err, op)
}

func (d *Descriptor) validate() error {
	if d.ID == "" {
		return fault.Validation("agent id is required")
	}
	if !agentIDPattern.MatchString(d.ID) {
		return fault.Validation("agent id %q must be 1-128 characters of letters, digits, '.', '_', ':' or '-'", d.ID)
	}
	return nil
}

// mergeInto copies the non-empty descriptor fields onto a.
func (d *Descriptor) mergeInto(a *store.Agent) {
	if d.Hostname != "" {
		a.Hostname = d.Hostname
	}
	if d.Platform != "" {
		a.Platform = d.Platform
	}
	if d.Version != "" {
		a.Version = d.Version
	}
	if d.URL != "" {
		a.URL = d.URL
	}
	if d.Capabilities != nil {
		a.Capabilities = normalizeCapabilities(d.Capabilities)
	}
}

// normalizeCapabilities treats capabilities as a set: sorted, deduplicated, no blanks.
func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// checkEnrollment gates token issuance on the enrollment key when one is configured.
func (r *Registry) checkEnrollment(id string, creds Credentials) error {
	if r.enrollmentKey != "" &&
		subtle.ConstantTimeCompare([]byte(r.enrollmentKey), []byte(creds.EnrollmentKey)) != 1 {
		return fault.Unauthorized("a valid enrollment key is required to enroll agent %s", id)
	}
	return nil
}
