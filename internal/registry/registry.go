// Package registry holds the authoritative in-memory state for every agent,
// activity, and project lookout knows about.
//
// The registry is the only component that mutates agent or activity state.
// Signal sources of different confidence all funnel into Observe, which
// resolves conflicts deterministically: a signal applies its status only if
// it outranks (or matches and is at least as fresh as) whatever set the
// current status, while evidence of life always advances last-seen.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/lookout/internal/eventbus"
	"github.com/steveyegge/lookout/internal/state"
	"github.com/steveyegge/lookout/internal/store"
)

// persistTimeout bounds each store call so a stuck write can't stall a
// signal source.
const persistTimeout = 5 * time.Second

// agentEntry pairs an agent with the provenance of its current status.
type agentEntry struct {
	agent          *state.Agent
	confidence     int       // tier of the source that set the current status
	statusObserved time.Time // when that source observed it
	dirty          bool      // last persist failed; retry on next sweep
}

// Registry is the sole mutator of agent and activity state.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*agentEntry
	activities map[string]*state.Activity
	projects   map[string]*state.Project

	store  store.Store
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger overrides the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates a Registry that persists through st and emits deltas on bus.
func New(st store.Store, bus *eventbus.Bus, opts ...Option) *Registry {
	r := &Registry{
		agents:     make(map[string]*agentEntry),
		activities: make(map[string]*state.Activity),
		projects:   make(map[string]*state.Project),
		store:      st,
		bus:        bus,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "registry")
	}
	return r
}

// UpsertDiscovered registers an agent found by workspace discovery. The
// upsert is idempotent: a new agent starts offline, an existing agent keeps
// its status and last-seen while metadata (name, path, capabilities,
// project) is refreshed.
func (r *Registry) UpsertDiscovered(agent *state.Agent) {
	r.mu.Lock()
	entry, ok := r.agents[agent.ID]
	if !ok {
		a := agent.Clone()
		if a.Status == "" {
			a.Status = state.StatusOffline
		}
		a.Revision = 1
		entry = &agentEntry{agent: a}
		r.agents[agent.ID] = entry
	} else {
		e := entry.agent
		e.Name = agent.Name
		e.Type = agent.Type
		e.Location = agent.Location
		e.Project = agent.Project
		e.Path = agent.Path
		if agent.Capabilities != nil {
			e.Capabilities = append([]string(nil), agent.Capabilities...)
		}
		e.Revision++
	}
	snapshot := entry.agent.Clone()
	r.mu.Unlock()

	r.persistAgent(snapshot)
	r.bus.PublishAgentUpdate(snapshot)
}

// UpsertProject registers a discovered project.
func (r *Registry) UpsertProject(project *state.Project) {
	r.mu.Lock()
	r.projects[project.ID] = project.Clone()
	snapshot := project.Clone()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.UpsertProject(ctx, snapshot); err != nil {
		r.logger.Warn("project persist failed", "project", snapshot.ID, "error", err)
	}
}

// Observe applies one signal under the reconciliation policy:
//
//  1. Any live signal (active, working, idle) advances last-seen to its
//     observation time, regardless of confidence.
//  2. If the agent is currently offline, the signal's status applies.
//  3. Otherwise the status applies only if the signal's confidence outranks
//     the tier that set the current status, or ties it with an observation
//     at least as recent.
//
// Signals for unknown agents create the agent on the fly; the queue sees
// work from agents discovery may not have scanned yet.
func (r *Registry) Observe(sig state.Signal) bool {
	if sig.AgentID == "" {
		return false
	}

	r.mu.Lock()
	entry, ok := r.agents[sig.AgentID]
	if !ok {
		entry = &agentEntry{agent: &state.Agent{
			ID:     sig.AgentID,
			Name:   sig.AgentID,
			Status: state.StatusOffline,
		}}
		r.agents[sig.AgentID] = entry
	}
	agent := entry.agent

	changed := false
	if sig.Status.IsLive() && sig.ObservedAt.After(agent.LastSeen) {
		agent.LastSeen = sig.ObservedAt
		changed = true
	}

	applies := false
	switch {
	case agent.Status == state.StatusOffline:
		applies = true
	case sig.Source.Confidence() > entry.confidence:
		applies = true
	case sig.Source.Confidence() == entry.confidence && !sig.ObservedAt.Before(entry.statusObserved):
		applies = true
	}

	if applies {
		if agent.Status != sig.Status {
			r.logger.Debug("status transition",
				"agent", agent.ID, "from", agent.Status, "to", sig.Status, "source", sig.Source)
			agent.Status = sig.Status
			changed = true
		}
		entry.confidence = sig.Source.Confidence()
		entry.statusObserved = sig.ObservedAt
	}

	if !changed {
		r.mu.Unlock()
		return applies
	}

	agent.Revision++
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.persistAgent(snapshot)
	r.bus.PublishAgentUpdate(snapshot)
	return applies
}

// setWorkStatus applies an activity-driven transition. Work transitions
// carry queue-tier confidence: they encode authoritative work state, so
// liveness-only signals never override them.
func (r *Registry) setWorkStatus(agentID string, status state.AgentStatus, activityID string) *state.Agent {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok {
		entry = &agentEntry{agent: &state.Agent{ID: agentID, Name: agentID}}
		r.agents[agentID] = entry
	}
	agent := entry.agent
	agent.Status = status
	agent.CurrentActivityID = activityID
	agent.LastSeen = now
	agent.Revision++
	entry.confidence = state.SourceQueue.Confidence()
	entry.statusObserved = now
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.persistAgent(snapshot)
	r.bus.PublishAgentUpdate(snapshot)
	return snapshot
}

// persistAgent writes the agent through the store. Failure never propagates;
// the agent is marked dirty and retried by the next sweep.
func (r *Registry) persistAgent(agent *state.Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := r.store.UpsertAgent(ctx, agent)

	r.mu.Lock()
	if entry, ok := r.agents[agent.ID]; ok {
		entry.dirty = err != nil
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("agent persist failed, marked dirty", "agent", agent.ID, "error", err)
	}
}

// RetryDirty re-attempts persistence for agents whose last write failed.
func (r *Registry) RetryDirty(ctx context.Context) {
	r.mu.RLock()
	var pending []*state.Agent
	for _, entry := range r.agents {
		if entry.dirty {
			pending = append(pending, entry.agent.Clone())
		}
	}
	r.mu.RUnlock()

	for _, agent := range pending {
		if ctx.Err() != nil {
			return
		}
		r.persistAgent(agent)
	}
}

// DowngradeStale sets agents not seen within timeout to offline and returns
// the downgraded agents. Active agents are skipped unless downgradeActive is
// set; whether mere process presence should decay is an operator policy.
func (r *Registry) DowngradeStale(timeout time.Duration, downgradeActive bool) []*state.Agent {
	now := r.now()

	r.mu.Lock()
	var downgraded []*state.Agent
	for _, entry := range r.agents {
		agent := entry.agent
		if agent.Status == state.StatusOffline {
			continue
		}
		if agent.Status == state.StatusActive && !downgradeActive {
			continue
		}
		if now.Sub(agent.LastSeen) <= timeout {
			continue
		}
		agent.Status = state.StatusOffline
		agent.CurrentActivityID = ""
		agent.Revision++
		entry.confidence = 0
		entry.statusObserved = now
		downgraded = append(downgraded, agent.Clone())
	}
	r.mu.Unlock()

	for _, agent := range downgraded {
		r.logger.Info("agent went stale", "agent", agent.ID, "last_seen", agent.LastSeen)
		r.persistAgent(agent)
		r.bus.PublishAgentUpdate(agent)
	}
	return downgraded
}

// Agent returns a copy of the agent, if known.
func (r *Registry) Agent(id string) (*state.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return entry.agent.Clone(), true
}

// Agents returns copies of all known agents, sorted by id.
func (r *Registry) Agents() []*state.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]*state.Agent, 0, len(r.agents))
	for _, entry := range r.agents {
		agents = append(agents, entry.agent.Clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Projects returns copies of all known projects, sorted by id.
func (r *Registry) Projects() []*state.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	projects := make([]*state.Project, 0, len(r.projects))
	for _, p := range r.projects {
		projects = append(projects, p.Clone())
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects
}

// Activity returns a copy of the activity, if known.
func (r *Registry) Activity(id string) (*state.Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[id]
	if !ok {
		return nil, false
	}
	copied := *a
	return &copied, true
}
