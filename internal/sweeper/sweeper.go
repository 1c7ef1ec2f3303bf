// Package sweeper runs the periodic health patrol: it re-triggers the
// lower-confidence probes, downgrades stale agents to offline, retries
// failed persistence, and refreshes aggregate metrics.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/steveyegge/lookout/internal/eventbus"
	"github.com/steveyegge/lookout/internal/probe"
	"github.com/steveyegge/lookout/internal/state"
	"github.com/steveyegge/lookout/internal/store"
)

// Defaults for the patrol cadence and staleness policy.
const (
	DefaultInterval  = 30 * time.Second
	DefaultStaleness = 5 * time.Minute
)

// Registry is the slice of the registry the sweeper needs.
type Registry interface {
	Agents() []*state.Agent
	Observe(sig state.Signal) bool
	DowngradeStale(timeout time.Duration, downgradeActive bool) []*state.Agent
	RetryDirty(ctx context.Context)
}

// Sweeper is the periodic patrol task.
type Sweeper struct {
	registry  Registry
	probe     *probe.Probe
	logs      *probe.LogHeuristic
	store     store.Store
	bus       *eventbus.Bus
	logger    *slog.Logger
	interval  time.Duration
	staleness time.Duration

	// DowngradeActive extends the staleness downgrade to agents whose
	// status is active. Off by default: process presence is its own
	// evidence of life, and decaying it is an operator decision.
	DowngradeActive bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides the patrol cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithStaleness overrides the staleness timeout.
func WithStaleness(d time.Duration) Option {
	return func(s *Sweeper) { s.staleness = d }
}

// New creates a Sweeper. store and bus may be nil in tests; metrics
// refreshing is skipped without them.
func New(registry Registry, pr *probe.Probe, logs *probe.LogHeuristic, st store.Store, bus *eventbus.Bus, opts ...Option) *Sweeper {
	s := &Sweeper{
		registry:  registry,
		probe:     pr,
		logs:      logs,
		store:     st,
		bus:       bus,
		logger:    slog.Default().With("component", "sweeper"),
		interval:  DefaultInterval,
		staleness: DefaultStaleness,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run patrols until ctx is canceled, sweeping once immediately.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one patrol pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	agents := s.registry.Agents()

	// Probe first; the log heuristic is only consulted for agents the
	// probe produced nothing for in this pass.
	covered := make(map[string]bool)
	if s.probe != nil {
		for _, sig := range s.probe.Sweep(ctx, agents) {
			covered[sig.AgentID] = true
			s.registry.Observe(sig)
		}
	}
	if s.logs != nil {
		for _, sig := range s.logs.Sweep(agents) {
			if covered[sig.AgentID] {
				continue
			}
			s.registry.Observe(sig)
		}
	}

	downgraded := s.registry.DowngradeStale(s.staleness, s.DowngradeActive)
	s.registry.RetryDirty(ctx)
	s.publishMetrics(ctx)

	s.logger.Debug("sweep complete",
		"agents", len(agents), "probed", len(covered), "downgraded", len(downgraded))
}

// publishMetrics refreshes aggregate metrics from the store and broadcasts
// them. Failures degrade to an empty payload rather than propagating; the
// dashboard always renders the best-known state.
func (s *Sweeper) publishMetrics(ctx context.Context) {
	if s.store == nil || s.bus == nil {
		return
	}

	distribution := map[string]int{}
	if dist, err := s.store.ActivityDistribution(ctx); err == nil && dist != nil {
		distribution = dist
	} else if err != nil {
		s.logger.Warn("activity distribution unavailable", "error", err)
	}

	performance := []store.AgentPerformance{}
	if stats, err := s.store.AgentPerformanceStats(ctx); err == nil && stats != nil {
		performance = stats
	} else if err != nil {
		s.logger.Warn("performance stats unavailable", "error", err)
	}

	s.bus.PublishMetricsUpdate(map[string]any{
		"activity_distribution": distribution,
		"agent_performance":     performance,
	})
}
