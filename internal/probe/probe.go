// Package probe produces best-effort liveness signals by inspecting the
// process table and per-agent log directories.
//
// Process inspection shells out to platform tooling behind a small
// interface, so the mechanism is swappable and fakeable. Every failure mode
// degrades to "no signal": a sweep with unavailable tooling simply leaves
// the decision to lower-confidence sources.
package probe

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/lookout/internal/state"
)

// DefaultProbeTimeout bounds a single process-listing call. A stuck ps must
// not stall future sweeps.
const DefaultProbeTimeout = 10 * time.Second

// ProcessLister returns one line per running process command line.
type ProcessLister interface {
	Processes(ctx context.Context) ([]string, error)
}

// PSLister lists processes via ps.
type PSLister struct{}

func (PSLister) Processes(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "ps", "-axo", "command=").Output()
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// PgrepLister lists processes via pgrep's full-command listing. Used as the
// fallback when ps is unavailable.
type PgrepLister struct{}

func (PgrepLister) Processes(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-fl", ".").Output()
	if err != nil {
		// Exit code 1 means no matches, which is a valid empty result.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(string(out)), nil
}

// ChainLister tries each lister in order and returns the first success.
type ChainLister []ProcessLister

func (c ChainLister) Processes(ctx context.Context) ([]string, error) {
	var lastErr error
	for _, lister := range c {
		lines, err := lister.Processes(ctx)
		if err == nil {
			return lines, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Probe matches the process table against known agents.
type Probe struct {
	lister  ProcessLister
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Probe.
type Option func(*Probe)

// WithLister overrides the process lister (used by tests and other platforms).
func WithLister(l ProcessLister) Option {
	return func(p *Probe) { p.lister = l }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Probe) { p.timeout = d }
}

// WithClock overrides the probe's time source.
func WithClock(now func() time.Time) Option {
	return func(p *Probe) { p.now = now }
}

// New creates a Probe. The default lister tries ps, then pgrep.
func New(opts ...Option) *Probe {
	p := &Probe{
		lister:  ChainLister{PSLister{}, PgrepLister{}},
		timeout: DefaultProbeTimeout,
		logger:  slog.Default().With("component", "probe"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sweep lists processes once and returns an active signal for every agent
// that matches. Total listing failure returns no signals, never an error.
func (p *Probe) Sweep(ctx context.Context, agents []*state.Agent) []state.Signal {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	lines, err := p.lister.Processes(ctx)
	if err != nil {
		p.logger.Debug("process listing unavailable", "error", err)
		return nil
	}

	lowered := make([]string, len(lines))
	for i, line := range lines {
		lowered[i] = strings.ToLower(line)
	}

	now := p.now()
	var signals []state.Signal
	for _, agent := range agents {
		if matchesAny(lowered, patternsFor(agent)) {
			signals = append(signals, state.Signal{
				Source:     state.SourceProbe,
				AgentID:    agent.ID,
				Status:     state.StatusActive,
				ObservedAt: now,
			})
		}
	}
	return signals
}

// patternsFor builds the lowercase substrings that identify an agent in a
// process command line: its id, its name with space/dash/underscore
// variants, and its directory basename.
func patternsFor(agent *state.Agent) []string {
	seen := make(map[string]bool)
	var patterns []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			patterns = append(patterns, s)
		}
	}

	add(agent.ID)
	if agent.Name != "" {
		add(agent.Name)
		add(strings.ReplaceAll(agent.Name, " ", "-"))
		add(strings.ReplaceAll(agent.Name, " ", "_"))
	}
	if agent.Path != "" {
		add(filepath.Base(agent.Path))
	}
	return patterns
}

func matchesAny(lines, patterns []string) bool {
	for _, line := range lines {
		for _, pattern := range patterns {
			if strings.Contains(line, pattern) {
				return true
			}
		}
	}
	return false
}
