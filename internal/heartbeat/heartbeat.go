// Package heartbeat reads and writes agent heartbeat marker files.
//
// A worker (or something acting on its behalf) touches
// <dir>/<agentID>.heartbeat to declare itself alive. Freshness comes from
// the file's modification time; the ISO-8601 timestamp written as content
// is informational only.
package heartbeat

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/steveyegge/lookout/internal/state"
)

// DefaultWindow is how recently a heartbeat file must have been touched to
// count as fresh.
const DefaultWindow = 60 * time.Second

const suffix = ".heartbeat"

// instanceSuffix matches a trailing numeric instance suffix like "-001".
var instanceSuffix = regexp.MustCompile(`-\d+$`)

// Monitor scans a heartbeat directory and exposes the Touch write path.
type Monitor struct {
	dir    string
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWindow overrides the freshness window.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) { m.window = d }
}

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a Monitor over dir.
func New(dir string, opts ...Option) *Monitor {
	m := &Monitor{
		dir:    dir,
		window: DefaultWindow,
		logger: slog.Default().With("component", "heartbeat"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep lists the heartbeat directory and returns an active signal for each
// fresh marker, for both the exact agent id and its base id: a specific
// instance's heartbeat ("agent-orchestrator-001") also keeps its logical
// parent ("agent-orchestrator") alive. A missing directory yields nothing.
func (m *Monitor) Sweep() []state.Signal {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("heartbeat dir unreadable", "dir", m.dir, "error", err)
		}
		return nil
	}

	now := m.now()
	seen := make(map[string]bool)
	var signals []state.Signal
	add := func(agentID string) {
		if agentID == "" || seen[agentID] {
			return
		}
		seen[agentID] = true
		signals = append(signals, state.Signal{
			Source:     state.SourceHeartbeat,
			AgentID:    agentID,
			Status:     state.StatusActive,
			ObservedAt: now,
		})
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			m.logger.Warn("skipping unreadable heartbeat", "file", entry.Name(), "error", err)
			continue
		}
		if now.Sub(info.ModTime()) > m.window {
			continue
		}

		agentID := strings.TrimSuffix(entry.Name(), suffix)
		add(agentID)
		if base := BaseID(agentID); base != agentID {
			add(base)
		}
	}
	return signals
}

// Touch refreshes (or creates) the heartbeat file for an agent. Workers call
// this through the CLI; lookout itself never fabricates heartbeats.
func (m *Monitor) Touch(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("touching heartbeat: empty agent id")
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("creating heartbeat dir: %w", err)
	}
	path := filepath.Join(m.dir, agentID+suffix)
	content := m.now().UTC().Format(time.RFC3339)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// BaseID strips a trailing numeric instance suffix: "agent-orchestrator-001"
// becomes "agent-orchestrator". Ids without such a suffix are returned as is.
func BaseID(agentID string) string {
	return instanceSuffix.ReplaceAllString(agentID, "")
}
