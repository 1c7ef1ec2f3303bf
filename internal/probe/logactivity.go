package probe

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/lookout/internal/state"
)

// DefaultLogWindow is how recently a log directory must have been modified
// to count as evidence of life.
const DefaultLogWindow = 5 * time.Minute

// LogHeuristic infers liveness from the modification time of each agent's
// log directory. This is the lowest-confidence source; the sweeper only
// consults it for agents no higher-confidence source vouched for.
type LogHeuristic struct {
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// LogOption configures a LogHeuristic.
type LogOption func(*LogHeuristic)

// WithLogWindow overrides the freshness window.
func WithLogWindow(d time.Duration) LogOption {
	return func(h *LogHeuristic) { h.window = d }
}

// WithLogClock overrides the heuristic's time source.
func WithLogClock(now func() time.Time) LogOption {
	return func(h *LogHeuristic) { h.now = now }
}

// NewLogHeuristic creates a LogHeuristic with the default window.
func NewLogHeuristic(opts ...LogOption) *LogHeuristic {
	h := &LogHeuristic{
		window: DefaultLogWindow,
		logger: slog.Default().With("component", "log-heuristic"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Sweep returns an active signal for each agent whose logs/ directory was
// modified within the window. Agents without a usable log directory are
// skipped silently; that is the normal case, not a failure.
func (h *LogHeuristic) Sweep(agents []*state.Agent) []state.Signal {
	now := h.now()
	var signals []state.Signal
	for _, agent := range agents {
		if agent.Path == "" {
			continue
		}
		info, err := os.Stat(filepath.Join(agent.Path, "logs"))
		if err != nil || !info.IsDir() {
			continue
		}
		if now.Sub(info.ModTime()) > h.window {
			continue
		}
		signals = append(signals, state.Signal{
			Source:     state.SourceLog,
			AgentID:    agent.ID,
			Status:     state.StatusActive,
			ObservedAt: now,
		})
	}
	return signals
}
