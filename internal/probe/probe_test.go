package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/lookout/internal/state"
)

type fakeLister struct {
	lines []string
	err   error
	calls int
}

func (f *fakeLister) Processes(ctx context.Context) ([]string, error) {
	f.calls++
	return f.lines, f.err
}

func agentList(ids ...string) []*state.Agent {
	agents := make([]*state.Agent, len(ids))
	for i, id := range ids {
		agents[i] = &state.Agent{ID: id}
	}
	return agents
}

func TestSweepMatchesByID(t *testing.T) {
	lister := &fakeLister{lines: []string{
		"/usr/bin/python3 /opt/workers/agent-research/main.py",
		"sshd: root@pts/0",
	}}
	p := New(WithLister(lister))

	signals := p.Sweep(context.Background(), agentList("agent-research", "agent-builder"))

	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
	sig := signals[0]
	if sig.AgentID != "agent-research" || sig.Source != state.SourceProbe || sig.Status != state.StatusActive {
		t.Errorf("signal = %+v", sig)
	}
}

func TestSweepMatchesByNameVariants(t *testing.T) {
	agent := &state.Agent{ID: "agent-dp", Name: "Data Pipeline"}
	tests := []struct {
		line string
	}{
		{"node /srv/data-pipeline/index.js"},
		{"python3 -m data_pipeline.worker"},
		{"runner --label 'data pipeline'"},
	}
	for _, tt := range tests {
		p := New(WithLister(&fakeLister{lines: []string{tt.line}}))
		if signals := p.Sweep(context.Background(), []*state.Agent{agent}); len(signals) != 1 {
			t.Errorf("line %q: got %d signals, want 1", tt.line, len(signals))
		}
	}
}

func TestSweepMatchesByPathBasename(t *testing.T) {
	agent := &state.Agent{ID: "agent-b7", Path: "/work/agents/beacon-seven"}
	p := New(WithLister(&fakeLister{lines: []string{"./run.sh --home beacon-seven"}}))

	if signals := p.Sweep(context.Background(), []*state.Agent{agent}); len(signals) != 1 {
		t.Errorf("got %d signals, want 1", len(signals))
	}
}

func TestSweepIsCaseInsensitive(t *testing.T) {
	p := New(WithLister(&fakeLister{lines: []string{"RUNNER AGENT-RESEARCH"}}))
	if signals := p.Sweep(context.Background(), agentList("agent-research")); len(signals) != 1 {
		t.Errorf("got %d signals, want 1", len(signals))
	}
}

func TestSweepListerFailureYieldsNoSignals(t *testing.T) {
	p := New(WithLister(&fakeLister{err: errors.New("ps: command not found")}))
	if signals := p.Sweep(context.Background(), agentList("agent-research")); signals != nil {
		t.Errorf("failed listing produced signals: %v", signals)
	}
}

func TestChainListerFallsThrough(t *testing.T) {
	broken := &fakeLister{err: errors.New("no ps")}
	working := &fakeLister{lines: []string{"agent-research"}}
	chain := ChainLister{broken, working}

	lines, err := chain.Processes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || broken.calls != 1 || working.calls != 1 {
		t.Errorf("lines=%v broken=%d working=%d", lines, broken.calls, working.calls)
	}
}

func TestChainListerAllFailing(t *testing.T) {
	chain := ChainLister{
		&fakeLister{err: errors.New("first")},
		&fakeLister{err: errors.New("second")},
	}
	if _, err := chain.Processes(context.Background()); err == nil || err.Error() != "second" {
		t.Errorf("err = %v, want last error", err)
	}
}

func TestLogHeuristicFreshDir(t *testing.T) {
	now := time.Now()
	agentDir := t.TempDir()
	logsDir := filepath.Join(agentDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(logsDir, now.Add(-time.Minute), now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	h := NewLogHeuristic(WithLogClock(func() time.Time { return now }))
	agents := []*state.Agent{{ID: "agent-research", Path: agentDir}}

	signals := h.Sweep(agents)
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
	if signals[0].Source != state.SourceLog || signals[0].Status != state.StatusActive {
		t.Errorf("signal = %+v", signals[0])
	}
}

func TestLogHeuristicStaleDir(t *testing.T) {
	now := time.Now()
	agentDir := t.TempDir()
	logsDir := filepath.Join(agentDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(logsDir, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	h := NewLogHeuristic(WithLogClock(func() time.Time { return now }))
	if signals := h.Sweep([]*state.Agent{{ID: "a", Path: agentDir}}); len(signals) != 0 {
		t.Errorf("stale logs dir produced %d signals", len(signals))
	}
}

func TestLogHeuristicMissingDirIsQuiet(t *testing.T) {
	h := NewLogHeuristic()
	agents := []*state.Agent{
		{ID: "no-path"},
		{ID: "no-logs", Path: t.TempDir()},
	}
	if signals := h.Sweep(agents); len(signals) != 0 {
		t.Errorf("agents without logs produced %d signals", len(signals))
	}
}
