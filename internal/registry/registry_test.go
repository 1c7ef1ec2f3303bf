package registry

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/lookout/internal/eventbus"
	"github.com/steveyegge/lookout/internal/state"
	"github.com/steveyegge/lookout/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MockStore, *testClock) {
	t.Helper()
	st := store.NewMockStore()
	clock := &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	reg := New(st, eventbus.New(), WithClock(clock.Now))
	return reg, st, clock
}

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestUpsertDiscoveredCreatesOffline(t *testing.T) {
	reg, st, _ := newTestRegistry(t)

	reg.UpsertDiscovered(&state.Agent{ID: "agent-research", Name: "Research"})

	agent, ok := reg.Agent("agent-research")
	if !ok {
		t.Fatal("agent not found after upsert")
	}
	if agent.Status != state.StatusOffline {
		t.Errorf("status = %q, want offline", agent.Status)
	}
	if _, ok := st.Agents["agent-research"]; !ok {
		t.Error("agent not persisted")
	}
}

func TestUpsertDiscoveredKeepsStatus(t *testing.T) {
	reg, _, clock := newTestRegistry(t)

	reg.UpsertDiscovered(&state.Agent{ID: "agent-research", Name: "Research"})
	reg.Observe(state.Signal{
		Source: state.SourceHeartbeat, AgentID: "agent-research",
		Status: state.StatusActive, ObservedAt: clock.Now(),
	})

	// Rescan refreshes metadata without resetting liveness.
	reg.UpsertDiscovered(&state.Agent{ID: "agent-research", Name: "Research", Type: "worker"})

	agent, _ := reg.Agent("agent-research")
	if agent.Status != state.StatusActive {
		t.Errorf("status = %q, want active after rescan", agent.Status)
	}
	if agent.Type != "worker" {
		t.Errorf("type = %q, want refreshed metadata", agent.Type)
	}
}

func TestObserveSupersedesOffline(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})

	// Even the lowest-confidence source brings an offline agent up.
	applied := reg.Observe(state.Signal{
		Source: state.SourceLog, AgentID: "a1",
		Status: state.StatusActive, ObservedAt: clock.Now(),
	})
	if !applied {
		t.Fatal("log signal should apply to offline agent")
	}
	agent, _ := reg.Agent("a1")
	if agent.Status != state.StatusActive {
		t.Errorf("status = %q, want active", agent.Status)
	}
	if !agent.LastSeen.Equal(clock.Now()) {
		t.Errorf("lastSeen = %v, want %v", agent.LastSeen, clock.Now())
	}
}

func TestObserveHigherConfidenceWins(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})

	reg.Observe(state.Signal{
		Source: state.SourceQueue, AgentID: "a1",
		Status: state.StatusWorking, ObservedAt: clock.Now(),
	})

	// A later heartbeat claims merely active; working must survive.
	clock.Advance(10 * time.Second)
	applied := reg.Observe(state.Signal{
		Source: state.SourceHeartbeat, AgentID: "a1",
		Status: state.StatusActive, ObservedAt: clock.Now(),
	})
	if applied {
		t.Error("lower-confidence signal should not apply over working")
	}
	agent, _ := reg.Agent("a1")
	if agent.Status != state.StatusWorking {
		t.Errorf("status = %q, want working", agent.Status)
	}
	// But the heartbeat still counts as evidence of life.
	if !agent.LastSeen.Equal(clock.Now()) {
		t.Errorf("lastSeen = %v, want advanced to heartbeat time", agent.LastSeen)
	}
}

func TestObserveSameTierMostRecentWins(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})

	first := clock.Now()
	reg.Observe(state.Signal{
		Source: state.SourceQueue, AgentID: "a1",
		Status: state.StatusWorking, ObservedAt: first,
	})

	clock.Advance(time.Second)
	applied := reg.Observe(state.Signal{
		Source: state.SourceQueue, AgentID: "a1",
		Status: state.StatusIdle, ObservedAt: clock.Now(),
	})
	if !applied {
		t.Fatal("newer same-tier signal should apply")
	}
	agent, _ := reg.Agent("a1")
	if agent.Status != state.StatusIdle {
		t.Errorf("status = %q, want idle", agent.Status)
	}

	// A stale same-tier signal must not regress the status.
	applied = reg.Observe(state.Signal{
		Source: state.SourceQueue, AgentID: "a1",
		Status: state.StatusWorking, ObservedAt: first,
	})
	if applied {
		t.Error("stale same-tier signal should not apply")
	}
}

func TestObserveRetainsHigherConfidenceTimestamp(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})

	probeAt := clock.Now()
	reg.Observe(state.Signal{
		Source: state.SourceProbe, AgentID: "a1",
		Status: state.StatusActive, ObservedAt: probeAt,
	})

	// A log signal from earlier in the same sweep must not rewind lastSeen.
	reg.Observe(state.Signal{
		Source: state.SourceLog, AgentID: "a1",
		Status: state.StatusActive, ObservedAt: probeAt.Add(-time.Second),
	})

	agent, _ := reg.Agent("a1")
	if !agent.LastSeen.Equal(probeAt) {
		t.Errorf("lastSeen = %v, want probe timestamp %v retained", agent.LastSeen, probeAt)
	}
}

func TestObserveUnknownAgentCreated(t *testing.T) {
	reg, _, clock := newTestRegistry(t)

	reg.Observe(state.Signal{
		Source: state.SourceQueue, AgentID: "agent-new",
		Status: state.StatusWorking, ObservedAt: clock.Now(),
	})

	agent, ok := reg.Agent("agent-new")
	if !ok {
		t.Fatal("signal for unknown agent should create it")
	}
	if agent.Status != state.StatusWorking {
		t.Errorf("status = %q, want working", agent.Status)
	}
}

func TestDowngradeStale(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	reg.UpsertDiscovered(&state.Agent{ID: "idle-agent", Name: "Idle"})
	reg.UpsertDiscovered(&state.Agent{ID: "active-agent", Name: "Active"})
	reg.UpsertDiscovered(&state.Agent{ID: "fresh-agent", Name: "Fresh"})

	at := clock.Now()
	reg.Observe(state.Signal{Source: state.SourceQueue, AgentID: "idle-agent", Status: state.StatusIdle, ObservedAt: at})
	reg.Observe(state.Signal{Source: state.SourceProbe, AgentID: "active-agent", Status: state.StatusActive, ObservedAt: at})

	clock.Advance(6 * time.Minute)
	reg.Observe(state.Signal{Source: state.SourceProbe, AgentID: "fresh-agent", Status: state.StatusActive, ObservedAt: clock.Now()})

	downgraded := reg.DowngradeStale(5*time.Minute, false)
	if len(downgraded) != 1 || downgraded[0].ID != "idle-agent" {
		t.Fatalf("downgraded = %v, want exactly idle-agent", downgraded)
	}

	idle, _ := reg.Agent("idle-agent")
	if idle.Status != state.StatusOffline {
		t.Errorf("idle-agent status = %q, want offline", idle.Status)
	}
	// Active agents are immune unless the operator opts in.
	active, _ := reg.Agent("active-agent")
	if active.Status != state.StatusActive {
		t.Errorf("active-agent status = %q, want active preserved", active.Status)
	}
	fresh, _ := reg.Agent("fresh-agent")
	if fresh.Status != state.StatusActive {
		t.Errorf("fresh-agent status = %q, want active", fresh.Status)
	}
}

func TestDowngradeStaleIncludesActiveWhenConfigured(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})
	reg.Observe(state.Signal{Source: state.SourceProbe, AgentID: "a1", Status: state.StatusActive, ObservedAt: clock.Now()})

	clock.Advance(10 * time.Minute)
	downgraded := reg.DowngradeStale(5*time.Minute, true)
	if len(downgraded) != 1 {
		t.Fatalf("downgraded %d agents, want 1", len(downgraded))
	}
}

func TestPersistFailureMarksDirty(t *testing.T) {
	reg, st, clock := newTestRegistry(t)
	st.FailWrites = true

	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})
	reg.Observe(state.Signal{Source: state.SourceHeartbeat, AgentID: "a1", Status: state.StatusActive, ObservedAt: clock.Now()})

	if _, ok := st.Agents["a1"]; ok {
		t.Fatal("write should have failed")
	}

	st.FailWrites = false
	reg.RetryDirty(context.Background())

	saved, ok := st.Agents["a1"]
	if !ok {
		t.Fatal("dirty agent not re-persisted")
	}
	if saved.Status != state.StatusActive {
		t.Errorf("persisted status = %q, want active", saved.Status)
	}
}

func TestAgentsSorted(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.UpsertDiscovered(&state.Agent{ID: "b", Name: "B"})
	reg.UpsertDiscovered(&state.Agent{ID: "a", Name: "A"})
	reg.UpsertDiscovered(&state.Agent{ID: "c", Name: "C"})

	agents := reg.Agents()
	if len(agents) != 3 || agents[0].ID != "a" || agents[1].ID != "b" || agents[2].ID != "c" {
		t.Errorf("agents not sorted by id: %v", agents)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1", Capabilities: []string{"scan"}})

	agent, _ := reg.Agent("a1")
	agent.Status = state.StatusError
	agent.Capabilities[0] = "mutated"

	again, _ := reg.Agent("a1")
	if again.Status == state.StatusError || again.Capabilities[0] == "mutated" {
		t.Error("returned agent shares memory with registry state")
	}
}
