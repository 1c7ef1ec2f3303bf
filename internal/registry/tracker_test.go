package registry

import (
	"testing"
	"time"

	"github.com/steveyegge/lookout/internal/state"
)

func TestStartSetsWorking(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	tracker := NewTracker(reg)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})

	id := tracker.Start("a1", state.ActivitySpec{Type: "research", Description: "dig", Priority: "high"})
	if id == "" {
		t.Fatal("empty activity id")
	}

	agent, _ := reg.Agent("a1")
	if agent.Status != state.StatusWorking {
		t.Errorf("status = %q, want working", agent.Status)
	}
	if agent.CurrentActivityID != id {
		t.Errorf("currentActivityID = %q, want %q", agent.CurrentActivityID, id)
	}

	activity, ok := reg.Activity(id)
	if !ok {
		t.Fatal("activity not tracked")
	}
	if activity.Status != state.ActivityInProgress {
		t.Errorf("activity status = %q, want in_progress", activity.Status)
	}
	if _, ok := st.Activities[id]; !ok {
		t.Error("activity not persisted")
	}
}

func TestStartIDsAreUnique(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tracker := NewTracker(reg)

	// The clock is frozen, so both starts share a millisecond.
	a := tracker.Start("a1", state.ActivitySpec{Type: "x"})
	b := tracker.Start("a1", state.ActivitySpec{Type: "y"})
	if a == b {
		t.Fatalf("activity ids collide: %s", a)
	}
}

func TestCompleteTransitionsToIdle(t *testing.T) {
	reg, st, clock := newTestRegistry(t)
	tracker := NewTracker(reg)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})

	id := tracker.Start("a1", state.ActivitySpec{Type: "research"})
	clock.Advance(2 * time.Minute)

	if !tracker.Complete(id, state.ActivityResult{Success: true, Result: map[string]any{"pages": 3}}) {
		t.Fatal("complete returned false for live activity")
	}

	agent, _ := reg.Agent("a1")
	if agent.Status != state.StatusIdle {
		t.Errorf("status = %q, want idle", agent.Status)
	}
	if agent.CurrentActivityID != "" {
		t.Errorf("currentActivityID = %q, want cleared", agent.CurrentActivityID)
	}

	activity, _ := reg.Activity(id)
	if activity.Status != state.ActivityCompleted {
		t.Errorf("activity status = %q, want completed", activity.Status)
	}
	if activity.DurationMS != (2 * time.Minute).Milliseconds() {
		t.Errorf("durationMS = %d, want %d", activity.DurationMS, (2 * time.Minute).Milliseconds())
	}
	if activity.Result["success"] != true {
		t.Errorf("result = %v, want success flag", activity.Result)
	}
	if st.CompleteCalls != 1 {
		t.Errorf("store CompleteActivity calls = %d, want 1", st.CompleteCalls)
	}
}

func TestCompleteUnknownActivityIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tracker := NewTracker(reg)

	if tracker.Complete("nope", state.ActivityResult{}) {
		t.Error("completing unknown activity should be a no-op")
	}
}

func TestCompleteSupersededActivityLeavesAgentAlone(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	tracker := NewTracker(reg)
	reg.UpsertDiscovered(&state.Agent{ID: "a1", Name: "A1"})

	first := tracker.Start("a1", state.ActivitySpec{Type: "one"})
	clock.Advance(time.Second)
	second := tracker.Start("a1", state.ActivitySpec{Type: "two"})

	// Completing the superseded activity closes it but must not touch the
	// agent, which is working on the second.
	if !tracker.Complete(first, state.ActivityResult{Success: true}) {
		t.Fatal("superseded activity should still close")
	}

	agent, _ := reg.Agent("a1")
	if agent.Status != state.StatusWorking {
		t.Errorf("status = %q, want working preserved", agent.Status)
	}
	if agent.CurrentActivityID != second {
		t.Errorf("currentActivityID = %q, want %q", agent.CurrentActivityID, second)
	}

	activity, _ := reg.Activity(first)
	if activity.Status != state.ActivityCompleted {
		t.Errorf("first activity status = %q, want completed", activity.Status)
	}
}

func TestCompleteTwiceIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tracker := NewTracker(reg)

	id := tracker.Start("a1", state.ActivitySpec{Type: "x"})
	if !tracker.Complete(id, state.ActivityResult{Success: true}) {
		t.Fatal("first complete failed")
	}
	if tracker.Complete(id, state.ActivityResult{Success: false}) {
		t.Error("second complete should be a no-op")
	}
}
