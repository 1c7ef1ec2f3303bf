package store

import (
	"context"
	"sort"
	"sync"

	"github.com/steveyegge/lookout/internal/state"
)

// MockStore is an in-memory Store for tests. FailWrites makes every write
// return ErrWriteFailed so callers can exercise their degraded paths.
type MockStore struct {
	mu         sync.Mutex
	Agents     map[string]*state.Agent
	Projects   map[string]*state.Project
	Activities map[string]*state.Activity
	FailWrites bool

	UpsertCalls   int
	CompleteCalls int
}

// ErrWriteFailed is returned by MockStore writes when FailWrites is set.
var ErrWriteFailed = errWriteFailed{}

type errWriteFailed struct{}

func (errWriteFailed) Error() string { return "store: write failed" }

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		Agents:     make(map[string]*state.Agent),
		Projects:   make(map[string]*state.Project),
		Activities: make(map[string]*state.Activity),
	}
}

func (m *MockStore) UpsertAgent(_ context.Context, agent *state.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if m.FailWrites {
		return ErrWriteFailed
	}
	m.Agents[agent.ID] = agent.Clone()
	return nil
}

func (m *MockStore) UpsertProject(_ context.Context, project *state.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return ErrWriteFailed
	}
	m.Projects[project.ID] = project.Clone()
	return nil
}

func (m *MockStore) RecordActivity(_ context.Context, activity *state.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return ErrWriteFailed
	}
	copied := *activity
	m.Activities[activity.ID] = &copied
	return nil
}

func (m *MockStore) CompleteActivity(_ context.Context, id string, result map[string]any, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls++
	if m.FailWrites {
		return ErrWriteFailed
	}
	if a, ok := m.Activities[id]; ok {
		a.Status = state.ActivityCompleted
		a.Result = result
		a.DurationMS = durationMS
	}
	return nil
}

func (m *MockStore) RecentActivities(_ context.Context, limit int) ([]*state.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*state.Activity
	for _, a := range m.Activities {
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) AgentPerformanceStats(context.Context) ([]AgentPerformance, error) {
	return nil, nil
}

func (m *MockStore) ActivityDistribution(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dist := make(map[string]int)
	for _, a := range m.Activities {
		typ := a.Type
		if typ == "" {
			typ = "unknown"
		}
		dist[typ]++
	}
	return dist, nil
}

func (m *MockStore) Close() error { return nil }
