// Package store persists registry state. The registry treats the store as
// fire-and-forget: a failed write never blocks reconciliation, it marks the
// agent dirty so the next sweep re-attempts the upsert.
package store

import (
	"context"

	"github.com/steveyegge/lookout/internal/state"
)

// AgentPerformance summarizes completed work per agent.
type AgentPerformance struct {
	AgentID        string  `json:"agent_id"`
	Completed      int     `json:"completed"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
	LastCompleted  string  `json:"last_completed,omitempty"`
	SuccessPercent float64 `json:"success_percent"`
}

// Store is the durable gateway consumed by the registry. Only the registry
// writes through it.
type Store interface {
	UpsertAgent(ctx context.Context, agent *state.Agent) error
	UpsertProject(ctx context.Context, project *state.Project) error
	RecordActivity(ctx context.Context, activity *state.Activity) error
	CompleteActivity(ctx context.Context, id string, result map[string]any, durationMS int64) error

	RecentActivities(ctx context.Context, limit int) ([]*state.Activity, error)
	AgentPerformanceStats(ctx context.Context) ([]AgentPerformance, error)
	ActivityDistribution(ctx context.Context) (map[string]int, error)

	Close() error
}
