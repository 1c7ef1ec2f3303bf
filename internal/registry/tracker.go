package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/steveyegge/lookout/internal/state"
)

// Tracker runs activity lifecycles on top of the registry. Starting an
// activity puts its agent into working; completing it returns the agent to
// idle, unless a newer activity has superseded it in the meantime.
type Tracker struct {
	registry *Registry
}

// NewTracker creates a Tracker bound to the registry.
func NewTracker(r *Registry) *Tracker {
	return &Tracker{registry: r}
}

// Start creates an in-progress activity for the agent and returns its id.
// The id embeds the agent id and start instant plus a random suffix, so two
// activities starting within the same millisecond still get distinct ids.
func (t *Tracker) Start(agentID string, spec state.ActivitySpec) string {
	r := t.registry
	now := r.now()

	activity := &state.Activity{
		ID:          fmt.Sprintf("%s-%d-%s", agentID, now.UnixMilli(), uuid.NewString()[:8]),
		AgentID:     agentID,
		Type:        spec.Type,
		Description: spec.Description,
		Priority:    spec.Priority,
		Status:      state.ActivityInProgress,
		StartedAt:   now,
	}

	r.mu.Lock()
	r.activities[activity.ID] = activity
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.RecordActivity(ctx, activity); err != nil {
		r.logger.Warn("activity persist failed", "activity", activity.ID, "error", err)
	}

	r.setWorkStatus(agentID, state.StatusWorking, activity.ID)
	r.logger.Info("activity started", "activity", activity.ID, "agent", agentID, "type", spec.Type)
	return activity.ID
}

// Complete closes the activity and reports its duration. Unknown ids are a
// no-op. The owning agent transitions to idle only if this activity is still
// its current one; completing a superseded activity must not clobber the
// status the newer activity set.
func (t *Tracker) Complete(activityID string, res state.ActivityResult) bool {
	r := t.registry
	now := r.now()

	r.mu.Lock()
	activity, ok := r.activities[activityID]
	if !ok || activity.Status == state.ActivityCompleted {
		r.mu.Unlock()
		return false
	}

	payload := map[string]any{"success": res.Success}
	for k, v := range res.Result {
		payload[k] = v
	}

	activity.Status = state.ActivityCompleted
	activity.CompletedAt = now
	activity.DurationMS = now.Sub(activity.StartedAt).Milliseconds()
	activity.Result = payload

	agentID := activity.AgentID
	durationMS := activity.DurationMS

	// The idle transition happens inside the same critical section as the
	// currentActivityId check: a newer Start must not interleave between
	// the check and the write.
	var agentSnapshot *state.Agent
	if entry, ok := r.agents[agentID]; ok && entry.agent.CurrentActivityID == activityID {
		agent := entry.agent
		agent.Status = state.StatusIdle
		agent.CurrentActivityID = ""
		agent.LastSeen = now
		agent.Revision++
		entry.confidence = state.SourceQueue.Confidence()
		entry.statusObserved = now
		agentSnapshot = agent.Clone()
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.CompleteActivity(ctx, activityID, payload, durationMS); err != nil {
		r.logger.Warn("activity completion persist failed", "activity", activityID, "error", err)
	}

	if agentSnapshot != nil {
		r.persistAgent(agentSnapshot)
		r.bus.PublishAgentUpdate(agentSnapshot)
	}

	r.logger.Info("activity completed",
		"activity", activityID, "agent", agentID, "duration_ms", durationMS, "success", res.Success)
	return true
}
