// Package state defines the entities lookout tracks: agents, the activities
// attributed to them, the projects that group them, and the transient signals
// that liveness sources emit about them.
//
// Agents never tell lookout anything directly. Everything here is inferred
// from filesystem artifacts, so each signal carries a confidence tier and the
// registry resolves conflicts between tiers deterministically.
package state

import "time"

// AgentStatus represents the operational status of an agent.
type AgentStatus string

const (
	StatusOffline AgentStatus = "offline" // No recent evidence of life
	StatusActive  AgentStatus = "active"  // Alive, no known work in flight
	StatusWorking AgentStatus = "working" // Executing a tracked activity
	StatusIdle    AgentStatus = "idle"    // Alive, finished its last activity
	StatusError   AgentStatus = "error"   // Needs operator intervention
)

// IsLive returns true if the status indicates the agent is reachable.
func (s AgentStatus) IsLive() bool {
	switch s {
	case StatusActive, StatusWorking, StatusIdle:
		return true
	default:
		return false
	}
}

// SignalSource identifies which observer produced a signal.
type SignalSource string

const (
	SourceQueue     SignalSource = "queue"     // Queue stage transitions (real work)
	SourceHeartbeat SignalSource = "heartbeat" // Explicit heartbeat marker files
	SourceProbe     SignalSource = "probe"     // Process table inspection
	SourceLog       SignalSource = "log"       // Log directory mtime heuristic
	SourceScanner   SignalSource = "scanner"   // Initial workspace discovery
)

// Confidence returns the source's confidence tier. Higher wins during
// reconciliation; queue events reflect real work, not mere presence.
func (s SignalSource) Confidence() int {
	switch s {
	case SourceQueue:
		return 4
	case SourceHeartbeat:
		return 3
	case SourceProbe:
		return 2
	case SourceLog:
		return 1
	default:
		return 0
	}
}

// Signal is a transient observation of one agent from one source.
// Signals are never persisted; they exist only to feed the registry.
type Signal struct {
	Source     SignalSource `json:"source"`
	AgentID    string       `json:"agent_id"`
	Status     AgentStatus  `json:"status"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Agent is a logical worker discovered in the workspace. Agents are upserted
// by id and never deleted; a vanished agent goes offline instead.
type Agent struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Type              string      `json:"type"`
	Status            AgentStatus `json:"status"`
	Capabilities      []string    `json:"capabilities,omitempty"`
	Location          string      `json:"location,omitempty"`
	Project           string      `json:"project,omitempty"`
	Path              string      `json:"path,omitempty"`
	LastSeen          time.Time   `json:"last_seen"`
	CurrentActivityID string      `json:"current_activity_id,omitempty"`

	// Revision increments on every accepted mutation. It makes the
	// read-modify-write atomicity the registry provides observable.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.Capabilities != nil {
		c.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &c
}

// ActivityStatus represents an activity's lifecycle phase.
type ActivityStatus string

const (
	ActivityInProgress ActivityStatus = "in_progress"
	ActivityCompleted  ActivityStatus = "completed"
)

// Activity is a bounded unit of work attributed to one agent.
// CompletedAt, DurationMS, and Result are set exactly when Status is
// ActivityCompleted.
type Activity struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Status      ActivityStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// ActivitySpec describes a new activity at start time.
type ActivitySpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// ActivityResult describes the outcome reported when an activity closes.
type ActivityResult struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
}

// Project groups agents discovered under one project subtree.
// Projects are created by discovery and not mutated by liveness signals.
type Project struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Status   string   `json:"status"`
	Location string   `json:"location,omitempty"`
	AgentIDs []string `json:"agent_ids,omitempty"`
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	c := *p
	if p.AgentIDs != nil {
		c.AgentIDs = append([]string(nil), p.AgentIDs...)
	}
	return &c
}
