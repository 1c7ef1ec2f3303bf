// Package queue watches the three-stage message queue through which workers
// pick up and report work: files appear in incoming/, move to processing/,
// and land in completed/.
//
// The watcher never reads agent state; it correlates filesystem events to
// agent ids (encoded in filenames) and activity lifecycles, and feeds the
// results to the registry and activity tracker. Queue events are the
// highest-confidence signal source because they reflect real work.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/lookout/internal/eventbus"
	"github.com/steveyegge/lookout/internal/state"
)

// Queue stage directory names.
const (
	StageIncoming   = "incoming"
	StageProcessing = "processing"
	StageCompleted  = "completed"
)

var stages = []string{StageIncoming, StageProcessing, StageCompleted}

// DefaultPollInterval is the polling cadence when fsnotify is unavailable.
const DefaultPollInterval = 2 * time.Second

// DefaultFallbackPoll is the safety-net rescan cadence while fsnotify is
// active, catching events lost during watcher hiccups.
const DefaultFallbackPoll = 60 * time.Second

// agentIDToken is the underscore-separated token position that carries the
// agent id: <ts>_<seq>_<agentId>_<suffix>.json
const agentIDToken = 2

// UnknownAgent is attributed ownership of malformed filenames.
const UnknownAgent = "unknown"

// Tracker runs activity lifecycles. The registry's tracker implements it.
type Tracker interface {
	Start(agentID string, spec state.ActivitySpec) string
	Complete(activityID string, res state.ActivityResult) bool
}

// Observer accepts liveness signals. The registry implements it.
type Observer interface {
	Observe(sig state.Signal) bool
}

// message is the structured content of a queue file. Older workers write
// "task" instead of "description".
type message struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Task        string         `json:"task"`
	Priority    string         `json:"priority"`
	Success     bool           `json:"success"`
	Result      map[string]any `json:"result"`
}

// Watcher observes the queue directories and drives activity lifecycles.
type Watcher struct {
	root     string
	tracker  Tracker
	registry Observer
	bus      *eventbus.Bus
	logger   *slog.Logger
	now      func() time.Time

	pollInterval time.Duration
	fallbackPoll time.Duration

	mu           sync.Mutex
	correlations map[string]string          // incoming path → activity id
	seen         map[string]map[string]bool // stage → filename set
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPollInterval overrides the fallback polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithFallbackPoll overrides the safety-net rescan cadence.
func WithFallbackPoll(d time.Duration) Option {
	return func(w *Watcher) { w.fallbackPoll = d }
}

// WithClock overrides the watcher's time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// New creates a Watcher over the queue root, which contains the incoming,
// processing, and completed stage directories.
func New(root string, tracker Tracker, registry Observer, bus *eventbus.Bus, opts ...Option) *Watcher {
	w := &Watcher{
		root:         root,
		tracker:      tracker,
		registry:     registry,
		bus:          bus,
		logger:       slog.Default().With("component", "queue"),
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		fallbackPoll: DefaultFallbackPoll,
		correlations: make(map[string]string),
		seen:         make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, stage := range stages {
		w.seen[stage] = make(map[string]bool)
	}
	return w
}

// Run watches until ctx is canceled. Pre-existing files are treated as
// already handled; only files appearing after Run starts produce events.
// If fsnotify can't be set up, Run degrades to pure polling.
func (w *Watcher) Run(ctx context.Context) error {
	w.primeSeen()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling instead", "error", err)
		w.runPoll(ctx)
		return nil
	}
	defer watcher.Close()

	for _, stage := range stages {
		dir := filepath.Join(w.root, stage)
		if err := os.MkdirAll(dir, 0755); err != nil {
			w.logger.Warn("creating stage dir failed, polling instead", "dir", dir, "error", err)
			w.runPoll(ctx)
			return nil
		}
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn("watching stage dir failed, polling instead", "dir", dir, "error", err)
			w.runPoll(ctx)
			return nil
		}
	}

	// Safety net: a periodic rescan catches events fsnotify dropped.
	ticker := time.NewTicker(w.fallbackPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.dispatch(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-ticker.C:
			w.scanOnce()
		}
	}
}

// runPoll is the fsnotify-free loop: rescan every pollInterval.
func (w *Watcher) runPoll(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce()
		}
	}
}

// primeSeen records the current directory contents so the backlog present
// at startup is not replayed as new events.
func (w *Watcher) primeSeen() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, stage := range stages {
		entries, err := os.ReadDir(filepath.Join(w.root, stage))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				w.seen[stage][entry.Name()] = true
			}
		}
	}
}

// scanOnce diffs each stage directory against the seen set and synthesizes
// create/remove events for the differences.
func (w *Watcher) scanOnce() {
	for _, stage := range stages {
		dir := filepath.Join(w.root, stage)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		current := make(map[string]bool, len(entries))
		for _, entry := range entries {
			if !entry.IsDir() {
				current[entry.Name()] = true
			}
		}

		w.mu.Lock()
		var created, removed []string
		for name := range current {
			if !w.seen[stage][name] {
				created = append(created, name)
			}
		}
		for name := range w.seen[stage] {
			if !current[name] {
				removed = append(removed, name)
			}
		}
		w.seen[stage] = current
		w.mu.Unlock()

		for _, name := range created {
			w.handleCreate(stage, filepath.Join(dir, name))
		}
		for _, name := range removed {
			w.handleRemove(stage, filepath.Join(dir, name))
		}
	}
}

// dispatch routes one fsnotify event to the stage handlers.
func (w *Watcher) dispatch(event fsnotify.Event) {
	stage := filepath.Base(filepath.Dir(event.Name))
	name := filepath.Base(event.Name)

	switch {
	case event.Op.Has(fsnotify.Create):
		w.mu.Lock()
		if set, ok := w.seen[stage]; ok {
			if set[name] {
				w.mu.Unlock()
				return // fallback scan already handled it
			}
			set[name] = true
		}
		w.mu.Unlock()
		w.handleCreate(stage, event.Name)
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.mu.Lock()
		if set, ok := w.seen[stage]; ok {
			delete(set, name)
		}
		w.mu.Unlock()
		w.handleRemove(stage, event.Name)
	}
}

// handleCreate processes a file appearing in a stage directory.
func (w *Watcher) handleCreate(stage, path string) {
	agentID := AgentIDFromFilename(filepath.Base(path))
	now := w.now()

	switch stage {
	case StageIncoming:
		msg, ok := w.readMessage(path)
		if !ok {
			return
		}
		description := msg.Description
		if description == "" {
			description = msg.Task
		}
		activityID := w.tracker.Start(agentID, state.ActivitySpec{
			Type:        msg.Type,
			Description: description,
			Priority:    msg.Priority,
		})
		w.mu.Lock()
		w.correlations[path] = activityID
		w.mu.Unlock()

	case StageProcessing:
		w.registry.Observe(state.Signal{
			Source:     state.SourceQueue,
			AgentID:    agentID,
			Status:     state.StatusWorking,
			ObservedAt: now,
		})

	case StageCompleted:
		incomingPath := filepath.Join(w.root, StageIncoming, filepath.Base(path))
		w.mu.Lock()
		activityID, found := w.correlations[incomingPath]
		w.mu.Unlock()

		if !found {
			// Normal after a restart: in-flight correlations are not durable.
			w.logger.Info("completed message with no matching correlation", "path", path)
			return
		}

		// The correlation outlives an unreadable completed file: a later
		// retry of the same event can still close the activity.
		msg, ok := w.readMessage(path)
		if !ok {
			return
		}
		w.mu.Lock()
		delete(w.correlations, incomingPath)
		w.mu.Unlock()

		// The tracker owns the agent's idle transition, and skips it when a
		// newer activity has superseded this one. An extra idle signal here
		// would clobber that newer activity's working status.
		w.tracker.Complete(activityID, state.ActivityResult{
			Success: msg.Success,
			Result:  msg.Result,
		})
	}
}

// handleRemove emits an informational event only; removals carry no state.
func (w *Watcher) handleRemove(stage, path string) {
	w.bus.PublishFileChange(map[string]any{
		"stage":  stage,
		"file":   filepath.Base(path),
		"action": "removed",
		"agent":  AgentIDFromFilename(filepath.Base(path)),
	})
}

// readMessage parses a queue file. Unparseable content is logged and the
// event is dropped; queue files are never retried.
func (w *Watcher) readMessage(path string) (message, bool) {
	var msg message
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("skipping unreadable queue file", "path", path, "error", err)
		return msg, false
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		w.logger.Warn("skipping malformed queue message", "path", path, "error", err)
		return msg, false
	}
	return msg, true
}

// CorrelationCount reports how many incoming messages are awaiting their
// completed-stage counterpart.
func (w *Watcher) CorrelationCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.correlations)
}

// AgentIDFromFilename extracts the owning agent id from a queue filename of
// the form <ts>_<seq>_<agentId>_<suffix>.json. Filenames with too few
// tokens fall back to UnknownAgent.
func AgentIDFromFilename(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	tokens := strings.Split(name, "_")
	if len(tokens) <= agentIDToken {
		return UnknownAgent
	}
	id := strings.TrimSpace(tokens[agentIDToken])
	if id == "" {
		return UnknownAgent
	}
	return id
}
