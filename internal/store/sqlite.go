package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/steveyegge/lookout/internal/state"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. The schema is
// created if it doesn't exist, and parent directories are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps sweep-driven writes from blocking snapshot reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			location TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			last_seen DATETIME,
			current_activity_id TEXT NOT NULL DEFAULT '',
			revision INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			agent_ids TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration_ms INTEGER,
			result TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_activities_agent
			ON activities(agent_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_activities_started
			ON activities(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// UpsertAgent inserts or replaces an agent row keyed by id.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *state.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, status, capabilities, location, project, path, last_seen, current_activity_id, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			capabilities = excluded.capabilities,
			location = excluded.location,
			project = excluded.project,
			path = excluded.path,
			last_seen = excluded.last_seen,
			current_activity_id = excluded.current_activity_id,
			revision = excluded.revision,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, agent.Type, string(agent.Status), string(caps),
		agent.Location, agent.Project, agent.Path, nullTime(agent.LastSeen),
		agent.CurrentActivityID, agent.Revision, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", agent.ID, err)
	}
	return nil
}

// UpsertProject inserts or replaces a project row keyed by id.
func (s *SQLiteStore) UpsertProject(ctx context.Context, project *state.Project) error {
	ids, err := json.Marshal(project.AgentIDs)
	if err != nil {
		return fmt.Errorf("encoding agent ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, status, location, agent_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			status = excluded.status,
			location = excluded.location,
			agent_ids = excluded.agent_ids,
			updated_at = excluded.updated_at`,
		project.ID, project.Name, project.Path, project.Status,
		project.Location, string(ids), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting project %s: %w", project.ID, err)
	}
	return nil
}

// RecordActivity writes a newly started activity.
func (s *SQLiteStore) RecordActivity(ctx context.Context, activity *state.Activity) error {
	var result any
	if activity.Result != nil {
		data, err := json.Marshal(activity.Result)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		result = string(data)
	}
	// duration_ms is NULL while in progress; a completed activity stores
	// its duration even when it rounds to zero.
	var durationMS any
	if activity.Status == state.ActivityCompleted {
		durationMS = activity.DurationMS
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO activities (id, agent_id, type, description, priority, status, started_at, completed_at, duration_ms, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		activity.ID, activity.AgentID, activity.Type, activity.Description,
		activity.Priority, string(activity.Status), activity.StartedAt.UTC(),
		nullTime(activity.CompletedAt), durationMS, result)
	if err != nil {
		return fmt.Errorf("recording activity %s: %w", activity.ID, err)
	}
	return nil
}

// CompleteActivity marks an existing activity completed.
func (s *SQLiteStore) CompleteActivity(ctx context.Context, id string, result map[string]any, durationMS int64) error {
	var payload any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		payload = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE activities
		SET status = ?, completed_at = ?, duration_ms = ?, result = ?
		WHERE id = ?`,
		string(state.ActivityCompleted), time.Now().UTC(), durationMS, payload, id)
	if err != nil {
		return fmt.Errorf("completing activity %s: %w", id, err)
	}
	return nil
}

// RecentActivities returns the newest activities first, up to limit.
func (s *SQLiteStore) RecentActivities(ctx context.Context, limit int) ([]*state.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, type, description, priority, status, started_at, completed_at, duration_ms, result
		FROM activities
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}
	defer rows.Close()

	var activities []*state.Activity
	for rows.Next() {
		a := &state.Activity{}
		var status string
		var completedAt sql.NullTime
		var durationMS sql.NullInt64
		var result sql.NullString
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Type, &a.Description, &a.Priority,
			&status, &a.StartedAt, &completedAt, &durationMS, &result); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		a.Status = state.ActivityStatus(status)
		if completedAt.Valid {
			a.CompletedAt = completedAt.Time
		}
		if durationMS.Valid {
			a.DurationMS = durationMS.Int64
		}
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &a.Result); err != nil {
				s.logger.Warn("ignoring malformed activity result", "activity", a.ID, "error", err)
			}
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// AgentPerformanceStats aggregates completed activities per agent.
func (s *SQLiteStore) AgentPerformanceStats(ctx context.Context) ([]AgentPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id,
		       COUNT(*),
		       COALESCE(AVG(duration_ms), 0),
		       COALESCE(MAX(completed_at), ''),
		       COALESCE(AVG(CASE WHEN json_extract(result, '$.success') THEN 100.0 ELSE 0.0 END), 0)
		FROM activities
		WHERE status = ?
		GROUP BY agent_id
		ORDER BY agent_id`, string(state.ActivityCompleted))
	if err != nil {
		return nil, fmt.Errorf("querying performance stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentPerformance
	for rows.Next() {
		var p AgentPerformance
		if err := rows.Scan(&p.AgentID, &p.Completed, &p.AvgDurationMS, &p.LastCompleted, &p.SuccessPercent); err != nil {
			return nil, fmt.Errorf("scanning performance row: %w", err)
		}
		stats = append(stats, p)
	}
	return stats, rows.Err()
}

// ActivityDistribution counts activities by type.
func (s *SQLiteStore) ActivityDistribution(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM activities GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("querying activity distribution: %w", err)
	}
	defer rows.Close()

	dist := make(map[string]int)
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scanning distribution row: %w", err)
		}
		if strings.TrimSpace(typ) == "" {
			typ = "unknown"
		}
		dist[typ] += count
	}
	return dist, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
