// Package config loads lookout's TOML configuration.
//
// Every field has a sensible default; a missing config file is not an
// error, and a partial file only overrides what it names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete lookout configuration.
type Config struct {
	// Workspace is the root containing the agents directory and project
	// subtrees.
	Workspace string `toml:"workspace"`

	// HeartbeatDir holds <agentID>.heartbeat marker files.
	HeartbeatDir string `toml:"heartbeat_dir"`

	// QueueDir holds the incoming/processing/completed stage directories.
	QueueDir string `toml:"queue_dir"`

	// DatabasePath is the SQLite file backing the store.
	DatabasePath string `toml:"database_path"`

	// ListenAddr serves the websocket subscription endpoint.
	ListenAddr string `toml:"listen_addr"`

	SweepInterval    Duration `toml:"sweep_interval"`
	Staleness        Duration `toml:"staleness"`
	HeartbeatWindow  Duration `toml:"heartbeat_window"`
	LogWindow        Duration `toml:"log_window"`
	HeartbeatCadence Duration `toml:"heartbeat_cadence"`

	// DowngradeActive extends the staleness sweep to active agents.
	DowngradeActive bool `toml:"downgrade_active"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// Default returns the configuration used when no file overrides it.
// Paths hang off the workspace root so a bare "lookout run" in a workspace
// needs no config at all.
func Default(workspace string) Config {
	return Config{
		Workspace:        workspace,
		HeartbeatDir:     filepath.Join(workspace, ".lookout", "heartbeats"),
		QueueDir:         filepath.Join(workspace, ".lookout", "queue"),
		DatabasePath:     filepath.Join(workspace, ".lookout", "lookout.db"),
		ListenAddr:       "127.0.0.1:4690",
		SweepInterval:    Duration(30 * time.Second),
		Staleness:        Duration(5 * time.Minute),
		HeartbeatWindow:  Duration(60 * time.Second),
		LogWindow:        Duration(5 * time.Minute),
		HeartbeatCadence: Duration(30 * time.Second),
		LogLevel:         "info",
	}
}

// Load reads the config file at path, merged over Default(workspace).
// A missing file returns the defaults.
func Load(path, workspace string) (Config, error) {
	cfg := Default(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}
