package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPathsHangOffWorkspace(t *testing.T) {
	cfg := Default("/work/town")

	if cfg.Workspace != "/work/town" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.HeartbeatDir != filepath.Join("/work/town", ".lookout", "heartbeats") {
		t.Errorf("heartbeat dir = %q", cfg.HeartbeatDir)
	}
	if cfg.QueueDir != filepath.Join("/work/town", ".lookout", "queue") {
		t.Errorf("queue dir = %q", cfg.QueueDir)
	}
	if cfg.DatabasePath != filepath.Join("/work/town", ".lookout", "lookout.db") {
		t.Errorf("database path = %q", cfg.DatabasePath)
	}
	if cfg.SweepInterval.Std() != 30*time.Second || cfg.Staleness.Std() != 5*time.Minute {
		t.Errorf("cadence defaults = %v / %v", cfg.SweepInterval.Std(), cfg.Staleness.Std())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"), "/ws")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != Default("/ws").ListenAddr {
		t.Errorf("missing file changed defaults: %+v", cfg)
	}
}

func TestLoadPartialFileOverridesOnlyNamedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookout.toml")
	content := `listen_addr = "0.0.0.0:9999"
sweep_interval = "10s"
downgrade_active = true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, "/ws")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SweepInterval.Std() != 10*time.Second {
		t.Errorf("sweep interval = %v", cfg.SweepInterval.Std())
	}
	if !cfg.DowngradeActive {
		t.Error("downgrade_active not applied")
	}

	// Fields the file doesn't name keep their defaults.
	if cfg.Staleness.Std() != 5*time.Minute {
		t.Errorf("staleness = %v, want default", cfg.Staleness.Std())
	}
	if cfg.HeartbeatDir != Default("/ws").HeartbeatDir {
		t.Errorf("heartbeat dir = %q, want default", cfg.HeartbeatDir)
	}
}

func TestLoadBadDurationFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookout.toml")
	if err := os.WriteFile(path, []byte(`sweep_interval = "soon"`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, "/ws"); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestLoadMalformedTOMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookout.toml")
	if err := os.WriteFile(path, []byte("listen_addr = [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, "/ws"); err == nil {
		t.Error("expected error for malformed TOML")
	}
}

func TestLoadFileWorkspaceWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookout.toml")
	if err := os.WriteFile(path, []byte(`workspace = "/elsewhere"`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, "/ws")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "/elsewhere" {
		t.Errorf("workspace = %q, want file value", cfg.Workspace)
	}
}
