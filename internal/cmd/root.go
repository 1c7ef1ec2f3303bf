// Package cmd implements the lookout CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/lookout/internal/config"
)

// Persistent flags.
var (
	flagWorkspace string
	flagConfig    string
)

var rootCmd = &cobra.Command{
	Use:   "lookout",
	Short: "Monitor agents that advertise themselves through the filesystem",
	Long: `Lookout watches a workspace of worker agents and maintains a live
registry of who is alive and what they are working on, built entirely from
filesystem artifacts: directory layout, heartbeat files, log activity, and
the three-stage message queue.

Examples:
  lookout run
  lookout status
  lookout touch agent-research-001`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", "", "workspace root (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default: <workspace>/lookout.toml)")
}

// loadConfig resolves the workspace and loads configuration, wiring the
// logger to the configured level.
func loadConfig() (config.Config, error) {
	workspace := flagWorkspace
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("resolving workspace: %w", err)
		}
		workspace = cwd
	}

	path := flagConfig
	if path == "" {
		path = filepath.Join(workspace, "lookout.toml")
	}
	cfg, err := config.Load(path, workspace)
	if err != nil {
		return cfg, err
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return cfg, nil
}
