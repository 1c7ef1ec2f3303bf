package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/lookout/internal/eventbus"
	"github.com/steveyegge/lookout/internal/heartbeat"
	"github.com/steveyegge/lookout/internal/probe"
	"github.com/steveyegge/lookout/internal/registry"
	"github.com/steveyegge/lookout/internal/scanner"
	"github.com/steveyegge/lookout/internal/store"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Scan the workspace once and print agent status",
	Long: `Scan the workspace once and print agent status.

Runs discovery, a heartbeat sweep, and a process probe without starting the
daemon, then prints the reconciled view.

Examples:
  lookout status
  lookout status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := eventbus.New()
	defer bus.Close()
	reg := registry.New(st, bus)

	if err := scanner.New(cfg.Workspace, reg).Scan(); err != nil {
		return err
	}

	hb := heartbeat.New(cfg.HeartbeatDir, heartbeat.WithWindow(cfg.HeartbeatWindow.Std()))
	for _, sig := range hb.Sweep() {
		reg.Observe(sig)
	}

	ctx := context.Background()
	agents := reg.Agents()
	for _, sig := range probe.New().Sweep(ctx, agents) {
		reg.Observe(sig)
	}
	for _, sig := range probe.NewLogHeuristic(probe.WithLogWindow(cfg.LogWindow.Std())).Sweep(agents) {
		reg.Observe(sig)
	}

	agents = reg.Agents()
	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(agents)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tPROJECT\tLAST SEEN")
	for _, agent := range agents {
		lastSeen := "never"
		if !agent.LastSeen.IsZero() {
			lastSeen = time.Since(agent.LastSeen).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", agent.ID, agent.Status, agent.Project, lastSeen)
	}
	return w.Flush()
}
