package cmd

import (
	"github.com/spf13/cobra"

	"github.com/steveyegge/lookout/internal/heartbeat"
)

var touchCmd = &cobra.Command{
	Use:   "touch <agent-id>",
	Short: "Refresh an agent's heartbeat file",
	Long: `Refresh an agent's heartbeat file.

Workers call this from their own loops to declare themselves alive; the
daemon itself never writes heartbeats.

Examples:
  lookout touch agent-research-001`,
	Args: cobra.ExactArgs(1),
	RunE: runTouch,
}

func init() {
	rootCmd.AddCommand(touchCmd)
}

func runTouch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return heartbeat.New(cfg.HeartbeatDir).Touch(args[0])
}
