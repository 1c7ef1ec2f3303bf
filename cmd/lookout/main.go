// Command lookout is the agent monitoring daemon and its CLI.
package main

import (
	"os"

	"github.com/steveyegge/lookout/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
