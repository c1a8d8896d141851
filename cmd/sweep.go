// -- cmd/sweep.go --
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/coderenew/scan-engine/internal/observability"
	"github.com/coderenew/scan-engine/internal/service"
)

// sweepCmd runs one staleness sweep and exits. Intended to be invoked by
// an external cron-equivalent once per day.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Refresh stale risk scores across all findings and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		components, err := service.Build(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer components.Shutdown()

		return components.Scheduler.RunDailySweep(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
