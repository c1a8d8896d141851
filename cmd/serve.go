// -- cmd/serve.go --
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/internal/observability"
	"github.com/coderenew/scan-engine/internal/service"
)

// serveCmd runs the engine as a daemon: the enrichment scheduler stays
// up, reacting to completed scans and running the periodic sweep.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan engine daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		components, err := service.Build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer components.Shutdown()

		components.Scheduler.Start(ctx)
		logger.Info("Scan engine running; waiting for work")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case received := <-sig:
			logger.Info("Signal received, shutting down", zap.String("signal", received.String()))
		case <-ctx.Done():
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
