/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/stream-gateway/internal/bootstrap"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stream gateway",
	Long: `Start the stream gateway. It admits websocket clients on the legacy and
gateway paths, dispatches their subscriptions to the configured providers
and exposes health, stats and migration readiness over http and grpc.`,
	Run: bootstrap.StartStreamGateway,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
