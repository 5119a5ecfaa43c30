/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"time"

	"github.com/krobus00/stream-gateway/internal/bootstrap"
	"github.com/spf13/cobra"
)

// migrationReadinessCmd represents the migration-readiness command
var migrationReadinessCmd = &cobra.Command{
	Use:   "migration-readiness",
	Short: "Check whether a running gateway is ready to drop the legacy server",
	Long: `Query the migration readiness endpoint of a running gateway and print
the report. Exits with a non-zero status when the gateway is not ready.`,
	Run: bootstrap.StartMigrationReadiness,
}

func init() {
	rootCmd.AddCommand(migrationReadinessCmd)
	migrationReadinessCmd.PersistentFlags().String("addr", "", "gateway base url (default: http://localhost:<port.http>)")
	migrationReadinessCmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")
}
