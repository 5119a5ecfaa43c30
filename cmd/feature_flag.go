/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/stream-gateway/internal/bootstrap"
	"github.com/spf13/cobra"
)

// featureFlagCmd represents the feature-flag command
var featureFlagCmd = &cobra.Command{
	Use:   "feature-flag",
	Short: "Manage live feature flag overrides",
}

var featureFlagSetCmd = &cobra.Command{
	Use:   "set <field> <value>",
	Short: "Override a feature flag for every running instance",
	Args:  cobra.ExactArgs(2),
	Run:   bootstrap.StartSetFeatureFlag,
}

var featureFlagUnsetCmd = &cobra.Command{
	Use:   "unset <field>...",
	Short: "Remove overrides so the configured defaults apply",
	Args:  cobra.MinimumNArgs(1),
	Run:   bootstrap.StartUnsetFeatureFlag,
}

func init() {
	rootCmd.AddCommand(featureFlagCmd)
	featureFlagCmd.AddCommand(featureFlagSetCmd, featureFlagUnsetCmd)
}
