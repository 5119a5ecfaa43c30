/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"time"

	"github.com/krobus00/stream-gateway/internal/bootstrap"
	"github.com/spf13/cobra"
)

// apiKeyCmd represents the api-key command
var apiKeyCmd = &cobra.Command{
	Use:   "api-key",
	Short: "Manage client credentials",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an api key and access token in the identity database",
	Run:   bootstrap.StartCreateAPIKey,
}

var apiKeyDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Deactivate an api key so admission rejects it",
	Run:   bootstrap.StartDeactivateAPIKey,
}

var apiKeyTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed bearer token",
	Run:   bootstrap.StartIssueToken,
}

func init() {
	rootCmd.AddCommand(apiKeyCmd)
	apiKeyCmd.AddCommand(apiKeyCreateCmd, apiKeyDeactivateCmd, apiKeyTokenCmd)

	apiKeyCreateCmd.Flags().String("name", "", "key owner name")
	apiKeyCreateCmd.Flags().StringSlice("permissions", []string{"stream:read", "stream:subscribe"}, "granted permissions")
	apiKeyCreateCmd.Flags().Int("rate-limit", 0, "requests per window, 0 uses the configured default")
	apiKeyCreateCmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	apiKeyCreateCmd.Flags().Duration("expires-in", 0, "key lifetime, 0 never expires")

	apiKeyDeactivateCmd.Flags().String("id", "", "api key id")

	apiKeyTokenCmd.Flags().String("subject", "", "token subject")
	apiKeyTokenCmd.Flags().String("name", "", "display name")
	apiKeyTokenCmd.Flags().StringSlice("permissions", []string{"stream:read", "stream:subscribe"}, "granted permissions")
	apiKeyTokenCmd.Flags().Duration("expires-in", 24*time.Hour, "token lifetime")
}
