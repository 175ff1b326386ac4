package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/mrwatch/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate an mrwatch configuration file without contacting GitLab.

This command parses the YAML, applies flag and environment overrides,
expands environment variables, and validates all fields. It's useful for
CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  mrwatch validate -c config.yaml
  mrwatch validate --config /etc/mrwatch/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWithOverrides(configFile, overrides())
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	team := "-"
	if cfg.Team != "" {
		team = cfg.Team
	}
	usernames := "-"
	if names := cfg.Usernames(); len(names) > 0 {
		usernames = strings.Join(names, ", ")
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  API endpoint:  %s\n", cfg.APIEndpoint)
	fmt.Printf("  Port:          %d\n", cfg.Port)
	fmt.Printf("  Poll interval: %s\n", cfg.PollInterval.Duration())
	fmt.Printf("  Team:          %s\n", team)
	fmt.Printf("  Usernames:     %s\n", usernames)
	fmt.Printf("  User ids:      %d\n", len(cfg.UserIDs))
	fmt.Printf("  Todos:         %t\n", cfg.TodosEnabled())

	return nil
}
