// Package main is the entry point for the mrwatch CLI.
//
// mrwatch can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	mrwatch serve -c config.yaml    # Watch GitLab and serve the API
//	mrwatch validate -c config.yaml # Validate configuration
//	mrwatch version                 # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jpalmerr/mrwatch/config"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "mrwatch",
	Short: "Watch GitLab merge requests, pipelines and todos",
	Long: `mrwatch polls GitLab for the open merge requests of a set of users,
the pipelines of those merge requests and your todo list, and serves the
result as a JSON API with Server-Sent Events for live updates.

Quick start:
  1. Create a config file (mrwatch.yaml)
  2. Run: MRWATCH_API_TOKEN=... mrwatch serve -c mrwatch.yaml
  3. curl http://localhost:8080/api/merge-requests

Example config:
  api_endpoint: https://gitlab.example.com
  api_token: ${GITLAB_TOKEN}
  poll_interval: 5s
  users: [alice, bob]

Flags and MRWATCH_* environment variables override the file:
  --api-endpoint / MRWATCH_API_ENDPOINT
  --api-token    / MRWATCH_API_TOKEN
  --log-level    / MRWATCH_LOG_LEVEL`,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this mrwatch binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mrwatch %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().String("api-endpoint", "", "GitLab URL, overrides api_endpoint")
	rootCmd.PersistentFlags().String("api-token", "", "GitLab access token, overrides api_token")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")

	_ = viper.BindPFlag("api-endpoint", rootCmd.PersistentFlags().Lookup("api-endpoint"))
	_ = viper.BindPFlag("api-token", rootCmd.PersistentFlags().Lookup("api-token"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}

// initViper maps MRWATCH_* environment variables onto the flag keys, so
// MRWATCH_API_TOKEN fills api-token when the flag is not given.
func initViper() {
	viper.SetEnvPrefix("MRWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// overrides returns the connection settings given by flag or environment.
func overrides() config.Overrides {
	return config.Overrides{
		APIEndpoint: viper.GetString("api-endpoint"),
		APIToken:    viper.GetString("api-token"),
	}
}

// newLogger creates a JSON logger for CLI use.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})), nil
}
