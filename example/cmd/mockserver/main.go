// Standalone mock GitLab for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal, with a config listing alice and/or bob:
//
//	MRWATCH_API_ENDPOINT=http://localhost:9999 MRWATCH_API_TOKEN=demo \
//	  go run ./cmd/mrwatch serve -c mrwatch.yaml
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/mrwatch/example/mockgitlab"
)

func main() {
	var (
		addr      string
		minChange time.Duration
		maxChange time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mockserver",
		Short: "Serve a simulated GitLab API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			fmt.Printf("Mock GitLab starting on %s\n", addr)
			fmt.Println("Users: alice (1), bob (2)")
			fmt.Println("Pipelines cycle: pending → running → success | failed")
			fmt.Println("Press Ctrl+C to stop")
			fmt.Println()

			mock := mockgitlab.New(logger, minChange, maxChange)
			return http.ListenAndServe(addr, mock.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9999", "listen address")
	cmd.Flags().DurationVar(&minChange, "min-change", 20*time.Second, "minimum time between state changes")
	cmd.Flags().DurationVar(&maxChange, "max-change", 60*time.Second, "maximum time between state changes")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
