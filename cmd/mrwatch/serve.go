package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/mrwatch"
	"github.com/jpalmerr/mrwatch/config"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd starts watching and serving.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch GitLab and serve the API",
	Long: `Start watching GitLab and serve the merge request API.

The server will:
  - Load configuration from the specified YAML file
  - Resolve the configured usernames and team to user ids
  - Poll merge requests, pipelines and todos
  - Serve the JSON API and SSE stream on the configured port
  - Restart the watcher when the config file changes

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  mrwatch serve -c config.yaml
  mrwatch serve --config /etc/mrwatch/config.yaml --no-reload`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().Bool("no-reload", false, "do not watch the config file for changes")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	noReload, _ := cmd.Flags().GetBool("no-reload")
	ov := overrides()

	cfg, err := config.LoadWithOverrides(configFile, ov)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// holds at most the latest valid config; older pending ones are replaced
	reloads := make(chan *config.Config, 1)

	g, gctx := errgroup.WithContext(ctx)
	if !noReload {
		g.Go(func() error {
			return config.Watch(gctx, configFile, ov, logger, func(next *config.Config) {
				select {
				case <-reloads:
				default:
				}
				reloads <- next
			})
		})
	}
	g.Go(func() error {
		return serveLoop(gctx, cfg, reloads, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// serveLoop runs a watcher for cfg and replaces it with a fresh one each time
// a new config arrives on reloads. A watcher that fails to start on the
// initial config is fatal; after a reload the failure is logged and the loop
// waits for the next config.
func serveLoop(ctx context.Context, cfg *config.Config, reloads <-chan *config.Config, logger *slog.Logger) error {
	initial := true

	for {
		logger.Info("starting watcher",
			"api_endpoint", cfg.APIEndpoint,
			"port", cfg.Port,
			"poll_interval", cfg.PollInterval.Duration().String(),
			"usernames", len(cfg.Usernames()),
			"user_ids", len(cfg.UserIDs),
			"team", cfg.Team,
			"todos", cfg.TodosEnabled(),
		)

		first := initial
		initial = false

		errChan, cancel, err := startWatcher(ctx, cfg, logger)
		if err != nil {
			if first {
				return err
			}
			logger.Error("watcher rejected reloaded config", "error", err.Error())
		}

		select {
		case err := <-errChan:
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			if first || err == nil {
				return err
			}
			logger.Error("watcher stopped", "error", err.Error())
			// wait for a config that fixes it
			select {
			case <-ctx.Done():
				return nil
			case cfg = <-reloads:
			}

		case <-ctx.Done():
			cancel()
			awaitShutdown(errChan, logger)
			return nil

		case next := <-reloads:
			logger.Info("config changed, restarting watcher")
			cancel()
			awaitShutdown(errChan, logger)
			cfg = next
		}
	}
}

// startWatcher builds a watcher for cfg and runs Start in the background.
// The returned channel receives Start's result. A nil channel and a no-op
// cancel are returned with the error when the watcher cannot be built.
func startWatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (<-chan error, context.CancelFunc, error) {
	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to build options: %w", err)
	}
	opts = append(opts, mrwatch.WithLogger(logger))

	w, err := mrwatch.New(opts...)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to create watcher: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(runCtx)
	}()
	return errChan, cancel, nil
}

// awaitShutdown waits for a cancelled watcher to return, bounded by
// shutdownTimeout.
func awaitShutdown(errChan <-chan error, logger *slog.Logger) {
	if errChan == nil {
		return
	}
	select {
	case err := <-errChan:
		if err != nil {
			logger.Warn("watcher stopped with error", "error", err.Error())
		}
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out",
			"timeout", shutdownTimeout.String(),
			"action", "forcing exit",
		)
	}
}
