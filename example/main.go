package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/mrwatch"
	"github.com/jpalmerr/mrwatch/event"
	"github.com/jpalmerr/mrwatch/example/mockgitlab"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// simulated GitLab: pipelines and merges move every 5-15 seconds
	mock := mockgitlab.New(logger.With("component", "mockgitlab"), 5*time.Second, 15*time.Second)
	go func() {
		if err := http.ListenAndServe(":9999", mock.Handler()); err != nil {
			logger.Error("mock server error", "error", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	w, err := mrwatch.New(
		mrwatch.WithAPIEndpoint("http://localhost:9999"),
		mrwatch.WithAPIToken("demo"),
		mrwatch.WithUsernames("alice", "bob"),
		mrwatch.WithTodos(),
		mrwatch.WithPollingInterval(2*time.Second),
		mrwatch.WithPort(8080),
		mrwatch.WithLogger(logger),
		mrwatch.WithEventHandler(event.KindNewMergeRequest, func(e event.Event) {
			mr := e.(event.NewMergeRequest).MergeRequest
			fmt.Printf("  + !%d %s (%s)\n", mr.IID, mr.Title, mr.Author.Username)
		}),
		mrwatch.WithEventHandler(event.KindUpdatedPipeline, func(e event.Event) {
			p := e.(event.UpdatedPipeline)
			fmt.Printf("  ~ !%d pipeline %s\n", p.MergeRequest.IID, p.Pipeline.Status)
		}),
		mrwatch.WithEventHandler(event.KindMergedMergeRequest, func(e event.Event) {
			mr := e.(event.MergedMergeRequest).MergeRequest
			fmt.Printf("  ✓ !%d %s\n", mr.IID, mr.State)
		}),
		mrwatch.WithEventHandler(event.KindTodoCount, func(e event.Event) {
			fmt.Printf("  # %d pending todos\n", e.(event.TodoCount).Count)
		}),
	)
	if err != nil {
		logger.Error("failed to create watcher", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   mrwatch Demo                                        ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   curl localhost:8080/api/merge-requests              ║")
	fmt.Println("  ║   curl -N localhost:8080/api/sse                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Watching alice and bob on a simulated GitLab        ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		logger.Error("mrwatch error", "error", err)
		os.Exit(1)
	}
}
