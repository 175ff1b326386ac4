// Package mrwatch watches GitLab merge requests, their pipelines and your
// todo list by polling, and turns what it sees into a stream of events.
//
// Polling is the only source of truth: every loop fetches a fresh snapshot
// on a fixed interval and derives events by comparing it with what it has
// already seen. No webhooks are involved.
//
// # Quick Start
//
//	w, _ := mrwatch.New(
//	    mrwatch.WithAPIEndpoint("https://gitlab.example.com"),
//	    mrwatch.WithAPIToken(os.Getenv("GITLAB_TOKEN")),
//	    mrwatch.WithUsernames("alice"),
//	    mrwatch.WithTodos(),
//	    mrwatch.WithEventHandler(event.KindNewMergeRequest, func(e event.Event) {
//	        fmt.Println("new:", e.(event.NewMergeRequest).MergeRequest.Title)
//	    }),
//	)
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	w.Start(ctx) // blocks until context is cancelled
//
// # Events
//
// For every watched user, each open merge request is announced once with
// [event.NewMergeRequest]. Its watcher then publishes
// [event.UpdatedMergeRequest] and [event.UpdatedPipeline] on every poll
// until the merge request is merged or closed, which publishes a single
// [event.MergedMergeRequest] and ends the watcher. The todos loop publishes
// [event.NewTodo] once per todo and [event.TodoCount] on every poll.
// Failed polls publish [event.FetchFailed] and are retried on the next tick.
//
// Update events carry snapshots, not diffs: they are emitted on every poll
// whether or not anything changed.
//
// # HTTP API
//
// Unless [WithoutServer] is given, the watcher serves its cached state:
//
//   - GET /api/merge-requests[?author=ID]
//   - GET /api/todos
//   - GET /api/sse (Server-Sent Events)
//   - POST /api/merge-requests/{id}/merge
//   - POST /api/todos/{id}/done
//   - POST /api/todos/done
//
// # Architecture
//
//   - gitlab: REST v4 client
//   - event: event types and the synchronous event bus
//   - internal/watch: the polling supervisor and its cancellation tree
//   - internal/store: in-memory cache with pub/sub for the API
//   - internal/server: HTTP server with REST API and Server-Sent Events
//   - config: YAML configuration with reload
package mrwatch
