package mrwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jpalmerr/mrwatch/event"
	"github.com/jpalmerr/mrwatch/gitlab"
	"github.com/jpalmerr/mrwatch/internal/server"
	"github.com/jpalmerr/mrwatch/internal/store"
	"github.com/jpalmerr/mrwatch/internal/watch"
)

const (
	defaultPollingInterval = watch.DefaultInterval
	defaultPort            = 8080
	defaultMaxConcurrency  = 10
	defaultRequestTimeout  = 10 * time.Second
)

// Watcher polls GitLab for the merge requests of a set of users, their
// pipelines and the token owner's todos, and turns the snapshots into
// events.
//
// The typical lifecycle is:
//
//	w, err := mrwatch.New(
//	    mrwatch.WithAPIEndpoint("https://gitlab.example.com"),
//	    mrwatch.WithAPIToken(os.Getenv("GITLAB_TOKEN")),
//	    mrwatch.WithUsernames("alice", "bob"),
//	    mrwatch.WithTodos(),
//	)
//	if err != nil {
//	    slog.Error("failed to create watcher", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	w.Start(ctx) // blocks until context cancelled
type Watcher struct {
	client         RemoteClient
	ownedClient    *gitlab.Client
	userIDs        []int
	usernames      []string
	todos          bool
	port           int
	serve          bool
	maxConcurrency int
	interval       time.Duration
	logger         *slog.Logger

	bus        *event.Bus
	store      *store.MemoryStore
	supervisor *watch.Supervisor

	started  atomic.Bool
	runCtx   context.Context
	projects singleflight.Group
	enrichWG sync.WaitGroup
}

// New creates a [Watcher] with the given options.
//
// Unless [WithClient] is used, [WithAPIEndpoint] and [WithAPIToken] are
// required; a missing or invalid value yields a [*ConfigurationError].
// Other options have sensible defaults:
//   - Polling interval: 5 seconds
//   - Port: 8080
//   - Max concurrency: 10
func New(opts ...Option) (*Watcher, error) {
	cfg := &watcherConfig{
		pollingInterval: defaultPollingInterval,
		port:            defaultPort,
		serve:           true,
		maxConcurrency:  defaultMaxConcurrency,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		client:         cfg.client,
		userIDs:        cfg.userIDs,
		usernames:      cfg.usernames,
		todos:          cfg.todos,
		port:           cfg.port,
		serve:          cfg.serve,
		maxConcurrency: cfg.maxConcurrency,
		interval:       cfg.pollingInterval,
		logger:         logger,
	}

	if w.client == nil {
		if cfg.apiEndpoint == "" {
			return nil, &ConfigurationError{Field: "api_endpoint", Err: errors.New("required")}
		}
		if cfg.apiToken == "" {
			return nil, &ConfigurationError{Field: "api_token", Err: errors.New("required")}
		}
		c, err := gitlab.NewClient(cfg.apiEndpoint, cfg.apiToken, defaultRequestTimeout)
		if err != nil {
			return nil, &ConfigurationError{Field: "api_endpoint", Err: err}
		}
		w.client = c
		w.ownedClient = c
	}

	w.bus = event.NewBus(logger)
	w.store = store.NewMemoryStore()
	w.supervisor = watch.NewSupervisor(w.client, w.bus, w.interval, logger)
	if cfg.strictInvariants {
		w.supervisor.OnInvariantViolation(func(err error) { panic(err) })
	}

	// the cache sees every event before user handlers do
	w.bus.SubscribeAll(w.applyEvent)
	for _, reg := range cfg.handlers {
		if reg.kind == "" {
			w.bus.SubscribeAll(reg.handler)
		} else {
			w.bus.Subscribe(reg.kind, reg.handler)
		}
	}

	return w, nil
}

// Start resolves the configured usernames, starts every polling loop and
// the HTTP API, and blocks until ctx is cancelled.
//
// Start can be called once. Returns nil on graceful shutdown, or an error if
// a username cannot be resolved or the HTTP server fails to start.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watcher already started")
	}
	defer w.ownedClient.Close()

	if ctx.Err() != nil {
		return nil
	}

	w.logger.Info("mrwatch starting",
		"user_count", len(w.userIDs)+len(w.usernames),
		"todos", w.todos,
		"interval", w.interval.String(),
	)

	ids, err := w.resolveUsers(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	w.runCtx = ctx
	w.supervisor.Start(ctx)
	defer w.shutdown()

	if err := w.supervisor.WatchUsers(ids); err != nil && ctx.Err() == nil {
		return err
	}
	if w.todos {
		if err := w.supervisor.WatchTodos(); err != nil && ctx.Err() == nil {
			return err
		}
	}

	var srv *server.Server
	if w.serve {
		srv = server.NewServer(w.store, w, w.port, w.logger)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		w.logger.Info("api available", "url", fmt.Sprintf("http://localhost:%d/api/merge-requests", w.port))
	}

	<-ctx.Done()
	if srv != nil {
		<-srv.Done()
	}
	return nil
}

func (w *Watcher) shutdown() {
	w.supervisor.Stop()
	w.enrichWG.Wait()
	w.logger.Info("mrwatch stopped")
}

// resolveUsers returns the configured user ids followed by the ids of the
// configured usernames, without duplicates.
func (w *Watcher) resolveUsers(ctx context.Context) ([]int, error) {
	ids := append([]int(nil), w.userIDs...)

	if len(w.usernames) > 0 {
		users, err := w.client.UsersByUsername(ctx, w.usernames, w.maxConcurrency)
		if err != nil {
			return nil, fmt.Errorf("resolve usernames: %w", err)
		}
		for _, u := range users {
			w.logger.Debug("resolved user", "username", u.Username, "user_id", u.ID)
			ids = append(ids, u.ID)
		}
	}

	seen := make(map[int]bool, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique, nil
}

// applyEvent folds e into the cache and fetches project metadata for newly
// discovered merge requests.
func (w *Watcher) applyEvent(e event.Event) {
	store.Apply(w.store, e)

	if ev, ok := e.(event.NewMergeRequest); ok {
		w.enrichProject(ev.MergeRequest.ProjectID)
	}
}

// enrichProject fetches a project once, in the background. Concurrent
// requests for the same project share one fetch.
func (w *Watcher) enrichProject(projectID int) {
	if projectID == 0 || w.store.HasProject(projectID) {
		return
	}

	w.enrichWG.Add(1)
	go func() {
		defer w.enrichWG.Done()

		_, err, _ := w.projects.Do(strconv.Itoa(projectID), func() (any, error) {
			if w.store.HasProject(projectID) {
				return nil, nil
			}
			p, err := w.client.Project(w.runCtx, projectID)
			if err != nil {
				return nil, err
			}
			w.store.SetProject(p)
			return p, nil
		})
		if err != nil && w.runCtx.Err() == nil {
			w.logger.Warn("project fetch failed", "project_id", projectID, "error", err)
		}
	}()
}

// WatchUser starts watching the merge requests of userID.
func (w *Watcher) WatchUser(userID int) error {
	return w.supervisor.WatchUser(userID)
}

// WatchUsers starts watching several users; each is independent.
func (w *Watcher) WatchUsers(userIDs []int) error {
	return w.supervisor.WatchUsers(userIDs)
}

// WatchTodos starts polling the todo list.
func (w *Watcher) WatchTodos() error {
	return w.supervisor.WatchTodos()
}

// UnwatchUser stops watching userID and every merge request found for them.
func (w *Watcher) UnwatchUser(userID int) {
	w.supervisor.UnwatchUser(userID)
}

// UnwatchTodos stops polling the todo list.
func (w *Watcher) UnwatchTodos() {
	w.supervisor.UnwatchTodos()
}

// UnwatchAll stops every loop. Once it returns no further events are
// published until something is watched again.
func (w *Watcher) UnwatchAll() {
	w.supervisor.UnwatchAll()
}

// WatchedUsers returns the ids of watched users in ascending order.
func (w *Watcher) WatchedUsers() []int {
	return w.supervisor.WatchedUsers()
}

// ActiveMergeRequests returns the ids of merge requests with a live watcher.
func (w *Watcher) ActiveMergeRequests() []int {
	return w.supervisor.ActiveEntities()
}

// Subscribe registers h for events of the given kind. Returns an id for
// [Watcher.Unsubscribe].
func (w *Watcher) Subscribe(kind event.Kind, h event.Handler) string {
	return w.bus.Subscribe(kind, h)
}

// SubscribeAll registers h for every event.
func (w *Watcher) SubscribeAll(h event.Handler) string {
	return w.bus.SubscribeAll(h)
}

// Unsubscribe removes a handler registered with Subscribe or SubscribeAll.
func (w *Watcher) Unsubscribe(id string) bool {
	return w.bus.Unsubscribe(id)
}

// Merge accepts a watched merge request, stops its watcher and drops it
// from the cache. No events for the merge request follow a successful Merge.
// Merge must not be called synchronously from an event handler.
func (w *Watcher) Merge(ctx context.Context, mergeRequestID int) error {
	v, ok := w.store.MergeRequest(mergeRequestID)
	if !ok {
		return fmt.Errorf("merge request %d: %w", mergeRequestID, gitlab.ErrNotFound)
	}
	mr := v.MergeRequest
	if err := w.client.Merge(ctx, mr.ProjectID, mr.IID); err != nil {
		return fmt.Errorf("merge %d!%d: %w", mr.ProjectID, mr.IID, err)
	}
	// a detail poll still in flight would re-add the merge request
	w.supervisor.UnwatchMergeRequest(mergeRequestID)
	w.store.RemoveMergeRequest(mergeRequestID)
	w.logger.Info("merged", "merge_request_id", mergeRequestID, "project_id", mr.ProjectID, "iid", mr.IID)
	return nil
}

// MarkTodoAsDone marks one todo as done and drops it from the cache.
func (w *Watcher) MarkTodoAsDone(ctx context.Context, todoID int) error {
	if err := w.client.MarkTodoAsDone(ctx, todoID); err != nil {
		return fmt.Errorf("mark todo %d as done: %w", todoID, err)
	}
	w.store.RemoveTodo(todoID)
	return nil
}

// MarkAllTodosAsDone marks every pending todo as done and clears the cache.
func (w *Watcher) MarkAllTodosAsDone(ctx context.Context) error {
	if err := w.client.MarkAllTodosAsDone(ctx); err != nil {
		return fmt.Errorf("mark all todos as done: %w", err)
	}
	w.store.ClearTodos()
	return nil
}

// Port returns the configured HTTP port.
func (w *Watcher) Port() int {
	return w.port
}

// PollingInterval returns the configured interval between polls.
func (w *Watcher) PollingInterval() time.Duration {
	return w.interval
}
