package mrwatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpalmerr/mrwatch/event"
	"github.com/jpalmerr/mrwatch/gitlab"
	"github.com/jpalmerr/mrwatch/internal/watch"
)

// RemoteClient is the GitLab API surface a [Watcher] needs. [*gitlab.Client]
// implements it; tests and alternative backends can supply their own through
// [WithClient].
type RemoteClient interface {
	ListMergeRequests(ctx context.Context, authorID int, state string) ([]gitlab.MergeRequest, error)
	GetMergeRequest(ctx context.Context, projectID, iid int) (gitlab.MergeRequest, error)
	GetLatestPipeline(ctx context.Context, projectID int, branch string) (*gitlab.Pipeline, error)
	ListTodos(ctx context.Context) (gitlab.TodoPage, error)

	UsersByUsername(ctx context.Context, usernames []string, maxConcurrency int) ([]gitlab.User, error)
	Project(ctx context.Context, projectID int) (gitlab.Project, error)
	Merge(ctx context.Context, projectID, iid int) error
	MarkTodoAsDone(ctx context.Context, todoID int) error
	MarkAllTodosAsDone(ctx context.Context) error
}

var _ watch.Client = RemoteClient(nil)

type handlerRegistration struct {
	kind    event.Kind // empty means every kind
	handler event.Handler
}

// watcherConfig holds mutable state during Watcher construction.
type watcherConfig struct {
	apiEndpoint      string
	apiToken         string
	pollingInterval  time.Duration
	userIDs          []int
	usernames        []string
	todos            bool
	port             int
	serve            bool
	maxConcurrency   int
	logger           *slog.Logger
	handlers         []handlerRegistration
	strictInvariants bool
	client           RemoteClient
}

// Option is a function that configures a [Watcher] during construction.
//
// Options return an error if validation fails.
type Option func(*watcherConfig) error

// WithAPIEndpoint sets the GitLab instance URL, e.g. https://gitlab.example.com.
// The /api/v4 suffix is optional.
func WithAPIEndpoint(endpoint string) Option {
	return func(cfg *watcherConfig) error {
		cfg.apiEndpoint = endpoint
		return nil
	}
}

// WithAPIToken sets the personal access token sent as PRIVATE-TOKEN.
func WithAPIToken(token string) Option {
	return func(cfg *watcherConfig) error {
		cfg.apiToken = token
		return nil
	}
}

// WithPollingInterval sets how often every loop polls GitLab.
// Defaults to 5 seconds if not specified.
//
// Returns an error if the duration is zero or negative.
func WithPollingInterval(d time.Duration) Option {
	return func(cfg *watcherConfig) error {
		if d <= 0 {
			return errors.New("polling interval must be positive")
		}
		cfg.pollingInterval = d
		return nil
	}
}

// WithUserIDs adds users to watch by numeric id.
//
// Example:
//
//	w, err := mrwatch.New(
//	    mrwatch.WithAPIEndpoint("https://gitlab.example.com"),
//	    mrwatch.WithAPIToken(token),
//	    mrwatch.WithUserIDs(42, 1337),
//	)
func WithUserIDs(ids ...int) Option {
	return func(cfg *watcherConfig) error {
		for _, id := range ids {
			if id <= 0 {
				return errors.New("user id must be positive")
			}
		}
		cfg.userIDs = append(cfg.userIDs, ids...)
		return nil
	}
}

// WithUsernames adds users to watch by username. Usernames are resolved to
// ids when the watcher starts.
func WithUsernames(usernames ...string) Option {
	return func(cfg *watcherConfig) error {
		for _, name := range usernames {
			if name == "" {
				return errors.New("username cannot be empty")
			}
		}
		cfg.usernames = append(cfg.usernames, usernames...)
		return nil
	}
}

// WithTodos enables polling of the token owner's pending todos.
func WithTodos() Option {
	return func(cfg *watcherConfig) error {
		cfg.todos = true
		return nil
	}
}

// WithPort sets the HTTP port for the API server.
// Defaults to 8080 if not specified.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *watcherConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithoutServer disables the HTTP API. Events are still delivered to
// handlers registered with [WithEventHandler] or [Watcher.Subscribe].
func WithoutServer() Option {
	return func(cfg *watcherConfig) error {
		cfg.serve = false
		return nil
	}
}

// WithMaxConcurrency sets the maximum number of concurrent username lookups
// at startup. Defaults to 10 if not specified.
//
// Returns an error if the value is zero or negative.
func WithMaxConcurrency(n int) Option {
	return func(cfg *watcherConfig) error {
		if n <= 0 {
			return errors.New("max concurrency must be positive")
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the watcher. If not specified,
// [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *watcherConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithEventHandler registers h for events of the given kind, or for every
// kind when kind is empty.
//
// Handlers run synchronously on the polling goroutine that produced the
// event, in registration order, after the watcher's own cache has been
// updated. They must not block, and must not call [Watcher.UnwatchUser],
// [Watcher.UnwatchAll] or [Watcher.UnwatchTodos] synchronously. Panics are
// recovered and logged.
//
// Nil handlers are silently ignored.
//
// Example:
//
//	w, err := mrwatch.New(
//	    ...,
//	    mrwatch.WithEventHandler(event.KindMergedMergeRequest, func(e event.Event) {
//	        mr := e.(event.MergedMergeRequest).MergeRequest
//	        log.Printf("%s merged", mr.Title)
//	    }),
//	)
func WithEventHandler(kind event.Kind, h event.Handler) Option {
	return func(cfg *watcherConfig) error {
		if h == nil {
			return nil
		}
		cfg.handlers = append(cfg.handlers, handlerRegistration{kind: kind, handler: h})
		return nil
	}
}

// WithStrictInvariants makes any detected violation of the watch tree's
// invariants panic instead of only being logged. Intended for development
// and tests.
func WithStrictInvariants() Option {
	return func(cfg *watcherConfig) error {
		cfg.strictInvariants = true
		return nil
	}
}

// WithClient replaces the GitLab client. When set, [WithAPIEndpoint] and
// [WithAPIToken] are not required.
func WithClient(c RemoteClient) Option {
	return func(cfg *watcherConfig) error {
		if c == nil {
			return errors.New("client cannot be nil")
		}
		cfg.client = c
		return nil
	}
}
