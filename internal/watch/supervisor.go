package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/mrwatch/event"
	"github.com/jpalmerr/mrwatch/gitlab"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 5 * time.Second

var (
	// ErrNotStarted is returned by watch operations before Start.
	ErrNotStarted = errors.New("watch: supervisor not started")

	// ErrStopped is returned by watch operations after Stop or after the
	// context passed to Start is done.
	ErrStopped = errors.New("watch: supervisor stopped")

	// ErrInvariant marks a violation of the watch tree's structural rules.
	ErrInvariant = errors.New("watch: invariant violation")
)

// Client is the remote snapshot API the supervisor polls.
type Client interface {
	ListMergeRequests(ctx context.Context, authorID int, state string) ([]gitlab.MergeRequest, error)
	GetMergeRequest(ctx context.Context, projectID, iid int) (gitlab.MergeRequest, error)
	GetLatestPipeline(ctx context.Context, projectID int, branch string) (*gitlab.Pipeline, error)
	ListTodos(ctx context.Context) (gitlab.TodoPage, error)
}

// Publisher receives every event the supervisor emits.
type Publisher interface {
	Publish(event.Event)
}

// Supervisor owns the watch tree: one discovery loop per tracked user, one
// todos loop, and one watcher per discovered merge request.
//
// All methods are safe for concurrent use, except that event handlers run on
// loop goroutines and must not call Unwatch* or Stop synchronously.
type Supervisor struct {
	client   Client
	bus      Publisher
	interval time.Duration
	logger   *slog.Logger

	onInvariant atomic.Pointer[func(error)]

	mu       sync.Mutex
	started  bool
	stopped  bool
	root     *Handle
	users    map[int]*Handle
	todos    *Handle
	entities map[int]*Handle

	wg sync.WaitGroup
}

// NewSupervisor creates a [Supervisor]. A non-positive interval selects
// [DefaultInterval]; a nil logger selects slog.Default().
//
// The supervisor does nothing until [Supervisor.Start] is called.
func NewSupervisor(client Client, bus Publisher, interval time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		client:   client,
		bus:      bus,
		interval: interval,
		logger:   logger,
		users:    make(map[int]*Handle),
		entities: make(map[int]*Handle),
	}
}

// OnInvariantViolation installs fn to be called for every detected
// invariant violation, after it has been logged. fn may panic to make
// violations fatal.
func (s *Supervisor) OnInvariantViolation(fn func(error)) {
	s.onInvariant.Store(&fn)
}

// Start binds the watch tree to ctx. Cancelling ctx stops every loop.
// Start is idempotent; calling it after Stop is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.started = true
	s.root = newRootHandle(ctx, "supervisor", s.violation)
}

// WatchUsers starts a discovery loop for each user. Users are independent:
// a failure for one does not prevent the others from being watched.
func (s *Supervisor) WatchUsers(userIDs []int) error {
	var errs []error
	for _, id := range userIDs {
		if err := s.WatchUser(id); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// WatchUser starts polling the open merge requests authored by userID.
// Watching a user that is already watched is a no-op.
func (s *Supervisor) WatchUser(userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRunningLocked(); err != nil {
		return err
	}
	if _, ok := s.users[userID]; ok {
		return nil
	}

	h := s.root.spawn(fmt.Sprintf("user:%d", userID))
	if h == nil {
		return ErrStopped
	}
	s.users[userID] = h
	s.startUserLoop(h, userID)

	s.logger.Debug("watching user", "user_id", userID)
	return nil
}

// WatchTodos starts polling the todo list. Calling it while the todos loop
// is running is a no-op.
func (s *Supervisor) WatchTodos() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRunningLocked(); err != nil {
		return err
	}
	if s.todos != nil {
		return nil
	}

	h := s.root.spawn("todos")
	if h == nil {
		return ErrStopped
	}
	s.todos = h
	s.startTodosLoop(h)

	s.logger.Debug("watching todos")
	return nil
}

// UnwatchUser cancels the user's discovery loop and every merge request
// watcher it spawned. Unknown users are ignored.
func (s *Supervisor) UnwatchUser(userID int) {
	s.mu.Lock()
	h, ok := s.users[userID]
	delete(s.users, userID)
	s.mu.Unlock()

	if ok {
		h.Cancel()
		s.logger.Debug("unwatched user", "user_id", userID)
	}
}

// UnwatchMergeRequest cancels the watcher of merge request id and reports
// whether one was running. Once it returns no further event for id is
// emitted. The discovery loop that found id does not announce it again.
func (s *Supervisor) UnwatchMergeRequest(id int) bool {
	s.mu.Lock()
	h, ok := s.entities[id]
	s.mu.Unlock()

	if !ok {
		return false
	}
	h.Cancel()
	s.logger.Debug("unwatched merge request", "merge_request_id", id)
	return true
}

// UnwatchTodos cancels the todos loop. No-op if it is not running.
func (s *Supervisor) UnwatchTodos() {
	s.mu.Lock()
	h := s.todos
	s.todos = nil
	s.mu.Unlock()

	if h != nil {
		h.Cancel()
		s.logger.Debug("unwatched todos")
	}
}

// UnwatchAll cancels every loop. The supervisor remains usable and new
// watches start with empty seen sets.
func (s *Supervisor) UnwatchAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.users)+1)
	for _, h := range s.users {
		handles = append(handles, h)
	}
	if s.todos != nil {
		handles = append(handles, s.todos)
	}
	s.users = make(map[int]*Handle)
	s.todos = nil
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Stop cancels everything and waits for all loop goroutines to exit.
// Stop is idempotent and safe to call before Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	root := s.root
	s.stopped = true
	s.users = make(map[int]*Handle)
	s.todos = nil
	s.mu.Unlock()

	if root != nil {
		root.Cancel()
	}
	s.wg.Wait()
}

// WatchedUsers returns the ids of users with a running discovery loop.
func (s *Supervisor) WatchedUsers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// WatchingTodos reports whether the todos loop is running.
func (s *Supervisor) WatchingTodos() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.todos != nil
}

// ActiveEntities returns the ids of merge requests with a live watcher.
func (s *Supervisor) ActiveEntities() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Supervisor) checkRunningLocked() error {
	if s.stopped {
		return ErrStopped
	}
	if !s.started {
		return ErrNotStarted
	}
	if s.root.Context().Err() != nil {
		return ErrStopped
	}
	return nil
}

// violation logs err and forwards it to the installed hook.
func (s *Supervisor) violation(err error) {
	s.logger.Error("invariant violation",
		"correlation_id", uuid.NewString(),
		"error", err.Error(),
	)
	if fn := s.onInvariant.Load(); fn != nil && *fn != nil {
		(*fn)(err)
	}
}
