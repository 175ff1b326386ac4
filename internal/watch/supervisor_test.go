package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/mrwatch/event"
	"github.com/jpalmerr/mrwatch/gitlab"
)

const testInterval = 10 * time.Millisecond

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// step is one scripted response.
type step[T any] struct {
	val T
	err error
}

// script replays its steps in order and then repeats the last one forever.
type script[T any] struct {
	steps []step[T]
	i     int
}

func (s *script[T]) next() (T, error) {
	st := s.steps[s.i]
	if s.i < len(s.steps)-1 {
		s.i++
	}
	return st.val, st.err
}

func always[T any](v T) *script[T] {
	return &script[T]{steps: []step[T]{{val: v}}}
}

type fakeClient struct {
	mu        sync.Mutex
	lists     map[int]*script[[]gitlab.MergeRequest]
	details   map[int]*script[gitlab.MergeRequest] // by iid
	pipelines map[string]*script[*gitlab.Pipeline] // by source branch
	todos     *script[gitlab.TodoPage]
	panicList int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		lists:     make(map[int]*script[[]gitlab.MergeRequest]),
		details:   make(map[int]*script[gitlab.MergeRequest]),
		pipelines: make(map[string]*script[*gitlab.Pipeline]),
	}
}

func (f *fakeClient) ListMergeRequests(_ context.Context, authorID int, _ string) ([]gitlab.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicList > 0 {
		f.panicList--
		panic("list exploded")
	}
	s, ok := f.lists[authorID]
	if !ok {
		return nil, nil
	}
	return s.next()
}

func (f *fakeClient) GetMergeRequest(_ context.Context, _, iid int) (gitlab.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.details[iid]
	if !ok {
		return gitlab.MergeRequest{}, errors.New("no such merge request")
	}
	return s.next()
}

func (f *fakeClient) GetLatestPipeline(_ context.Context, _ int, branch string) (*gitlab.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.pipelines[branch]
	if !ok {
		return nil, nil
	}
	return s.next()
}

func (f *fakeClient) ListTodos(context.Context) (gitlab.TodoPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.todos == nil {
		return gitlab.TodoPage{}, nil
	}
	return f.todos.next()
}

// recorder collects every published event.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) count(kind event.Kind) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

// forMergeRequest returns the events that concern merge request id.
func (r *recorder) forMergeRequest(id int) []event.Event {
	var out []event.Event
	for _, e := range r.snapshot() {
		if mrID(e) == id {
			out = append(out, e)
		}
	}
	return out
}

func mrID(e event.Event) int {
	switch ev := e.(type) {
	case event.NewMergeRequest:
		return ev.MergeRequest.ID
	case event.UpdatedMergeRequest:
		return ev.MergeRequest.ID
	case event.MergedMergeRequest:
		return ev.MergeRequest.ID
	case event.UpdatedPipeline:
		return ev.MergeRequest.ID
	default:
		return 0
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func openMR(id, iid int) gitlab.MergeRequest {
	return gitlab.MergeRequest{
		ID:              id,
		IID:             iid,
		ProjectID:       7,
		SourceProjectID: 7,
		SourceBranch:    fmt.Sprintf("feature-%d", iid),
		TargetBranch:    "main",
		Title:           "change",
		State:           gitlab.StateOpened,
	}
}

func withState(mr gitlab.MergeRequest, state string) gitlab.MergeRequest {
	mr.State = state
	return mr
}

func newTestSupervisor(t *testing.T, client Client) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := NewSupervisor(client, rec, testInterval, testLogger())
	t.Cleanup(s.Stop)
	return s, rec
}

func TestSupervisor_WatchBeforeStart(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeClient())

	if err := s.WatchUser(1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("WatchUser before Start: got %v, want ErrNotStarted", err)
	}
	if err := s.WatchTodos(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("WatchTodos before Start: got %v, want ErrNotStarted", err)
	}
}

func TestSupervisor_WatchAfterStop(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeClient())
	s.Start(context.Background())
	s.Stop()

	if err := s.WatchUser(1); !errors.Is(err, ErrStopped) {
		t.Errorf("WatchUser after Stop: got %v, want ErrStopped", err)
	}
	if err := s.WatchUsers([]int{1, 2}); !errors.Is(err, ErrStopped) {
		t.Errorf("WatchUsers after Stop: got %v, want ErrStopped", err)
	}
}

func TestSupervisor_WatchAfterContextCancelled(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeClient())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	if err := s.WatchTodos(); !errors.Is(err, ErrStopped) {
		t.Errorf("WatchTodos after cancel: got %v, want ErrStopped", err)
	}
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	s := NewSupervisor(newFakeClient(), &recorder{}, testInterval, testLogger())

	// must not panic or block
	s.Stop()
	s.Stop()
}

// TestSupervisor_MergeRequestLifecycle follows one merge request from
// discovery through updates to its merge, and checks nothing follows the
// merge.
func TestSupervisor_MergeRequestLifecycle(t *testing.T) {
	mr := openMR(100, 1)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[1] = &script[gitlab.MergeRequest]{steps: []step[gitlab.MergeRequest]{
		{val: mr}, {val: mr}, {val: mr}, {val: withState(mr, gitlab.StateMerged)},
	}}
	fc.pipelines[mr.SourceBranch] = always(&gitlab.Pipeline{ID: 55, Status: "running"})

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	if err := s.WatchUser(1); err != nil {
		t.Fatalf("WatchUser: %v", err)
	}

	waitFor(t, "merged event", func() bool { return rec.count(event.KindMergedMergeRequest) == 1 })
	waitFor(t, "entity to be released", func() bool { return len(s.ActiveEntities()) == 0 })

	time.Sleep(5 * testInterval)

	events := rec.forMergeRequest(100)
	if len(events) == 0 || events[0].Kind() != event.KindNewMergeRequest {
		t.Fatalf("first event must be %s, got %v", event.KindNewMergeRequest, kindsOf(events))
	}
	if last := events[len(events)-1]; last.Kind() != event.KindMergedMergeRequest {
		t.Errorf("last event must be %s, got %s", event.KindMergedMergeRequest, last.Kind())
	}
	if n := rec.count(event.KindMergedMergeRequest); n != 1 {
		t.Errorf("merged events = %d, want 1", n)
	}
	if n := rec.count(event.KindNewMergeRequest); n != 1 {
		t.Errorf("new events = %d, want 1", n)
	}
	if n := rec.count(event.KindUpdatedMergeRequest); n < 1 {
		t.Errorf("expected at least one update, got %d", n)
	}
}

func TestSupervisor_MergeRequestExactSequence(t *testing.T) {
	mr := openMR(110, 3)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[3] = &script[gitlab.MergeRequest]{steps: []step[gitlab.MergeRequest]{
		{val: mr}, {val: mr}, {val: mr}, {val: withState(mr, gitlab.StateMerged)},
	}}

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "entity to be released", func() bool {
		return rec.count(event.KindMergedMergeRequest) == 1 && len(s.ActiveEntities()) == 0
	})
	time.Sleep(5 * testInterval)
	s.Stop()

	want := []event.Kind{
		event.KindNewMergeRequest,
		event.KindUpdatedMergeRequest,
		event.KindUpdatedMergeRequest,
		event.KindUpdatedMergeRequest,
		event.KindMergedMergeRequest,
	}
	if got := kindsOf(rec.forMergeRequest(110)); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSupervisor_ClosedCountsAsTerminal(t *testing.T) {
	mr := openMR(101, 2)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[2] = always(withState(mr, gitlab.StateClosed))

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "terminal event", func() bool { return rec.count(event.KindMergedMergeRequest) == 1 })
	time.Sleep(5 * testInterval)

	if n := rec.count(event.KindUpdatedMergeRequest); n != 0 {
		t.Errorf("updates for a closed merge request = %d, want 0", n)
	}
	if n := rec.count(event.KindMergedMergeRequest); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
}

func TestSupervisor_PipelineUpdates(t *testing.T) {
	mr := openMR(102, 3)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[3] = always(mr)
	fc.pipelines[mr.SourceBranch] = &script[*gitlab.Pipeline]{steps: []step[*gitlab.Pipeline]{
		{val: &gitlab.Pipeline{ID: 1, Status: "running"}},
		{val: &gitlab.Pipeline{ID: 1, Status: "success"}},
	}}

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "successful pipeline", func() bool {
		for _, e := range rec.snapshot() {
			if p, ok := e.(event.UpdatedPipeline); ok && p.Pipeline.Status == "success" {
				return p.MergeRequest.ID == 102
			}
		}
		return false
	})
}

func TestSupervisor_AbsentPipelineIsSilent(t *testing.T) {
	mr := openMR(103, 4)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[4] = always(mr)
	// no pipeline for the branch

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "updates", func() bool { return rec.count(event.KindUpdatedMergeRequest) >= 3 })

	if n := rec.count(event.KindUpdatedPipeline); n != 0 {
		t.Errorf("pipeline events = %d, want 0", n)
	}
	if n := rec.count(event.KindFetchFailed); n != 0 {
		t.Errorf("fetch failures = %d, want 0", n)
	}
}

func TestSupervisor_FetchFailureRecovers(t *testing.T) {
	mr := openMR(104, 5)
	fc := newFakeClient()
	fc.lists[1] = &script[[]gitlab.MergeRequest]{steps: []step[[]gitlab.MergeRequest]{
		{err: errors.New("502 bad gateway")},
		{val: []gitlab.MergeRequest{mr}},
	}}
	fc.details[5] = always(mr)

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "discovery after failure", func() bool { return rec.count(event.KindNewMergeRequest) == 1 })

	var failure *event.FetchFailed
	for _, e := range rec.snapshot() {
		if ff, ok := e.(event.FetchFailed); ok {
			failure = &ff
			break
		}
	}
	if failure == nil {
		t.Fatal("expected a poll.failed event")
	}
	if failure.Loop != "user:1" {
		t.Errorf("failure loop = %q, want %q", failure.Loop, "user:1")
	}
}

// TestSupervisor_ReappearingMergeRequest verifies that an id that drops out
// of the list and comes back is not announced again.
func TestSupervisor_ReappearingMergeRequest(t *testing.T) {
	mr := openMR(105, 6)
	fc := newFakeClient()
	fc.lists[1] = &script[[]gitlab.MergeRequest]{steps: []step[[]gitlab.MergeRequest]{
		{val: []gitlab.MergeRequest{mr}},
		{val: nil},
		{val: nil},
		{val: []gitlab.MergeRequest{mr}},
	}}
	fc.details[6] = always(mr)

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	time.Sleep(10 * testInterval)

	if n := rec.count(event.KindNewMergeRequest); n != 1 {
		t.Errorf("new events = %d, want 1", n)
	}
}

func TestSupervisor_Todos(t *testing.T) {
	todo := func(id int) gitlab.Todo { return gitlab.Todo{ID: id, ActionName: "mentioned"} }

	fc := newFakeClient()
	fc.todos = &script[gitlab.TodoPage]{steps: []step[gitlab.TodoPage]{
		{val: gitlab.TodoPage{Items: []gitlab.Todo{todo(1), todo(2)}, TotalCount: 2}},
		{val: gitlab.TodoPage{Items: []gitlab.Todo{todo(1), todo(2), todo(3)}, TotalCount: 3}},
	}}

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	if err := s.WatchTodos(); err != nil {
		t.Fatalf("WatchTodos: %v", err)
	}

	waitFor(t, "count of 3", func() bool {
		for _, e := range rec.snapshot() {
			if c, ok := e.(event.TodoCount); ok && c.Count == 3 {
				return true
			}
		}
		return false
	})
	time.Sleep(3 * testInterval)

	seen := map[int]int{}
	for _, e := range rec.snapshot() {
		if nt, ok := e.(event.NewTodo); ok {
			seen[nt.Todo.ID]++
		}
	}
	for _, id := range []int{1, 2, 3} {
		if seen[id] != 1 {
			t.Errorf("todo %d announced %d times, want 1", id, seen[id])
		}
	}
	if n := rec.count(event.KindTodoCount); n < 2 {
		t.Errorf("count events = %d, want at least 2", n)
	}
	if !s.WatchingTodos() {
		t.Error("expected WatchingTodos to be true")
	}
}

func TestSupervisor_DiscoveryOrder(t *testing.T) {
	mr1, mr2, mr3 := openMR(801, 31), openMR(802, 32), openMR(803, 33)
	fc := newFakeClient()
	fc.lists[1] = &script[[]gitlab.MergeRequest]{steps: []step[[]gitlab.MergeRequest]{
		{val: []gitlab.MergeRequest{mr1, mr2}},
		{val: []gitlab.MergeRequest{mr2, mr3}},
	}}
	for _, mr := range []gitlab.MergeRequest{mr1, mr2, mr3} {
		fc.details[mr.IID] = always(mr)
	}

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "three discoveries", func() bool { return rec.count(event.KindNewMergeRequest) == 3 })
	time.Sleep(3 * testInterval)
	s.Stop()

	var got []int
	for _, e := range rec.snapshot() {
		if nm, ok := e.(event.NewMergeRequest); ok {
			got = append(got, nm.MergeRequest.ID)
		}
	}
	if want := []int{801, 802, 803}; !slices.Equal(got, want) {
		t.Errorf("announced = %v, want %v", got, want)
	}
}

func TestSupervisor_UnchangedTodoPage(t *testing.T) {
	page := gitlab.TodoPage{
		Items:      []gitlab.Todo{{ID: 1}, {ID: 2}},
		TotalCount: 5,
	}
	fc := newFakeClient()
	fc.todos = &script[gitlab.TodoPage]{steps: []step[gitlab.TodoPage]{{val: page}, {val: page}}}

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchTodos()

	waitFor(t, "second count", func() bool { return rec.count(event.KindTodoCount) >= 2 })
	s.Stop()

	events := rec.snapshot()
	var ids []int
	for _, e := range events[:2] {
		nt, ok := e.(event.NewTodo)
		if !ok {
			t.Fatalf("events = %v, want two new todos first", kindsOf(events))
		}
		ids = append(ids, nt.Todo.ID)
	}
	if !slices.Equal(ids, []int{1, 2}) {
		t.Errorf("new todos = %v, want [1 2]", ids)
	}
	for i, e := range events[2:] {
		c, ok := e.(event.TodoCount)
		if !ok || c.Count != 5 {
			t.Errorf("event %d = %#v, want TodoCount(5)", i+2, e)
		}
	}
}

func TestSupervisor_UnwatchAllSilences(t *testing.T) {
	mr := openMR(106, 7)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[7] = always(mr)
	fc.pipelines[mr.SourceBranch] = always(&gitlab.Pipeline{ID: 9, Status: "running"})
	fc.todos = always(gitlab.TodoPage{TotalCount: 0})

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)
	_ = s.WatchTodos()

	waitFor(t, "pipeline events", func() bool { return rec.count(event.KindUpdatedPipeline) >= 2 })

	s.UnwatchAll()
	before := len(rec.snapshot())
	time.Sleep(5 * testInterval)

	if after := len(rec.snapshot()); after != before {
		t.Errorf("events after UnwatchAll: %d new", after-before)
	}
	if ids := s.WatchedUsers(); len(ids) != 0 {
		t.Errorf("watched users = %v, want none", ids)
	}
	if s.WatchingTodos() {
		t.Error("expected WatchingTodos to be false")
	}
	if ids := s.ActiveEntities(); len(ids) != 0 {
		t.Errorf("active entities = %v, want none", ids)
	}
}

func TestSupervisor_UnwatchUserIsolation(t *testing.T) {
	a := openMR(200, 10)
	b := openMR(201, 11)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{a})
	fc.lists[2] = always([]gitlab.MergeRequest{b})
	fc.details[10] = always(a)
	fc.details[11] = always(b)

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	if err := s.WatchUsers([]int{1, 2}); err != nil {
		t.Fatalf("WatchUsers: %v", err)
	}

	waitFor(t, "both discovered", func() bool { return len(s.ActiveEntities()) == 2 })

	s.UnwatchUser(1)
	before := len(rec.forMergeRequest(200))
	beforeB := len(rec.forMergeRequest(201))
	time.Sleep(5 * testInterval)

	if after := len(rec.forMergeRequest(200)); after != before {
		t.Errorf("unwatched user's merge request emitted %d more events", after-before)
	}
	if afterB := len(rec.forMergeRequest(201)); afterB <= beforeB {
		t.Error("other user's merge request stopped emitting")
	}
	if ids := s.WatchedUsers(); !slices.Equal(ids, []int{2}) {
		t.Errorf("watched users = %v, want [2]", ids)
	}
	if ids := s.ActiveEntities(); !slices.Equal(ids, []int{201}) {
		t.Errorf("active entities = %v, want [201]", ids)
	}

	// unknown users are ignored
	s.UnwatchUser(99)
}

func TestSupervisor_WatchUserTwice(t *testing.T) {
	mr := openMR(300, 12)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[12] = always(mr)

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)
	if err := s.WatchUser(1); err != nil {
		t.Fatalf("second WatchUser: %v", err)
	}

	time.Sleep(5 * testInterval)

	if n := rec.count(event.KindNewMergeRequest); n != 1 {
		t.Errorf("new events = %d, want 1", n)
	}
}

func TestSupervisor_DuplicateEntityReported(t *testing.T) {
	mr := openMR(400, 13)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.lists[2] = always([]gitlab.MergeRequest{mr})
	fc.details[13] = always(mr)

	s, rec := newTestSupervisor(t, fc)

	var mu sync.Mutex
	var violations []error
	s.OnInvariantViolation(func(err error) {
		mu.Lock()
		violations = append(violations, err)
		mu.Unlock()
	})

	s.Start(context.Background())
	_ = s.WatchUsers([]int{1, 2})

	waitFor(t, "violation", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(violations) > 0
	})
	time.Sleep(5 * testInterval)

	mu.Lock()
	defer mu.Unlock()
	if len(violations) != 1 {
		t.Errorf("violations = %d, want 1", len(violations))
	}
	if !errors.Is(violations[0], ErrInvariant) {
		t.Errorf("expected ErrInvariant, got %v", violations[0])
	}
	if n := rec.count(event.KindNewMergeRequest); n != 1 {
		t.Errorf("new events = %d, want 1", n)
	}
}

func TestSupervisor_DuplicateTakenOverAfterUnwatch(t *testing.T) {
	mr := openMR(410, 16)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.lists[2] = always([]gitlab.MergeRequest{mr})
	fc.details[16] = always(mr)

	s, rec := newTestSupervisor(t, fc)

	var mu sync.Mutex
	violations := 0
	s.OnInvariantViolation(func(error) {
		mu.Lock()
		violations++
		mu.Unlock()
	})

	s.Start(context.Background())
	_ = s.WatchUser(1)
	waitFor(t, "first discovery", func() bool { return rec.count(event.KindNewMergeRequest) == 1 })

	_ = s.WatchUser(2)
	waitFor(t, "duplicate refused", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return violations == 1
	})

	s.UnwatchUser(1)
	waitFor(t, "takeover", func() bool { return rec.count(event.KindNewMergeRequest) == 2 })

	if got := s.ActiveEntities(); !slices.Equal(got, []int{410}) {
		t.Errorf("active entities = %v, want [410]", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if violations != 1 {
		t.Errorf("violations = %d, want 1", violations)
	}
}

func TestSupervisor_UnwatchMergeRequest(t *testing.T) {
	mr := openMR(420, 17)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[17] = always(mr)
	fc.pipelines[mr.SourceBranch] = always(&gitlab.Pipeline{ID: 3, Status: gitlab.PipelineRunning})

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "update", func() bool { return rec.count(event.KindUpdatedMergeRequest) >= 1 })

	if !s.UnwatchMergeRequest(420) {
		t.Fatal("UnwatchMergeRequest() = false, want true")
	}
	if s.UnwatchMergeRequest(420) {
		t.Error("second UnwatchMergeRequest() = true, want false")
	}
	if got := s.ActiveEntities(); len(got) != 0 {
		t.Errorf("active entities = %v, want none", got)
	}

	n := len(rec.forMergeRequest(420))
	time.Sleep(5 * testInterval)
	if got := len(rec.forMergeRequest(420)); got != n {
		t.Errorf("events after unwatch = %d, want 0", got-n)
	}
	if got := s.WatchedUsers(); !slices.Equal(got, []int{1}) {
		t.Errorf("watched users = %v, want [1]", got)
	}
}

func TestSupervisor_PanicInTickRecovers(t *testing.T) {
	mr := openMR(500, 14)
	fc := newFakeClient()
	fc.panicList = 1
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[14] = always(mr)

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "discovery after panic", func() bool { return rec.count(event.KindNewMergeRequest) == 1 })
}

func TestSupervisor_RewatchStartsFresh(t *testing.T) {
	mr := openMR(600, 15)
	fc := newFakeClient()
	fc.lists[1] = always([]gitlab.MergeRequest{mr})
	fc.details[15] = always(mr)

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)
	waitFor(t, "first discovery", func() bool { return rec.count(event.KindNewMergeRequest) == 1 })

	s.UnwatchAll()
	if err := s.WatchUser(1); err != nil {
		t.Fatalf("WatchUser after UnwatchAll: %v", err)
	}

	waitFor(t, "second discovery", func() bool { return rec.count(event.KindNewMergeRequest) == 2 })
}

// TestSupervisor_NewPrecedesOtherEvents checks, for every merge request,
// that the announcement is the first event seen for it.
func TestSupervisor_NewPrecedesOtherEvents(t *testing.T) {
	fc := newFakeClient()
	var list []gitlab.MergeRequest
	for i := 0; i < 5; i++ {
		mr := openMR(700+i, 20+i)
		list = append(list, mr)
		fc.details[mr.IID] = always(mr)
		fc.pipelines[mr.SourceBranch] = always(&gitlab.Pipeline{ID: i, Status: "pending"})
	}
	fc.lists[1] = always(list)

	s, rec := newTestSupervisor(t, fc)
	s.Start(context.Background())
	_ = s.WatchUser(1)

	waitFor(t, "updates", func() bool { return rec.count(event.KindUpdatedMergeRequest) >= 10 })

	for _, mr := range list {
		events := rec.forMergeRequest(mr.ID)
		if len(events) == 0 {
			t.Errorf("merge request %d: no events", mr.ID)
			continue
		}
		if events[0].Kind() != event.KindNewMergeRequest {
			t.Errorf("merge request %d: first event %s", mr.ID, events[0].Kind())
		}
	}
}

func kindsOf(events []event.Event) []event.Kind {
	kinds := make([]event.Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind()
	}
	return kinds
}

func TestSupervisor_InvariantPanicNotRecovered(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeClient())
	s.Start(context.Background())
	h := s.root.spawn("user:1")

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrInvariant) {
			t.Errorf("recovered %v, want an ErrInvariant panic", r)
		}
	}()

	s.safeTick(context.Background(), h, func(context.Context) {
		panic(fmt.Errorf("%w: boom", ErrInvariant))
	})
	t.Error("safeTick swallowed an invariant panic")
}

func TestSupervisor_OtherPanicsRecovered(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeClient())
	s.Start(context.Background())
	h := s.root.spawn("user:1")

	// must not propagate
	s.safeTick(context.Background(), h, func(context.Context) {
		panic("boom")
	})
}
