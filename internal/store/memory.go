package store

import (
	"slices"
	"sync"
	"time"

	"github.com/jpalmerr/mrwatch/gitlab"
)

// subscriberBuffer is the channel buffer given to each subscriber.
const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Subscribers receive changes via buffered channels. Changes are sent
// non-blocking; if a subscriber's buffer is full, the change is dropped for
// that subscriber to prevent blocking the watch loops.
type MemoryStore struct {
	mu            sync.RWMutex
	mergeRequests map[int]gitlab.MergeRequest
	pipelines     map[int]gitlab.Pipeline // by merge request id
	projects      map[int]gitlab.Project
	todos         map[int]gitlab.Todo
	todoCount     int

	subMu       sync.RWMutex
	subscribers map[chan Change]struct{}
}

// NewMemoryStore creates a new in-memory [Store] implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mergeRequests: make(map[int]gitlab.MergeRequest),
		pipelines:     make(map[int]gitlab.Pipeline),
		projects:      make(map[int]gitlab.Project),
		todos:         make(map[int]gitlab.Todo),
		subscribers:   make(map[chan Change]struct{}),
	}
}

func (m *MemoryStore) UpsertMergeRequest(mr gitlab.MergeRequest) {
	m.mu.Lock()
	m.mergeRequests[mr.ID] = mr
	view := m.viewLocked(mr)
	m.mu.Unlock()

	m.notify(Change{Type: ChangeMergeRequest, ID: mr.ID, Data: view})
}

func (m *MemoryStore) RemoveMergeRequest(id int) {
	m.mu.Lock()
	_, ok := m.mergeRequests[id]
	delete(m.mergeRequests, id)
	delete(m.pipelines, id)
	m.mu.Unlock()

	if ok {
		m.notify(Change{Type: ChangeMergeRequestRemove, ID: id})
	}
}

func (m *MemoryStore) SetPipeline(mergeRequestID int, p gitlab.Pipeline) {
	m.mu.Lock()
	if _, ok := m.mergeRequests[mergeRequestID]; !ok {
		m.mu.Unlock()
		return
	}
	m.pipelines[mergeRequestID] = p
	m.mu.Unlock()

	m.notify(Change{Type: ChangePipeline, ID: mergeRequestID, Data: p})
}

func (m *MemoryStore) MergeRequests(authorID int) []MergeRequestView {
	m.mu.RLock()
	views := make([]MergeRequestView, 0, len(m.mergeRequests))
	for _, mr := range m.mergeRequests {
		if authorID != 0 && mr.Author.ID != authorID {
			continue
		}
		views = append(views, m.viewLocked(mr))
	}
	m.mu.RUnlock()

	slices.SortFunc(views, func(a, b MergeRequestView) int {
		if c := b.MergeRequest.UpdatedAt.Compare(a.MergeRequest.UpdatedAt); c != 0 {
			return c
		}
		return b.MergeRequest.ID - a.MergeRequest.ID
	})
	return views
}

func (m *MemoryStore) MergeRequest(id int) (MergeRequestView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mr, ok := m.mergeRequests[id]
	if !ok {
		return MergeRequestView{}, false
	}
	return m.viewLocked(mr), true
}

func (m *MemoryStore) SetProject(p gitlab.Project) {
	m.mu.Lock()
	m.projects[p.ID] = p
	var touched []MergeRequestView
	for _, mr := range m.mergeRequests {
		if mr.ProjectID == p.ID {
			touched = append(touched, m.viewLocked(mr))
		}
	}
	m.mu.Unlock()

	for _, v := range touched {
		m.notify(Change{Type: ChangeMergeRequest, ID: v.MergeRequest.ID, Data: v})
	}
}

func (m *MemoryStore) HasProject(id int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.projects[id]
	return ok
}

func (m *MemoryStore) AddTodo(t gitlab.Todo) {
	m.mu.Lock()
	m.todos[t.ID] = t
	m.mu.Unlock()

	m.notify(Change{Type: ChangeTodo, ID: t.ID, Data: t})
}

func (m *MemoryStore) RemoveTodo(id int) {
	m.mu.Lock()
	_, ok := m.todos[id]
	delete(m.todos, id)
	if m.todoCount > 0 {
		m.todoCount--
	}
	count := m.todoCountLocked()
	m.mu.Unlock()

	if ok {
		m.notify(Change{Type: ChangeTodoRemove, ID: id})
	}
	m.notify(Change{Type: ChangeTodoCount, Data: count})
}

func (m *MemoryStore) ClearTodos() {
	m.mu.Lock()
	m.todos = make(map[int]gitlab.Todo)
	m.todoCount = 0
	m.mu.Unlock()

	m.notify(Change{Type: ChangeTodoCount, Data: 0})
}

func (m *MemoryStore) SetTodoCount(n int) {
	m.mu.Lock()
	m.todoCount = n
	count := m.todoCountLocked()
	m.mu.Unlock()

	m.notify(Change{Type: ChangeTodoCount, Data: count})
}

func (m *MemoryStore) Todos() []gitlab.Todo {
	m.mu.RLock()
	todos := make([]gitlab.Todo, 0, len(m.todos))
	for _, t := range m.todos {
		todos = append(todos, t)
	}
	m.mu.RUnlock()

	slices.SortFunc(todos, func(a, b gitlab.Todo) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return b.ID - a.ID
	})
	return todos
}

func (m *MemoryStore) TodoCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.todoCountLocked()
}

func (m *MemoryStore) todoCountLocked() int {
	if m.todoCount == 0 {
		return len(m.todos)
	}
	return m.todoCount
}

// viewLocked assembles the view of mr. Caller must hold m.mu.
func (m *MemoryStore) viewLocked(mr gitlab.MergeRequest) MergeRequestView {
	v := MergeRequestView{MergeRequest: mr}
	if p, ok := m.pipelines[mr.ID]; ok {
		v.Pipeline = &p
	}
	if p, ok := m.projects[mr.ProjectID]; ok {
		v.Project = &p
	}
	return v
}

// Subscribe creates a new subscription and returns a channel for receiving
// changes.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan Change {
	ch := make(chan Change, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notify sends c to all subscribers without blocking.
func (m *MemoryStore) notify(c Change) {
	c.At = time.Now()

	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- c:
		default:
			// subscriber is slow, drop the change
		}
	}
}
