package store

import (
	"time"

	"github.com/jpalmerr/mrwatch/gitlab"
)

// MergeRequestView is a cached merge request together with what is known
// about its latest pipeline and its project.
type MergeRequestView struct {
	MergeRequest gitlab.MergeRequest `json:"merge_request"`

	// Pipeline is nil until a pipeline has been seen for the source branch.
	Pipeline *gitlab.Pipeline `json:"pipeline"`

	// Project is nil until the project has been fetched.
	Project *gitlab.Project `json:"project"`
}

// Change describes one mutation of the store. Subscribers receive a Change
// for every mutation; Data holds the new value, or is nil for removals.
type Change struct {
	Type string    `json:"type"`
	ID   int       `json:"id,omitempty"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Change types.
const (
	ChangeMergeRequest       = "merge_request"
	ChangeMergeRequestRemove = "merge_request.removed"
	ChangePipeline           = "pipeline"
	ChangeTodo               = "todo"
	ChangeTodoRemove         = "todo.removed"
	ChangeTodoCount          = "todo.count"
)

// Store defines the interface for the cached watch state.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows changes to be pushed to connected clients (e.g., via
// Server-Sent Events).
type Store interface {
	// UpsertMergeRequest stores a merge request snapshot, keeping any known
	// pipeline and project.
	UpsertMergeRequest(mr gitlab.MergeRequest)

	// RemoveMergeRequest drops a merge request and its pipeline.
	RemoveMergeRequest(id int)

	// SetPipeline records the latest pipeline of a cached merge request.
	// Pipelines for unknown merge requests are ignored.
	SetPipeline(mergeRequestID int, p gitlab.Pipeline)

	// MergeRequests returns all cached merge requests, most recently updated
	// first. authorID 0 means every author.
	MergeRequests(authorID int) []MergeRequestView

	// MergeRequest returns one cached merge request.
	MergeRequest(id int) (MergeRequestView, bool)

	// SetProject caches a project and attaches it to its merge requests.
	SetProject(p gitlab.Project)

	// HasProject reports whether the project is cached.
	HasProject(id int) bool

	// AddTodo stores a todo.
	AddTodo(t gitlab.Todo)

	// RemoveTodo drops a todo and decrements the count.
	RemoveTodo(id int)

	// ClearTodos drops every todo and zeroes the count.
	ClearTodos()

	// SetTodoCount records the server-reported number of pending todos.
	SetTodoCount(n int)

	// Todos returns the cached todos, newest first.
	Todos() []gitlab.Todo

	// TodoCount returns the pending todo count. When the server reported 0
	// the number of cached todos is returned instead.
	TodoCount() int

	// Subscribe returns a channel that receives changes.
	// The returned channel has a buffer; slow consumers may miss changes.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan Change

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Change)
}
