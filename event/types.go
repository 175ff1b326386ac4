package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/mrwatch/gitlab"
)

// Kind identifies the type of an event.
// Convention: "category.action".
type Kind string

const (
	KindNewMergeRequest     Kind = "merge_request.new"
	KindUpdatedMergeRequest Kind = "merge_request.updated"
	KindMergedMergeRequest  Kind = "merge_request.merged"
	KindUpdatedPipeline     Kind = "pipeline.updated"
	KindNewTodo             Kind = "todo.new"
	KindTodoCount           Kind = "todo.count"

	// KindFetchFailed is a non-fatal diagnostic. The loop that failed keeps
	// running and retries on its next tick.
	KindFetchFailed Kind = "poll.failed"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{
	KindNewMergeRequest,
	KindUpdatedMergeRequest,
	KindMergedMergeRequest,
	KindUpdatedPipeline,
	KindNewTodo,
	KindTodoCount,
	KindFetchFailed,
}

// Event is the interface that all events implement.
type Event interface {
	// Kind returns the event kind.
	Kind() Kind

	// ID returns a unique identifier for this emission.
	ID() string

	// Timestamp returns when the event was created.
	Timestamp() time.Time
}

type baseEvent struct {
	kind      Kind
	id        string
	timestamp time.Time
}

func (e baseEvent) Kind() Kind           { return e.kind }
func (e baseEvent) ID() string           { return e.id }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(kind Kind) baseEvent {
	return baseEvent{
		kind:      kind,
		id:        uuid.NewString(),
		timestamp: time.Now(),
	}
}

// NewMergeRequest is emitted once per merge request id per discovery loop,
// the first time the id is seen.
type NewMergeRequest struct {
	baseEvent
	MergeRequest gitlab.MergeRequest `json:"merge_request"`
}

// NewNewMergeRequest creates a NewMergeRequest event.
func NewNewMergeRequest(mr gitlab.MergeRequest) NewMergeRequest {
	return NewMergeRequest{baseEvent: newBaseEvent(KindNewMergeRequest), MergeRequest: mr}
}

// UpdatedMergeRequest carries a fresh snapshot of a still-open merge request.
// It is emitted on every detail poll, changed or not; treat it as an upsert.
type UpdatedMergeRequest struct {
	baseEvent
	MergeRequest gitlab.MergeRequest `json:"merge_request"`
}

// NewUpdatedMergeRequest creates an UpdatedMergeRequest event.
func NewUpdatedMergeRequest(mr gitlab.MergeRequest) UpdatedMergeRequest {
	return UpdatedMergeRequest{baseEvent: newBaseEvent(KindUpdatedMergeRequest), MergeRequest: mr}
}

// MergedMergeRequest is emitted once when a watched merge request reaches
// the merged or closed state. Nothing else is emitted for it afterwards.
type MergedMergeRequest struct {
	baseEvent
	MergeRequest gitlab.MergeRequest `json:"merge_request"`
}

// NewMergedMergeRequest creates a MergedMergeRequest event.
func NewMergedMergeRequest(mr gitlab.MergeRequest) MergedMergeRequest {
	return MergedMergeRequest{baseEvent: newBaseEvent(KindMergedMergeRequest), MergeRequest: mr}
}

// UpdatedPipeline carries the latest pipeline of a merge request's source
// branch. Pipeline is never nil.
type UpdatedPipeline struct {
	baseEvent
	MergeRequest gitlab.MergeRequest `json:"merge_request"`
	Pipeline     gitlab.Pipeline     `json:"pipeline"`
}

// NewUpdatedPipeline creates an UpdatedPipeline event.
func NewUpdatedPipeline(mr gitlab.MergeRequest, p gitlab.Pipeline) UpdatedPipeline {
	return UpdatedPipeline{baseEvent: newBaseEvent(KindUpdatedPipeline), MergeRequest: mr, Pipeline: p}
}

// NewTodo is emitted once per todo id per todos loop.
type NewTodo struct {
	baseEvent
	Todo gitlab.Todo `json:"todo"`
}

// NewNewTodo creates a NewTodo event.
func NewNewTodo(t gitlab.Todo) NewTodo {
	return NewTodo{baseEvent: newBaseEvent(KindNewTodo), Todo: t}
}

// TodoCount carries the server-reported number of pending todos.
// It is emitted on every successful todos poll.
type TodoCount struct {
	baseEvent
	Count int `json:"count"`
}

// NewTodoCount creates a TodoCount event.
func NewTodoCount(n int) TodoCount {
	return TodoCount{baseEvent: newBaseEvent(KindTodoCount), Count: n}
}

// FetchFailed reports a failed remote fetch inside a polling loop.
type FetchFailed struct {
	baseEvent
	Loop  string `json:"loop"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// NewFetchFailed creates a FetchFailed event for the named loop.
func NewFetchFailed(loop string, err error) FetchFailed {
	return FetchFailed{baseEvent: newBaseEvent(KindFetchFailed), Loop: loop, Error: err.Error(), Err: err}
}
