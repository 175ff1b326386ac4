package store

import (
	"github.com/jpalmerr/mrwatch/event"
)

// Apply folds a watch event into s. Events that carry no cacheable state
// are ignored.
func Apply(s Store, e event.Event) {
	switch ev := e.(type) {
	case event.NewMergeRequest:
		s.UpsertMergeRequest(ev.MergeRequest)
	case event.UpdatedMergeRequest:
		s.UpsertMergeRequest(ev.MergeRequest)
	case event.MergedMergeRequest:
		s.RemoveMergeRequest(ev.MergeRequest.ID)
	case event.UpdatedPipeline:
		s.SetPipeline(ev.MergeRequest.ID, ev.Pipeline)
	case event.NewTodo:
		s.AddTodo(ev.Todo)
	case event.TodoCount:
		s.SetTodoCount(ev.Count)
	}
}
