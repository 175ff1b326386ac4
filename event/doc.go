// Package event provides the typed events emitted by the watcher and the
// in-process [Bus] that distributes them.
//
// # Event Kinds
//
// Merge requests:
//   - [NewMergeRequest]: first sighting of a merge request id by a discovery loop
//   - [UpdatedMergeRequest]: fresh snapshot of an open merge request, every poll
//   - [MergedMergeRequest]: the merge request was merged or closed (final)
//
// Pipelines:
//   - [UpdatedPipeline]: latest pipeline of a watched merge request, every poll
//
// Todos:
//   - [NewTodo]: first sighting of a todo id
//   - [TodoCount]: total pending todos, every poll
//
// Diagnostics:
//   - [FetchFailed]: a poll failed; the loop retries on its next tick
//
// # Delivery
//
// Handlers run synchronously on the publishing goroutine, in registration
// order. Ordering across kinds is not guaranteed, except that a
// [NewMergeRequest] for an id always precedes any other event for that id.
// Handlers must not block; long work belongs in a separate goroutine.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.KindNewMergeRequest, func(e event.Event) {
//	    mr := e.(event.NewMergeRequest).MergeRequest
//	    log.Printf("new merge request !%d", mr.IID)
//	})
package event
