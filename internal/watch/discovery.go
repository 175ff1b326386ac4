package watch

import (
	"context"
	"fmt"

	"github.com/jpalmerr/mrwatch/event"
	"github.com/jpalmerr/mrwatch/gitlab"
)

// startUserLoop polls the user's open merge requests. Every id not yet in
// the loop's seen set is announced and gets its own watcher. Ids that
// disappear are left alone; their watchers end on their own terminal state.
//
// An id that disappears and later reappears (closed then reopened) is not
// announced again while this loop lives. An id refused because another loop
// already watches it stays unseen, so this loop takes it over once that
// watcher is gone.
func (s *Supervisor) startUserLoop(h *Handle, userID int) {
	seen := newSeenSet()
	reported := newSeenSet()

	s.runLoop(h, func(ctx context.Context) {
		mrs, err := s.client.ListMergeRequests(ctx, userID, gitlab.StateOpened)
		if err != nil {
			s.fetchFailed(ctx, h, err)
			return
		}

		for _, mr := range mrs {
			if !seen.add(mr.ID) {
				continue
			}
			err := s.spawnEntity(h, mr)
			if err == nil {
				continue
			}
			seen.remove(mr.ID)
			if reported.add(mr.ID) {
				s.violation(err)
			}
		}
	})
}

// spawnEntity announces mr and starts its watcher under parent. Returns an
// error wrapping [ErrInvariant] if another watcher already owns mr.
func (s *Supervisor) spawnEntity(parent *Handle, mr gitlab.MergeRequest) error {
	s.mu.Lock()
	if _, active := s.entities[mr.ID]; active {
		s.mu.Unlock()
		return fmt.Errorf("%w: merge request %d already has an active watcher (discovered again by %s)",
			ErrInvariant, mr.ID, parent.Name())
	}
	child := parent.spawn(fmt.Sprintf("mr:%d", mr.ID))
	if child == nil {
		s.mu.Unlock()
		return nil
	}
	s.entities[mr.ID] = child
	s.mu.Unlock()

	child.OnCancel(func() { s.forgetEntity(mr.ID, child) })

	// the announcement must precede any event from the watcher itself
	if !parent.emit(func() { s.bus.Publish(event.NewNewMergeRequest(mr)) }) {
		child.Cancel()
		return nil
	}

	s.logger.Debug("new merge request", "loop", parent.Name(), "merge_request_id", mr.ID, "iid", mr.IID)
	s.startEntity(child, mr)
	return nil
}

func (s *Supervisor) forgetEntity(id int, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entities[id] == h {
		delete(s.entities, id)
	}
}

// startTodosLoop polls the todo list. New todo ids are announced once; the
// total count is emitted on every successful poll.
func (s *Supervisor) startTodosLoop(h *Handle) {
	seen := newSeenSet()

	s.runLoop(h, func(ctx context.Context) {
		page, err := s.client.ListTodos(ctx)
		if err != nil {
			s.fetchFailed(ctx, h, err)
			return
		}

		h.emit(func() {
			for _, todo := range page.Items {
				if seen.add(todo.ID) {
					s.bus.Publish(event.NewNewTodo(todo))
				}
			}
			s.bus.Publish(event.NewTodoCount(page.TotalCount))
		})
	})
}
