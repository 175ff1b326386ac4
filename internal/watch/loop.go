package watch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/mrwatch/event"
)

// runLoop calls tick immediately and then once per interval until h is
// cancelled. Ticks never overlap: a slow tick delays the next one.
func (s *Supervisor) runLoop(h *Handle, tick func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx := h.Context()
		s.safeTick(ctx, h, tick)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				s.safeTick(ctx, h, tick)
			}
		}
	}()
}

// safeTick runs one tick with panic recovery so a crash stays confined to
// the loop that caused it. Panics carrying [ErrInvariant] come from a strict
// violation hook and are not recovered.
func (s *Supervisor) safeTick(ctx context.Context, h *Handle, tick func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, ErrInvariant) {
				panic(r)
			}
			s.logger.Error("poll tick panic",
				"correlation_id", uuid.NewString(),
				"loop", h.Name(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	tick(ctx)
}

// fetchFailed reports a failed fetch. Fetches aborted because the loop was
// cancelled are not failures.
func (s *Supervisor) fetchFailed(ctx context.Context, h *Handle, err error) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Warn("poll failed", "loop", h.Name(), "error", err.Error())
	h.emit(func() {
		s.bus.Publish(event.NewFetchFailed(h.Name(), err))
	})
}
