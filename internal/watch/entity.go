package watch

import (
	"context"
	"sync/atomic"

	"github.com/jpalmerr/mrwatch/event"
	"github.com/jpalmerr/mrwatch/gitlab"
)

type entityState int32

const (
	stateActive entityState = iota
	stateTerminal
)

func (s entityState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// entityWatcher follows one merge request with two independent loops: one
// for the merge request itself and one for its latest pipeline.
type entityWatcher struct {
	s        *Supervisor
	mr       gitlab.MergeRequest // snapshot at discovery
	handle   *Handle
	detail   *Handle
	pipeline *Handle
	state    atomic.Int32
}

func (s *Supervisor) startEntity(h *Handle, mr gitlab.MergeRequest) *entityWatcher {
	e := &entityWatcher{s: s, mr: mr, handle: h}

	e.detail = h.spawn("detail")
	e.pipeline = h.spawn("pipeline")
	if e.detail == nil || e.pipeline == nil {
		h.Cancel()
		return e
	}

	s.runLoop(e.detail, e.pollDetail)
	s.runLoop(e.pipeline, e.pollPipeline)
	return e
}

func (e *entityWatcher) currentState() entityState {
	return entityState(e.state.Load())
}

func (e *entityWatcher) pollDetail(ctx context.Context) {
	mr, err := e.s.client.GetMergeRequest(ctx, e.mr.ProjectID, e.mr.IID)
	if err != nil {
		e.s.fetchFailed(ctx, e.detail, err)
		return
	}

	if mr.IsTerminal() {
		e.terminate(mr)
		return
	}

	e.detail.emit(func() {
		e.s.bus.Publish(event.NewUpdatedMergeRequest(mr))
	})
}

func (e *entityWatcher) pollPipeline(ctx context.Context) {
	p, err := e.s.client.GetLatestPipeline(ctx, e.mr.SourceProjectID, e.mr.SourceBranch)
	if err != nil {
		e.s.fetchFailed(ctx, e.pipeline, err)
		return
	}
	if p == nil {
		return
	}

	// TODO: emit only when the pipeline status changes
	e.pipeline.emit(func() {
		e.s.bus.Publish(event.NewUpdatedPipeline(e.mr, *p))
	})
}

// terminate moves the watcher to its terminal state. The pipeline loop is
// silenced before the final event so nothing for this merge request can
// follow it.
func (e *entityWatcher) terminate(mr gitlab.MergeRequest) {
	if !e.state.CompareAndSwap(int32(stateActive), int32(stateTerminal)) {
		return
	}

	e.pipeline.Cancel()
	e.detail.emit(func() {
		e.s.bus.Publish(event.NewMergedMergeRequest(mr))
	})
	e.handle.Cancel()

	e.s.logger.Debug("merge request finished",
		"loop", e.handle.Name(),
		"merge_request_id", mr.ID,
		"state", mr.State,
	)
}
