package watch

import (
	"context"
	"fmt"
	"sync"
)

// Handle is a cancellable node in the watch tree.
//
// Handles form a strict tree: supervisor -> user/todos loop -> merge request
// watcher -> detail/pipeline loops. Cancelling a handle cancels its whole
// subtree. Emissions go through [Handle.emit], which holds the handle's read
// lock, so once Cancel returns no emission from the handle or any descendant
// can start.
type Handle struct {
	name   string
	parent *Handle
	ctx    context.Context
	cancel context.CancelFunc
	report func(error)

	mu        sync.RWMutex
	cancelled bool
	children  map[*Handle]struct{}
	onCancel  []func()
}

func newRootHandle(ctx context.Context, name string, report func(error)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	return &Handle{
		name:     name,
		ctx:      ctx,
		cancel:   cancel,
		report:   report,
		children: make(map[*Handle]struct{}),
	}
}

// Name returns the handle's path in the tree, e.g. "user:42/mr:1001/detail".
func (h *Handle) Name() string {
	return h.name
}

// Context returns a context that is cancelled together with the handle.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cancelled reports whether Cancel has run on this handle or an ancestor.
func (h *Handle) Cancelled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cancelled
}

// spawn creates a child handle. Returns nil if h is cancelled or its
// context is done.
func (h *Handle) spawn(name string) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled || h.ctx.Err() != nil {
		return nil
	}

	childName := name
	if h.parent != nil {
		childName = h.name + "/" + name
	}

	ctx, cancel := context.WithCancel(h.ctx)
	child := &Handle{
		name:     childName,
		parent:   h,
		ctx:      ctx,
		cancel:   cancel,
		report:   h.report,
		children: make(map[*Handle]struct{}),
	}
	h.children[child] = struct{}{}
	return child
}

// OnCancel registers fn to run once when the handle is cancelled.
// If the handle is already cancelled, fn runs immediately.
func (h *Handle) OnCancel(fn func()) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		fn()
		return
	}
	h.onCancel = append(h.onCancel, fn)
	h.mu.Unlock()
}

// Cancel cancels the handle and its subtree and detaches it from its parent.
// Cancel is idempotent. It waits for an emission already in progress on any
// node of the subtree to finish.
func (h *Handle) Cancel() {
	if !h.cancelSubtree() {
		return
	}
	if h.parent != nil {
		h.parent.detach(h)
	}
}

func (h *Handle) cancelSubtree() bool {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return false
	}
	h.cancelled = true
	h.cancel()
	children := h.children
	h.children = nil
	hooks := h.onCancel
	h.onCancel = nil
	h.mu.Unlock()

	for child := range children {
		child.cancelSubtree()
	}
	for _, fn := range hooks {
		fn()
	}
	return true
}

// detach removes child from h. Detaching a handle that a live parent does
// not know about means the tree was corrupted.
func (h *Handle) detach(child *Handle) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	_, known := h.children[child]
	delete(h.children, child)
	h.mu.Unlock()

	if !known && h.report != nil {
		h.report(fmt.Errorf("%w: detach of unknown handle %q from %q", ErrInvariant, child.name, h.name))
	}
}

// emit runs fn unless the handle is cancelled. Returns false if fn was
// skipped.
func (h *Handle) emit(fn func()) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.cancelled || h.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

// childCount returns the number of live children.
func (h *Handle) childCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.children)
}
