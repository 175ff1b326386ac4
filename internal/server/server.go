package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jpalmerr/mrwatch/gitlab"
	"github.com/jpalmerr/mrwatch/internal/store"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	// actionTimeout bounds a single remote action triggered through the API.
	actionTimeout = 30 * time.Second
)

// Actions are the remote operations the API exposes.
type Actions interface {
	Merge(ctx context.Context, mergeRequestID int) error
	MarkTodoAsDone(ctx context.Context, todoID int) error
	MarkAllTodosAsDone(ctx context.Context) error
}

// Server handles HTTP requests for the watch API.
//
// Routes:
//   - GET /api/merge-requests[?author=ID]: cached merge requests as JSON
//   - GET /api/todos: cached todos and their count as JSON
//   - GET /api/sse: Server-Sent Events stream of store changes
//   - POST /api/merge-requests/{id}/merge: merge a cached merge request
//   - POST /api/todos/{id}/done: mark one todo as done
//   - POST /api/todos/done: mark every todo as done
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store      store.Store
	actions    Actions
	port       int
	httpServer *http.Server
	logger     *slog.Logger
	addr       net.Addr
	done       chan struct{}
}

// NewServer creates a new HTTP [Server]. A port of 0 picks a free port.
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, actions Actions, port int, logger *slog.Logger) *Server {
	return &Server{
		store:   st,
		actions: actions,
		port:    port,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/merge-requests", s.handleMergeRequests)
	mux.HandleFunc("POST /api/merge-requests/{id}/merge", s.handleMerge)
	mux.HandleFunc("GET /api/todos", s.handleTodos)
	mux.HandleFunc("POST /api/todos/done", s.handleAllTodosDone)
	mux.HandleFunc("POST /api/todos/{id}/done", s.handleTodoDone)
	mux.HandleFunc("GET /api/sse", s.handleSSE)
	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown; [Server.Done]
// is closed once the shutdown completes.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("api server listening", "addr", s.addr.String())
	return nil
}

// Addr returns the listening address. Nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Done is closed after the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handleMergeRequests(w http.ResponseWriter, r *http.Request) {
	author := 0
	if v := r.URL.Query().Get("author"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid author", http.StatusBadRequest)
			return
		}
		author = id
	}

	s.writeJSON(w, http.StatusOK, s.store.MergeRequests(author))
}

type todosResponse struct {
	Count int           `json:"count"`
	Todos []gitlab.Todo `json:"todos"`
}

func (s *Server) handleTodos(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, todosResponse{
		Count: s.store.TodoCount(),
		Todos: s.store.Todos(),
	})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid merge request id", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	s.runAction(w, "merge", s.actions.Merge(ctx, id))
}

func (s *Server) handleTodoDone(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid todo id", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	s.runAction(w, "mark todo done", s.actions.MarkTodoAsDone(ctx, id))
}

func (s *Server) handleAllTodosDone(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	s.runAction(w, "mark all todos done", s.actions.MarkAllTodosAsDone(ctx))
}

// runAction maps the result of a remote action to a response.
func (s *Server) runAction(w http.ResponseWriter, name string, err error) {
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var apiErr *gitlab.APIError
	switch {
	case errors.Is(err, gitlab.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
		http.Error(w, err.Error(), apiErr.StatusCode)
	default:
		s.logger.Warn("api action failed", "action", name, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// handleSSE streams store changes via Server-Sent Events. Every connection
// starts with a snapshot of the cached state.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(c store.Change) error {
		data, err := json.Marshal(c)
		if err != nil {
			return nil
		}
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	now := time.Now()
	for _, v := range s.store.MergeRequests(0) {
		if err := writeAndFlush(store.Change{Type: store.ChangeMergeRequest, ID: v.MergeRequest.ID, Data: v, At: now}); err != nil {
			return
		}
	}
	for _, t := range s.store.Todos() {
		if err := writeAndFlush(store.Change{Type: store.ChangeTodo, ID: t.ID, Data: t, At: now}); err != nil {
			return
		}
	}
	if err := writeAndFlush(store.Change{Type: store.ChangeTodoCount, Data: s.store.TodoCount(), At: now}); err != nil {
		return
	}

	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return
			}
			if err := writeAndFlush(c); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}
