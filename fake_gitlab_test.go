package mrwatch

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGitLab serves a single user "alice" (id 42) with one open merge
// request (id 100, project 7, iid 1), one pipeline and one pending todo.
type fakeGitLab struct {
	*httptest.Server

	mrState atomic.Value // string

	mu          sync.Mutex
	merged      int
	todosDone   []string
	projectHits atomic.Int32
}

func newFakeGitLab(t *testing.T) *fakeGitLab {
	t.Helper()

	f := &fakeGitLab{}
	f.mrState.Store("opened")

	mr := func() map[string]any {
		return map[string]any{
			"id":                100,
			"iid":               1,
			"project_id":        7,
			"source_project_id": 7,
			"source_branch":     "feature",
			"target_branch":     "main",
			"title":             "Add widgets",
			"state":             f.mrState.Load().(string),
			"author":            map[string]any{"id": 42, "username": "alice"},
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("username") == "alice" {
			writeJSON(w, []map[string]any{{"id": 42, "username": "alice"}})
			return
		}
		writeJSON(w, []map[string]any{})
	})
	mux.HandleFunc("GET /api/v4/merge_requests", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("author_id") == "42" && f.mrState.Load() == "opened" {
			writeJSON(w, []map[string]any{mr()})
			return
		}
		writeJSON(w, []map[string]any{})
	})
	mux.HandleFunc("GET /api/v4/projects/7/merge_requests/1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, mr())
	})
	mux.HandleFunc("GET /api/v4/projects/7/pipelines", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{{"id": 5, "status": "running", "ref": "feature"}})
	})
	mux.HandleFunc("GET /api/v4/projects/7", func(w http.ResponseWriter, _ *http.Request) {
		f.projectHits.Add(1)
		writeJSON(w, map[string]any{"id": 7, "name": "widgets", "path_with_namespace": "acme/widgets"})
	})
	mux.HandleFunc("GET /api/v4/todos", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Total", "1")
		writeJSON(w, []map[string]any{{"id": 9, "action_name": "review_requested", "state": "pending"}})
	})
	mux.HandleFunc("PUT /api/v4/projects/7/merge_requests/1/merge", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.merged++
		f.mu.Unlock()
		writeJSON(w, mr())
	})
	mux.HandleFunc("POST /api/v4/todos/{id}/mark_as_done", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.todosDone = append(f.todosDone, r.PathValue("id"))
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": r.PathValue("id")})
	})
	mux.HandleFunc("POST /api/v4/todos/mark_as_done", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.todosDone = append(f.todosDone, "all")
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
