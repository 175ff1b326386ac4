// Package mockgitlab is a simulated GitLab API for demos and manual testing.
//
// It serves the subset of /api/v4 that mrwatch uses. Every few seconds each
// open merge request's pipeline moves one step (pending, running, then
// success or failed); a green merge request is merged shortly after, and new
// merge requests and todos appear over time.
package mockgitlab

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jpalmerr/mrwatch/gitlab"
)

var pipelineSteps = []string{
	gitlab.PipelinePending,
	gitlab.PipelineRunning,
	gitlab.PipelineSuccess,
}

type mergeRequest struct {
	mr           gitlab.MergeRequest
	pipeline     gitlab.Pipeline
	step         int
	nextChangeAt time.Time
}

// Server holds the simulated GitLab state.
type Server struct {
	logger *slog.Logger

	minChange time.Duration
	maxChange time.Duration

	mu       sync.Mutex
	users    map[string]gitlab.User
	projects map[int]gitlab.Project
	mrs      map[int]*mergeRequest
	todos    []gitlab.Todo
	nextID   int
	nextMRAt time.Time
}

// New creates a server with two users (alice and bob), one project and an
// open merge request for each user. State changes happen every
// minChange..maxChange.
func New(logger *slog.Logger, minChange, maxChange time.Duration) *Server {
	s := &Server{
		logger:    logger,
		minChange: minChange,
		maxChange: maxChange,
		users: map[string]gitlab.User{
			"alice": {ID: 1, Username: "alice", Name: "Alice"},
			"bob":   {ID: 2, Username: "bob", Name: "Bob"},
		},
		projects: map[int]gitlab.Project{
			10: {ID: 10, Name: "widgets", NameWithNamespace: "Acme / widgets", PathWithNamespace: "acme/widgets"},
		},
		mrs:    make(map[int]*mergeRequest),
		nextID: 100,
	}

	now := time.Now()
	s.openMergeRequest(s.users["alice"], now)
	s.openMergeRequest(s.users["bob"], now)
	s.addTodo("review_requested", s.users["bob"], now)
	s.nextMRAt = now.Add(s.delay())
	return s
}

// delay returns a random duration in [minChange, maxChange].
func (s *Server) delay() time.Duration {
	spread := s.maxChange - s.minChange
	if spread <= 0 {
		return s.minChange
	}
	return s.minChange + time.Duration(rand.Int63n(int64(spread)+1))
}

func (s *Server) openMergeRequest(author gitlab.User, now time.Time) {
	s.nextID++
	id := s.nextID
	branch := fmt.Sprintf("%s/change-%d", author.Username, id)

	s.mrs[id] = &mergeRequest{
		mr: gitlab.MergeRequest{
			ID:              id,
			IID:             id - 100,
			ProjectID:       10,
			SourceProjectID: 10,
			SourceBranch:    branch,
			TargetBranch:    "main",
			Title:           fmt.Sprintf("Change %d by %s", id, author.Username),
			State:           gitlab.StateOpened,
			Author:          author,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		pipeline: gitlab.Pipeline{
			ID:        id * 10,
			Status:    pipelineSteps[0],
			Ref:       branch,
			UpdatedAt: now,
		},
		nextChangeAt: now.Add(s.delay()),
	}
	s.logger.Info("merge request opened", "id", id, "author", author.Username)
}

func (s *Server) addTodo(action string, author gitlab.User, now time.Time) {
	s.nextID++
	s.todos = append(s.todos, gitlab.Todo{
		ID:         s.nextID,
		ActionName: action,
		TargetType: "MergeRequest",
		State:      "pending",
		Author:     author,
		CreatedAt:  now,
	})
}

// advance moves the simulation forward to now. Callers hold s.mu.
func (s *Server) advance(now time.Time) {
	for _, m := range s.mrs {
		if m.mr.State != gitlab.StateOpened || now.Before(m.nextChangeAt) {
			continue
		}
		m.nextChangeAt = now.Add(s.delay())

		switch m.pipeline.Status {
		case gitlab.PipelineSuccess:
			m.mr.State = gitlab.StateMerged
			m.mr.UpdatedAt = now
			s.logger.Info("merge request merged", "id", m.mr.ID)
		case gitlab.PipelineFailed:
			// retried
			m.step = 0
			m.pipeline.ID++
			m.pipeline.Status = pipelineSteps[0]
			m.pipeline.UpdatedAt = now
		default:
			m.step++
			status := pipelineSteps[m.step]
			if status == gitlab.PipelineSuccess && rand.Intn(4) == 0 {
				status = gitlab.PipelineFailed
			}
			s.logger.Info("pipeline changed", "merge_request", m.mr.ID, "from", m.pipeline.Status, "to", status)
			m.pipeline.Status = status
			m.pipeline.UpdatedAt = now
			m.mr.UpdatedAt = now
		}
	}

	if now.After(s.nextMRAt) {
		s.nextMRAt = now.Add(s.delay())
		author := s.users["alice"]
		if rand.Intn(2) == 0 {
			author = s.users["bob"]
		}
		s.openMergeRequest(author, now)
		s.addTodo("review_requested", author, now)
	}
}

// Handler returns the /api/v4 routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/users", s.handleUsers)
	mux.HandleFunc("GET /api/v4/merge_requests", s.handleMergeRequests)
	mux.HandleFunc("GET /api/v4/projects/{pid}", s.handleProject)
	mux.HandleFunc("GET /api/v4/projects/{pid}/merge_requests/{iid}", s.handleMergeRequest)
	mux.HandleFunc("PUT /api/v4/projects/{pid}/merge_requests/{iid}/merge", s.handleMerge)
	mux.HandleFunc("GET /api/v4/projects/{pid}/pipelines", s.handlePipelines)
	mux.HandleFunc("GET /api/v4/todos", s.handleTodos)
	mux.HandleFunc("POST /api/v4/todos/{id}/mark_as_done", s.handleTodoDone)
	mux.HandleFunc("POST /api/v4/todos/mark_as_done", s.handleAllTodosDone)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.advance(time.Now())
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := []gitlab.User{}
	if u, ok := s.users[r.URL.Query().Get("username")]; ok {
		users = append(users, u)
	}
	s.writeJSON(w, users)
}

func (s *Server) handleMergeRequests(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	author, _ := strconv.Atoi(r.URL.Query().Get("author_id"))
	state := r.URL.Query().Get("state")

	mrs := []gitlab.MergeRequest{}
	for _, m := range s.mrs {
		if m.mr.Author.ID == author && (state == "" || m.mr.State == state) {
			mrs = append(mrs, m.mr)
		}
	}
	s.writeJSON(w, mrs)
}

// find returns the merge request addressed by the pid and iid path values.
// Callers hold s.mu.
func (s *Server) find(r *http.Request) *mergeRequest {
	pid, _ := strconv.Atoi(r.PathValue("pid"))
	iid, _ := strconv.Atoi(r.PathValue("iid"))
	for _, m := range s.mrs {
		if m.mr.ProjectID == pid && m.mr.IID == iid {
			return m
		}
	}
	return nil
}

func (s *Server) handleMergeRequest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.find(r)
	if m == nil {
		http.Error(w, `{"message":"404 Not found"}`, http.StatusNotFound)
		return
	}
	s.writeJSON(w, m.mr)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.find(r)
	if m == nil {
		http.Error(w, `{"message":"404 Not found"}`, http.StatusNotFound)
		return
	}
	if m.mr.State != gitlab.StateOpened {
		http.Error(w, `{"message":"405 Method Not Allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	m.mr.State = gitlab.StateMerged
	m.mr.UpdatedAt = time.Now()
	s.logger.Info("merge request merged by request", "id", m.mr.ID)
	s.writeJSON(w, m.mr)
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid, _ := strconv.Atoi(r.PathValue("pid"))
	ref := r.URL.Query().Get("ref")

	pipelines := []gitlab.Pipeline{}
	for _, m := range s.mrs {
		if m.mr.SourceProjectID == pid && m.pipeline.Ref == ref {
			pipelines = append(pipelines, m.pipeline)
		}
	}
	s.writeJSON(w, pipelines)
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid, _ := strconv.Atoi(r.PathValue("pid"))
	p, ok := s.projects[pid]
	if !ok {
		http.Error(w, `{"message":"404 Project Not Found"}`, http.StatusNotFound)
		return
	}
	s.writeJSON(w, p)
}

func (s *Server) handleTodos(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("X-Total", strconv.Itoa(len(s.todos)))
	s.writeJSON(w, append([]gitlab.Todo{}, s.todos...))
}

func (s *Server) handleTodoDone(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := strconv.Atoi(r.PathValue("id"))
	for i, t := range s.todos {
		if t.ID == id {
			s.todos = append(s.todos[:i], s.todos[i+1:]...)
			t.State = "done"
			s.writeJSON(w, t)
			return
		}
	}
	http.Error(w, `{"message":"404 Todo Not Found"}`, http.StatusNotFound)
}

func (s *Server) handleAllTodosDone(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.todos = nil
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
