package gitlab

import "time"

// Merge request states reported by the GitLab API.
const (
	StateOpened = "opened"
	StateMerged = "merged"
	StateClosed = "closed"
	StateLocked = "locked"
)

// Common pipeline statuses. GitLab reports others (created, manual,
// scheduled, ...) which are passed through unchanged.
const (
	PipelinePending  = "pending"
	PipelineRunning  = "running"
	PipelineSuccess  = "success"
	PipelineFailed   = "failed"
	PipelineCanceled = "canceled"
)

// User is a GitLab user as returned by the users API and embedded in
// merge requests and todos.
type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	WebURL    string `json:"web_url,omitempty"`
}

// MergeRequest is a snapshot of a single merge request.
//
// Snapshots are values: every poll produces a fresh one and consumers should
// treat each as a full replacement of the previous snapshot with the same ID.
type MergeRequest struct {
	ID              int       `json:"id"`
	IID             int       `json:"iid"`
	ProjectID       int       `json:"project_id"`
	SourceProjectID int       `json:"source_project_id"`
	SourceBranch    string    `json:"source_branch"`
	TargetBranch    string    `json:"target_branch"`
	Title           string    `json:"title"`
	State           string    `json:"state"`
	Draft           bool      `json:"draft"`
	WebURL          string    `json:"web_url"`
	Author          User      `json:"author"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsTerminal reports whether the merge request has left the open state for
// good, i.e. it was merged or closed.
func (mr MergeRequest) IsTerminal() bool {
	return mr.State == StateMerged || mr.State == StateClosed
}

// Pipeline is a snapshot of the latest pipeline for a branch.
type Pipeline struct {
	ID        int       `json:"id"`
	Status    string    `json:"status"`
	Ref       string    `json:"ref"`
	SHA       string    `json:"sha"`
	WebURL    string    `json:"web_url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Todo is a pending todo notification of the authenticated user.
type Todo struct {
	ID         int       `json:"id"`
	ActionName string    `json:"action_name"`
	TargetType string    `json:"target_type"`
	TargetURL  string    `json:"target_url"`
	Body       string    `json:"body"`
	State      string    `json:"state"`
	Author     User      `json:"author"`
	CreatedAt  time.Time `json:"created_at"`
}

// TodoPage is one todo listing together with the server-reported total.
type TodoPage struct {
	Items      []Todo
	TotalCount int
}

// Project is the subset of project metadata used to label merge requests.
type Project struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	NameWithNamespace string `json:"name_with_namespace"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}
