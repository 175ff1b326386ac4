package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gl "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultPageSize = 100
)

// connection pooling limits; every loop talks to the same host
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 20
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 60 * time.Second
)

// ErrNotFound is returned when a lookup by name matches nothing.
var ErrNotFound = errors.New("not found")

// APIError is returned for any non-2xx response from the GitLab API.
// Path is relative to the API root, e.g. "/projects/7/merge_requests/1".
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gitlab: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("gitlab: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client adapts the GitLab REST v4 SDK to the snapshot calls the watcher
// needs and converts its results into this package's types.
//
// Client uses per-request timeouts via context rather than a global timeout.
// The SDK's retries are disabled: a failed poll is retried by the next tick.
// Client is safe for concurrent use.
type Client struct {
	api        *gl.Client
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a [Client] for the GitLab instance at endpoint.
//
// endpoint may be the instance root (https://gitlab.example.com) or already
// include the /api/v4 prefix. A zero timeout selects the 10 second default.
func NewClient(endpoint, token string, timeout time.Duration) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("api endpoint is required")
	}
	if token == "" {
		return nil, errors.New("api token is required")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid api endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api endpoint scheme must be http or https, got %q", u.Scheme)
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        defaultMaxIdleConns,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			MaxConnsPerHost:     defaultMaxConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
		},
	}

	api, err := gl.NewClient(token,
		gl.WithBaseURL(endpoint),
		gl.WithHTTPClient(httpClient),
		gl.WithoutRetries(),
		// no client-side throttling; the fixed poll interval bounds the rate
		gl.WithCustomLimiter(rate.NewLimiter(rate.Inf, 0)),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid api endpoint: %w", err)
	}

	return &Client{
		api:        api,
		httpClient: httpClient,
		timeout:    timeout,
	}, nil
}

// ListMergeRequests returns merge requests authored by authorID in the given
// state across all projects visible to the token. An empty state lists all.
func (c *Client) ListMergeRequests(ctx context.Context, authorID int, state string) ([]MergeRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opt := &gl.ListMergeRequestsOptions{
		ListOptions: gl.ListOptions{PerPage: defaultPageSize},
		Scope:       gl.Ptr("all"),
		AuthorID:    gl.Ptr(authorID),
	}
	if state != "" {
		opt.State = gl.Ptr(state)
	}

	list, resp, err := c.api.MergeRequests.ListMergeRequests(opt, gl.WithContext(ctx))
	if err != nil {
		return nil, c.apiError(resp, err)
	}

	mrs := make([]MergeRequest, 0, len(list))
	for _, m := range list {
		mrs = append(mrs, fromMergeRequest(m))
	}
	return mrs, nil
}

// GetMergeRequest fetches the current snapshot of a single merge request.
func (c *Client) GetMergeRequest(ctx context.Context, projectID, iid int) (MergeRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	m, resp, err := c.api.MergeRequests.GetMergeRequest(projectID, iid, nil, gl.WithContext(ctx))
	if err != nil {
		return MergeRequest{}, c.apiError(resp, err)
	}
	return fromMergeRequest(&m.BasicMergeRequest), nil
}

// GetLatestPipeline returns the most recent pipeline for branch in the
// project, or nil when the branch has no pipeline yet.
func (c *Client) GetLatestPipeline(ctx context.Context, projectID int, branch string) (*Pipeline, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opt := &gl.ListProjectPipelinesOptions{
		ListOptions: gl.ListOptions{PerPage: 1},
		Ref:         gl.Ptr(branch),
		OrderBy:     gl.Ptr("id"),
		Sort:        gl.Ptr("desc"),
	}

	list, resp, err := c.api.Pipelines.ListProjectPipelines(projectID, opt, gl.WithContext(ctx))
	if err != nil {
		return nil, c.apiError(resp, err)
	}
	if len(list) == 0 {
		return nil, nil
	}

	p := list[0]
	return &Pipeline{
		ID:        p.ID,
		Status:    p.Status,
		Ref:       p.Ref,
		SHA:       p.SHA,
		WebURL:    p.WebURL,
		UpdatedAt: deref(p.UpdatedAt),
	}, nil
}

// ListTodos returns the first page of pending todos and the total count
// reported in the X-Total header. Without the header the count is the
// length of the page.
func (c *Client) ListTodos(ctx context.Context) (TodoPage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opt := &gl.ListTodosOptions{
		ListOptions: gl.ListOptions{PerPage: defaultPageSize},
		State:       gl.Ptr("pending"),
	}

	list, resp, err := c.api.Todos.ListTodos(opt, gl.WithContext(ctx))
	if err != nil {
		return TodoPage{}, c.apiError(resp, err)
	}

	todos := make([]Todo, 0, len(list))
	for _, t := range list {
		todos = append(todos, Todo{
			ID:         t.ID,
			ActionName: string(t.ActionName),
			TargetType: string(t.TargetType),
			TargetURL:  t.TargetURL,
			Body:       t.Body,
			State:      t.State,
			Author:     fromBasicUser(t.Author),
			CreatedAt:  deref(t.CreatedAt),
		})
	}

	total := len(todos)
	if resp.Header.Get("X-Total") != "" {
		total = resp.TotalItems
	}
	return TodoPage{Items: todos, TotalCount: total}, nil
}

// UserByUsername resolves a username to a user.
// Returns an error wrapping [ErrNotFound] if no such user exists.
func (c *Client) UserByUsername(ctx context.Context, username string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	list, resp, err := c.api.Users.ListUsers(&gl.ListUsersOptions{Username: gl.Ptr(username)}, gl.WithContext(ctx))
	if err != nil {
		return User{}, c.apiError(resp, err)
	}
	if len(list) == 0 {
		return User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}

	u := list[0]
	return User{
		ID:        u.ID,
		Username:  u.Username,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		WebURL:    u.WebURL,
	}, nil
}

// UsersByUsername resolves several usernames concurrently, at most
// maxConcurrency requests at a time. The result preserves input order.
// The first failure cancels the remaining lookups.
func (c *Client) UsersByUsername(ctx context.Context, usernames []string, maxConcurrency int) ([]User, error) {
	users := make([]User, len(usernames))

	g, gctx := errgroup.WithContext(ctx)
	if maxConcurrency > 0 {
		g.SetLimit(maxConcurrency)
	}
	for i, name := range usernames {
		g.Go(func() error {
			u, err := c.UserByUsername(gctx, name)
			if err != nil {
				return err
			}
			users[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return users, nil
}

// Project fetches project metadata.
func (c *Client) Project(ctx context.Context, projectID int) (Project, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	p, resp, err := c.api.Projects.GetProject(projectID, nil, gl.WithContext(ctx))
	if err != nil {
		return Project{}, c.apiError(resp, err)
	}
	return Project{
		ID:                p.ID,
		Name:              p.Name,
		NameWithNamespace: p.NameWithNamespace,
		PathWithNamespace: p.PathWithNamespace,
		WebURL:            p.WebURL,
	}, nil
}

// Merge accepts the merge request.
func (c *Client) Merge(ctx context.Context, projectID, iid int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, resp, err := c.api.MergeRequests.AcceptMergeRequest(projectID, iid, &gl.AcceptMergeRequestOptions{}, gl.WithContext(ctx))
	if err != nil {
		return c.apiError(resp, err)
	}
	return nil
}

// MarkTodoAsDone marks a single todo as done.
func (c *Client) MarkTodoAsDone(ctx context.Context, todoID int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.Todos.MarkTodoAsDone(todoID, gl.WithContext(ctx))
	if err != nil {
		return c.apiError(resp, err)
	}
	return nil
}

// MarkAllTodosAsDone marks every pending todo as done.
func (c *Client) MarkAllTodosAsDone(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.Todos.MarkAllTodosAsDone(gl.WithContext(ctx))
	if err != nil {
		return c.apiError(resp, err)
	}
	return nil
}

// Close closes all idle connections in the client's connection pool.
// Safe to call multiple times; the client remains usable afterwards.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// apiError converts an SDK failure into an [*APIError] when the server
// answered with a non-2xx status, or wraps it as a transport failure.
func (c *Client) apiError(resp *gl.Response, err error) error {
	if resp == nil || resp.Response == nil || resp.StatusCode < 300 {
		return fmt.Errorf("request failed: %w", err)
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if req := resp.Request; req != nil {
		apiErr.Method = req.Method
		apiErr.Path = "/" + strings.TrimPrefix(req.URL.Path, c.api.BaseURL().Path)
	}

	var errResp *gl.ErrorResponse
	if errors.As(err, &errResp) {
		apiErr.Body = strings.TrimSpace(string(errResp.Body))
	}
	return apiErr
}

func fromMergeRequest(m *gl.BasicMergeRequest) MergeRequest {
	return MergeRequest{
		ID:              m.ID,
		IID:             m.IID,
		ProjectID:       m.ProjectID,
		SourceProjectID: m.SourceProjectID,
		SourceBranch:    m.SourceBranch,
		TargetBranch:    m.TargetBranch,
		Title:           m.Title,
		State:           m.State,
		Draft:           m.Draft,
		WebURL:          m.WebURL,
		Author:          fromBasicUser(m.Author),
		CreatedAt:       deref(m.CreatedAt),
		UpdatedAt:       deref(m.UpdatedAt),
	}
}

func fromBasicUser(u *gl.BasicUser) User {
	if u == nil {
		return User{}
	}
	return User{
		ID:        u.ID,
		Username:  u.Username,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		WebURL:    u.WebURL,
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
