package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/orchestrator"
	"github.com/cuemby/scanplane/pkg/security"
	"github.com/cuemby/scanplane/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client wraps the scanplane HTTP API for CLI usage
type Client struct {
	baseURL string
	tenant  string
	token   string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithTenant sets the X-Tenant-ID header sent on tenant-scoped calls
func WithTenant(tenant string) Option {
	return func(c *Client) { c.tenant = tenant }
}

// WithToken sets the executor bearer token used by Heartbeat and ReportResult
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds every call
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the API at addr ("host:port" or a URL)
func NewClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errdefs.Validation("API address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid API address %q: %w", addr, err)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RegisterExecutor registers an executor. The returned executor carries its token.
func (c *Client) RegisterExecutor(name string, labels map[string]string, capacity types.ExecutorResources) (*types.Executor, error) {
	body := map[string]interface{}{
		"name":     name,
		"labels":   labels,
		"capacity": capacity,
	}
	var executor types.Executor
	if err := c.do(http.MethodPost, "/api/v1/executors", body, &executor); err != nil {
		return nil, err
	}
	return &executor, nil
}

// ListExecutors lists the tenant's executors
func (c *Client) ListExecutors() ([]*types.Executor, error) {
	var executors []*types.Executor
	if err := c.do(http.MethodGet, "/api/v1/executors", nil, &executors); err != nil {
		return nil, err
	}
	return executors, nil
}

// SetExecutorStatus overrides an executor's status
func (c *Client) SetExecutorStatus(id string, status types.ExecutorStatus) (*types.Executor, error) {
	var executor types.Executor
	body := map[string]interface{}{"status": status}
	if err := c.do(http.MethodPut, "/api/v1/executors/"+url.PathEscape(id)+"/status", body, &executor); err != nil {
		return nil, err
	}
	return &executor, nil
}

// Heartbeat reports liveness with the client's executor token
func (c *Client) Heartbeat(hb types.HeartbeatPayload) (*types.Executor, error) {
	var executor types.Executor
	if err := c.do(http.MethodPost, "/api/v1/executors/heartbeat", hb, &executor); err != nil {
		return nil, err
	}
	return &executor, nil
}

// ReportResult posts a stage result with the client's executor token
func (c *Client) ReportResult(payload *types.ResultPayload) (*types.Stage, error) {
	var stage types.Stage
	if err := c.do(http.MethodPost, "/api/v1/executors/results", payload, &stage); err != nil {
		return nil, err
	}
	return &stage, nil
}

// CreateTask creates a task. When the task was stored but its first dispatch
// failed, both the task and the error are returned.
func (c *Client) CreateTask(req orchestrator.CreateTaskRequest) (*types.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.send(ctx, http.MethodPost, "/api/v1/tasks", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusCreated {
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &task, nil
	}

	var partial struct {
		Task  *types.Task `json:"task"`
		Error string      `json:"error"`
	}
	if json.Unmarshal(data, &partial) == nil && partial.Task != nil {
		return partial.Task, statusError(resp.StatusCode, partial.Error)
	}
	return nil, decodeError(resp.StatusCode, data)
}

// ListTasks lists the tenant's live tasks
func (c *Client) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	if err := c.do(http.MethodGet, "/api/v1/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches one task
func (c *Client) GetTask(id string) (*types.Task, error) {
	return c.taskCall(http.MethodGet, id, "", nil)
}

// AssignExecutor binds an executor to a task that has not run yet
func (c *Client) AssignExecutor(taskID, executorID string) (*types.Task, error) {
	return c.taskCall(http.MethodPost, taskID, "/assign", map[string]string{"executorId": executorID})
}

// StartTask runs a task on the control plane
func (c *Client) StartTask(id string) (*types.Task, error) {
	return c.taskCall(http.MethodPost, id, "/start", nil)
}

// DeleteTask cancels and soft-deletes a task
func (c *Client) DeleteTask(id string) (*types.Task, error) {
	return c.taskCall(http.MethodDelete, id, "", nil)
}

// ListStages returns a task's stage history
func (c *Client) ListStages(taskID string) ([]*types.Stage, error) {
	var stages []*types.Stage
	if err := c.do(http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/stages", nil, &stages); err != nil {
		return nil, err
	}
	return stages, nil
}

// PutRepoCredential stores a repository credential under name
func (c *Client) PutRepoCredential(name string, cred security.RepoCredential) error {
	return c.do(http.MethodPut, "/api/v1/secrets/credentials/"+url.PathEscape(name), cred, nil)
}

// PutProToken stores the tenant's engine pro token
func (c *Client) PutProToken(token string, expiresAt *time.Time) error {
	body := map[string]interface{}{"token": token}
	if expiresAt != nil {
		body["expiresAt"] = expiresAt
	}
	return c.do(http.MethodPut, "/api/v1/secrets/pro-token", body, nil)
}

func (c *Client) taskCall(method, id, suffix string, body interface{}) (*types.Task, error) {
	var task types.Task
	if err := c.do(method, "/api/v1/tasks/"+url.PathEscape(id)+suffix, body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) do(method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrNotConnected, err)
	}
	return resp, nil
}

func decodeError(code int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return statusError(code, msg)
}

// statusError maps an HTTP status back onto an errdefs class
func statusError(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusNotFound:
		return wrap(errdefs.ErrNotFound, msg)
	case http.StatusBadRequest:
		return wrap(errdefs.ErrValidation, msg)
	case http.StatusUnauthorized:
		return wrap(errdefs.ErrUnauthenticated, msg)
	case http.StatusConflict:
		return wrap(errdefs.ErrConflict, msg)
	case http.StatusServiceUnavailable:
		return wrap(errdefs.ErrNotConnected, msg)
	}
	return fmt.Errorf("%w: %s (HTTP %d)", errdefs.ErrInternal, msg, code)
}

// wrap avoids repeating the class prefix the server already wrote
func wrap(class error, msg string) error {
	return fmt.Errorf("%w: %s", class, strings.TrimPrefix(msg, class.Error()+": "))
}
