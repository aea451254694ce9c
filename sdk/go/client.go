package taskgridsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal taskgrid HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Audit carries the bookkeeping fields shared by every entity.
type Audit struct {
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	DeletedAt        *string `json:"deleted_at,omitempty"`
	CreateBy         string  `json:"create_by"`
	ModifyBy         string  `json:"modify_by"`
	RemoveBy         *string `json:"remove_by,omitempty"`
	ConcurrencyStamp string  `json:"concurrency_stamp"`
	Partition        int     `json:"partition"`
}

type Agent struct {
	ID        string `json:"id"`
	AgentName string `json:"agent_name"`
	AgentType string `json:"agent_type"`
	AgentCode string `json:"agent_code"`
	Audit
}

type Task struct {
	ID          string  `json:"id"`
	ParentID    *string `json:"parent_id,omitempty"`
	TaskName    string  `json:"task_name"`
	TaskCode    string  `json:"task_code,omitempty"`
	TaskShip    string  `json:"task_ship"`
	TaskMode    string  `json:"task_mode"`
	TaskState   string  `json:"task_state"`
	Description string  `json:"description,omitempty"`
	StartTime   string  `json:"start_time"`
	EndTime     *string `json:"end_time,omitempty"`
	Audit
}

type Unit struct {
	ID            string `json:"id"`
	TaskID        string `json:"task_id"`
	UnitName      string `json:"unit_name"`
	TaskUnitState string `json:"task_unit_state"`
	TaskUnitMode  string `json:"task_unit_mode"`
	Audit
}

type Target struct {
	ID          string  `json:"id"`
	TaskUnitID  string  `json:"task_unit_id"`
	TargetName  string  `json:"target_name"`
	TargetType  string  `json:"target_type"`
	TargetID    string  `json:"target_id"`
	TargetState string  `json:"target_state"`
	TaskStatus  string  `json:"task_status"`
	ExecuteTime *string `json:"execute_time,omitempty"`
	Audit
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Partition  int            `json:"partition"`
	Payload    map[string]any `json:"payload"`
}

// DeleteCounts reports the rows a delete touched.
type DeleteCounts struct {
	Tasks       int `json:"tasks"`
	Units       int `json:"units"`
	Targets     int `json:"targets"`
	Assignments int `json:"assignments"`
}

// APIError wraps non-2xx responses. Code is the envelope code when the
// body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateTask creates a root task, or a child when parentID is set.
func (c *Client) CreateTask(ctx context.Context, name, parentID string) (Task, error) {
	body := map[string]any{"task_name": name}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TasksPage lists tasks newest first.
func (c *Client) TasksPage(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withPage("tasks", limit, cursor), nil, &resp)
	return resp, err
}

// SetTaskState moves a task; stamp must be the task's current stamp.
func (c *Client) SetTaskState(ctx context.Context, id, stamp, state string) (Task, error) {
	var resp Task
	body := map[string]any{"concurrency_stamp": stamp, "state": state}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/state", body, &resp)
	return resp, err
}

// DeleteTask soft-removes a task, or hard-deletes its subtree when hard is set.
func (c *Client) DeleteTask(ctx context.Context, id, stamp string, hard bool) (DeleteCounts, error) {
	q := url.Values{}
	if stamp != "" {
		q.Set("stamp", stamp)
	}
	if hard {
		q.Set("hard", "true")
	}
	endpoint := "tasks/" + url.PathEscape(id)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp DeleteCounts
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateUnit(ctx context.Context, taskID, name string) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/units", map[string]any{"unit_name": name}, &resp)
	return resp, err
}

func (c *Client) CreateTarget(ctx context.Context, unitID, name, targetType, targetID string) (Target, error) {
	body := map[string]any{"target_name": name, "target_type": targetType, "target_id": targetID}
	var resp Target
	err := c.do(ctx, http.MethodPost, "units/"+url.PathEscape(unitID)+"/targets", body, &resp)
	return resp, err
}

// ExecuteTarget records the first execution attempt.
func (c *Client) ExecuteTarget(ctx context.Context, id, stamp string) (Target, error) {
	var resp Target
	err := c.do(ctx, http.MethodPost, "targets/"+url.PathEscape(id)+"/execute", map[string]any{"concurrency_stamp": stamp}, &resp)
	return resp, err
}

// CompleteTarget records a result; status may be empty to take the state's default.
func (c *Client) CompleteTarget(ctx context.Context, id, stamp, state, status string) (Target, error) {
	body := map[string]any{"concurrency_stamp": stamp, "state": state}
	if status != "" {
		body["status"] = status
	}
	var resp Target
	err := c.do(ctx, http.MethodPost, "targets/"+url.PathEscape(id)+"/result", body, &resp)
	return resp, err
}

func (c *Client) RegisterAgent(ctx context.Context, name, agentType, code string) (Agent, error) {
	body := map[string]any{"agent_name": name, "agent_type": agentType, "agent_code": code}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", body, &resp)
	return resp, err
}

// AssignTaskAgent reports whether a new assignment was created.
func (c *Client) AssignTaskAgent(ctx context.Context, taskID, agentID string) (bool, error) {
	var resp struct {
		Created bool `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/agents", map[string]any{"agent_id": agentID}, &resp)
	return resp.Created, err
}

func (c *Client) EligibleAgents(ctx context.Context, unitID string) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "units/"+url.PathEscape(unitID)+"/eligible-agents", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withPage("events", limit, cursor), nil, &resp)
	return resp, err
}

func withPage(endpoint string, limit int, cursor string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
