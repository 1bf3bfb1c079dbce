package laddersdk

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
)

// Client is a minimal Ladder HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// AgentID is sent as X-Agent-Id when no credentials are set; servers
	// accept it only in local mode.
	AgentID    string
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

// Task represents the API task model (partial).
type Task struct {
	ID           string         `json:"id"`
	Category     string         `json:"category"`
	Title        string         `json:"title"`
	CreatorID    string         `json:"creator"`
	AssigneeID   string         `json:"assignee,omitempty"`
	Status       string         `json:"status"`
	Priority     string         `json:"priority"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Feedback     string         `json:"feedback,omitempty"`
	Version      int            `json:"version"`
	EscalationID string         `json:"escalation_id,omitempty"`
}

// CreateTaskInput holds the fields accepted when creating a task.
type CreateTaskInput struct {
	Category   string         `json:"category"`
	Title      string         `json:"title"`
	Type       string         `json:"type,omitempty"`
	AssigneeID string         `json:"assignee_id,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// Action is a follow-up a decision assigns.
type Action struct {
	AssignedTo string `json:"assigned_to"`
	Action     string `json:"action"`
}

// Decision represents a ledger entry.
type Decision struct {
	ID            string   `json:"decision_id"`
	Timestamp     string   `json:"timestamp"`
	MakerID       string   `json:"decision_maker"`
	Category      string   `json:"decision_type"`
	Verdict       string   `json:"decision"`
	Reasoning     string   `json:"reasoning"`
	Actions       []Action `json:"actions"`
	ApprovalChain []string `json:"approval_chain"`
	Escalated     bool     `json:"escalated"`
	EscalationID  string   `json:"escalation_id,omitempty"`
	TaskID        string   `json:"task_id,omitempty"`
}

// Escalation represents an issue travelling up the chain of command.
type Escalation struct {
	ID             string   `json:"id"`
	TaskID         string   `json:"task_id,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	OriginID       string   `json:"origin"`
	Category       string   `json:"category"`
	Issue          string   `json:"issue"`
	Recommendation string   `json:"recommendation,omitempty"`
	Chain          []string `json:"chain"`
	HolderID       string   `json:"holder"`
	HolderDeadline string   `json:"holder_deadline"`
	Status         string   `json:"status"`
	ResolutionID   string   `json:"resolution,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EscalationID returns the escalation opened in response to an authority
// failure, if the error carries one.
func (e *APIError) EscalationID() string {
	id, _ := e.Details["escalation_id"].(string)
	return id
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type list[T any] struct {
	Items []T `json:"items"`
}

// CreateTask creates a task owned by the calling agent.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ReadyTasks lists the tasks an agent can pick up.
func (c *Client) ReadyTasks(ctx context.Context, agentID string) ([]Task, error) {
	var resp list[Task]
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agents/%s/ready", url.PathEscape(agentID)), nil, &resp)
	return resp.Items, err
}

// SetAvailability marks agentID available or unavailable for new assignments.
func (c *Client) SetAvailability(ctx context.Context, agentID string, available bool) error {
	body := map[string]any{"available": available}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("agents/%s/availability", url.PathEscape(agentID)), body, nil)
}

// TaskStats counts tasks per status.
func (c *Client) TaskStats(ctx context.Context) (map[string]int, error) {
	resp := map[string]int{}
	err := c.do(ctx, http.MethodGet, "tasks/stats", nil, &resp)
	return resp, err
}

// Assign hands the task to assigneeID. An *APIError with EscalationID set
// means the call escalated instead.
func (c *Client) Assign(ctx context.Context, taskID, assigneeID string, version int) (Task, error) {
	body := map[string]any{"assignee_id": assigneeID, "version": version}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/assign", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// UpdateStatus moves the task to status.
func (c *Client) UpdateStatus(ctx context.Context, taskID, status string, version int, feedback string) (Task, error) {
	body := map[string]any{"status": status, "version": version, "feedback": feedback}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/status", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// Review approves or returns submitted work.
func (c *Client) Review(ctx context.Context, taskID string, approve bool, feedback string, version int) (Task, error) {
	body := map[string]any{"approve": approve, "feedback": feedback, "version": version}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/review", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// Escalations lists escalations held by holderID; empty lists all active ones.
func (c *Client) Escalations(ctx context.Context, holderID string) ([]Escalation, error) {
	q := url.Values{}
	q.Set("active", "true")
	if holderID != "" {
		q.Set("holder_id", holderID)
	}
	var resp list[Escalation]
	err := c.do(ctx, http.MethodGet, "escalations?"+q.Encode(), nil, &resp)
	return resp.Items, err
}

// Resolve settles an escalation as the calling agent.
func (c *Client) Resolve(ctx context.Context, escalationID, verdict, reasoning string, actions []Action) (Decision, error) {
	body := map[string]any{"verdict": verdict, "reasoning": reasoning, "actions": actions}
	var resp Decision
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("escalations/%s/resolve", url.PathEscape(escalationID)), body, &resp)
	return resp, err
}

// Decide records a decision, escalating when the caller lacks authority.
func (c *Client) Decide(ctx context.Context, category, verdict, reasoning string, actions []Action) (Decision, error) {
	body := map[string]any{"category": category, "verdict": verdict, "reasoning": reasoning, "actions": actions}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "decisions", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
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
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
