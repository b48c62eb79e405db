package fleetlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Fleetline HTTP API client for workers and operators.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set (dev auth).
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries bounds retries of 429, 502 and 503 responses. Zero disables them.
	MaxRetries uint64
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
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Priority       string         `json:"priority"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         string         `json:"status"`
	BlockedFrom    *string        `json:"blocked_from,omitempty"`
	AssignedWorker *string        `json:"assigned_worker,omitempty"`
	AttemptCount   int            `json:"attempt_count"`
	DispatchState  string         `json:"dispatch_state"`
	TicketRef      string         `json:"ticket_ref,omitempty"`
	ResultSummary  string         `json:"result_summary,omitempty"`
	ArtifactRef    string         `json:"artifact_ref,omitempty"`
	Deadline       *string        `json:"deadline,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// SubmitRequest is the body of a task submission.
type SubmitRequest struct {
	ID              string         `json:"id,omitempty"`
	Kind            string         `json:"kind"`
	Priority        string         `json:"priority,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	Status          string         `json:"status,omitempty"`
	TicketRef       string         `json:"ticket_ref,omitempty"`
	Resources       []string       `json:"resources,omitempty"`
}

// Result is a worker's final report.
type Result struct {
	Outcome     string `json:"outcome"`
	Summary     string `json:"summary,omitempty"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Message is a delivered mailbox message. Content keeps its "type" key.
type Message struct {
	ID       string         `json:"id"`
	From     string         `json:"from"`
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Priority string         `json:"priority"`
	Content  map[string]any `json:"content"`
	QueuedAt string         `json:"queued_at"`
}

// Worker represents a registered worker with its load.
type Worker struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent"`
	CurrentLoad   int      `json:"current_load"`
	State         string   `json:"state"`
	Endpoint      string   `json:"endpoint,omitempty"`
}

// Escalation is a condition raised to the coordinator.
type Escalation struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	TaskID         string         `json:"task_id,omitempty"`
	Urgency        string         `json:"urgency"`
	Context        map[string]any `json:"context"`
	CreatedAt      string         `json:"created_at"`
	AcknowledgedAt *string        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// DevLogin exchanges an actor id for a JWT and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor_id": actorID}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// Submit stores a task. Resubmitting an id returns the stored task.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", req, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// ListTasks lists tasks; empty filters are ignored.
func (c *Client) ListTasks(ctx context.Context, status, kind, worker string, limit int) ([]Task, error) {
	q := url.Values{}
	setIf(q, "status", status)
	setIf(q, "kind", kind)
	setIf(q, "worker", worker)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp.Items, err
}

// Ack acknowledges a delegation as worker.
func (c *Client) Ack(ctx context.Context, taskID, worker, ack string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "ack"), map[string]any{"worker": worker, "ack": ack}, &resp)
	return resp, err
}

// Progress reports progress on an assigned task.
func (c *Client) Progress(ctx context.Context, taskID, worker, note string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "progress"), map[string]any{"worker": worker, "note": note}, &resp)
	return resp, err
}

// Report delivers a final result.
func (c *Client) Report(ctx context.Context, taskID, worker string, res Result) (Task, error) {
	body := map[string]any{
		"worker":       worker,
		"outcome":      res.Outcome,
		"summary":      res.Summary,
		"artifact_ref": res.ArtifactRef,
		"reason":       res.Reason,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "result"), body, &resp)
	return resp, err
}

// Transition moves a task to status to.
func (c *Client) Transition(ctx context.Context, taskID, to string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "transition"), map[string]any{"to": to}, &resp)
	return resp, err
}

// Cancel cancels a task. Cancelling twice is a no-op.
func (c *Client) Cancel(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "cancel"), nil, &resp)
	return resp, err
}

// Poll drains unread messages for agentID.
func (c *Client) Poll(ctx context.Context, agentID string) ([]Message, error) {
	var resp struct {
		Items []Message `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agents/%s/messages", url.PathEscape(agentID)), nil, &resp)
	return resp.Items, err
}

// Workers lists registered workers.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp struct {
		Items []Worker `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "workers", nil, &resp)
	return resp.Items, err
}

// Escalations lists escalations, newest first.
func (c *Client) Escalations(ctx context.Context, taskID string, openOnly bool) ([]Escalation, error) {
	q := url.Values{}
	setIf(q, "task_id", taskID)
	if openOnly {
		q.Set("open", "true")
	}
	var resp struct {
		Items []Escalation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("escalations", q), nil, &resp)
	return resp.Items, err
}

// AckEscalation acknowledges an escalation.
func (c *Client) AckEscalation(ctx context.Context, id string) (Escalation, error) {
	var resp Escalation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("escalations/%s/ack", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	if c.MaxRetries == 0 {
		return c.once(ctx, method, target, payload, out)
	}
	attempt := func() error {
		err := c.once(ctx, method, target, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !retryable(apiErr.StatusCode) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	return backoff.Retry(attempt, b)
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusBadGateway || status == http.StatusServiceUnavailable
}

func taskPath(id, action string) string {
	p := "tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
