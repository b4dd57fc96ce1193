// Package hubsdk is a minimal Go client for the Hive Mind Hub API,
// covering the worker-side loop: register, login, heartbeat, poll,
// complete.
package hubsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a hub instance. Set BearerToken from Login before
// calling authenticated endpoints.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent is the API agent model.
type Agent struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Status       string   `json:"status"`
	LastSeenAt   *string  `json:"last_seen_at,omitempty"`
	Activity     *string  `json:"activity,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// Task is the API task model.
type Task struct {
	ID          int64   `json:"id"`
	Kind        string  `json:"kind"`
	Command     string  `json:"command"`
	Description string  `json:"description,omitempty"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	Broadcast   bool    `json:"broadcast"`
	Status      string  `json:"status"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	Result      *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
	ProjectID   *string `json:"project_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates a new worker identity.
func (c *Client) Register(ctx context.Context, name, password string, capabilities []string) (Agent, error) {
	body := map[string]any{
		"name":     name,
		"password": password,
	}
	if len(capabilities) > 0 {
		body["capabilities"] = capabilities
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agent/register", body, &resp)
	return resp, err
}

// Login exchanges credentials for a bearer token and stores it on the
// client for subsequent calls.
func (c *Client) Login(ctx context.Context, name, password string) (Agent, error) {
	body := map[string]string{
		"name":     name,
		"password": password,
	}
	var resp struct {
		Token string `json:"token"`
		Agent Agent  `json:"agent"`
	}
	if err := c.do(ctx, http.MethodPost, "agent/login", body, &resp); err != nil {
		return Agent{}, err
	}
	c.BearerToken = resp.Token
	return resp.Agent, nil
}

// Heartbeat reports liveness with an optional status and activity note.
func (c *Client) Heartbeat(ctx context.Context, status string, activity *string) error {
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	if activity != nil {
		body["activity"] = *activity
	}
	return c.do(ctx, http.MethodPost, "agent/heartbeat", body, nil)
}

// Poll claims and returns all tasks deliverable to the caller. An empty
// slice means no work.
func (c *Client) Poll(ctx context.Context) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "agent/poll", nil, &resp)
	return resp.Tasks, err
}

// Complete reports a task result. Exactly one of result or errMsg should
// be set, matching success.
func (c *Client) Complete(ctx context.Context, taskID int64, success bool, result, errMsg *string) (Task, error) {
	body := map[string]any{"success": success}
	if result != nil {
		body["result"] = *result
	}
	if errMsg != nil {
		body["error"] = *errMsg
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agent/task/%d/complete", taskID), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
