package reviewlinesdk

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

// Client is a minimal Reviewline HTTP API client.
type Client struct {
	BaseURL    string
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

// Task represents the API review task model.
type Task struct {
	ID             string  `json:"id"`
	RepoURL        string  `json:"repo_url"`
	ChangeID       int     `json:"change_id"`
	Status         string  `json:"status"`
	Title          *string `json:"title,omitempty"`
	Author         *string `json:"author,omitempty"`
	TotalUnits     int     `json:"total_units"`
	CompletedUnits int     `json:"completed_units"`
	FailedUnits    int     `json:"failed_units"`
	Error          *string `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// Finding is one reviewer observation.
type Finding struct {
	Path       string `json:"path"`
	Line       *int   `json:"line,omitempty"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ReportEntry is one unit's slot in a report.
type ReportEntry struct {
	UnitIndex int       `json:"unit_index"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	Findings  []Finding `json:"findings,omitempty"`
}

// ReportSummary aggregates issue counts.
type ReportSummary struct {
	TotalUnits     int `json:"total_units"`
	SucceededUnits int `json:"succeeded_units"`
	FailedUnits    int `json:"failed_units"`
	TotalIssues    int `json:"total_issues"`
	CriticalIssues int `json:"critical_issues"`
}

// Report is the final review output.
type Report struct {
	TaskID  string        `json:"task_id"`
	Status  string        `json:"status"`
	Entries []ReportEntry `json:"entries"`
	Summary ReportSummary `json:"summary"`
}

// Stats is the system-wide task census.
type Stats struct {
	TotalTasks  int            `json:"total_tasks"`
	ByStatus    map[string]int `json:"by_status"`
	SuccessRate float64        `json:"success_rate"`
}

// PaginatedTasks wraps list responses.
type PaginatedTasks struct {
	Items   []Task `json:"items"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit starts a review of one pull request. A non-empty id makes the
// submission idempotent: resubmitting returns the existing task.
func (c *Client) Submit(ctx context.Context, id, repoURL string, changeID int) (Task, error) {
	body := map[string]any{
		"repo_url":  repoURL,
		"change_id": changeID,
	}
	if id != "" {
		body["id"] = id
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/reviews", body, &resp)
	return resp, err
}

// Status fetches one task's current state.
func (c *Client) Status(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v1/reviews/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Report fetches the aggregated report of a terminal task.
func (c *Client) Report(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/reviews/%s/report", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// List returns one page of tasks, newest first.
func (c *Client) List(ctx context.Context, status string, page, perPage int) (PaginatedTasks, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if page > 0 {
		q.Set("page", fmt.Sprintf("%d", page))
	}
	if perPage > 0 {
		q.Set("per_page", fmt.Sprintf("%d", perPage))
	}
	endpoint := "v1/reviews"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Cancel requests cancellation of a running task.
func (c *Client) Cancel(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/reviews/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Delete removes a task and its report.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v1/reviews/"+url.PathEscape(id), nil, nil)
}

// Stats fetches the task census.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v1/stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
