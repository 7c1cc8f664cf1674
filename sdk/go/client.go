package ideaforgesdk

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

// Client is a minimal IdeaForge HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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

// Project represents the API project model.
type Project struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Stage          string            `json:"stage"`
	Version        int64             `json:"version"`
	Content        map[string]string `json:"content"`
	Validation     json.RawMessage   `json:"validation,omitempty"`
	CompletedSteps []string          `json:"completed_steps"`
	MissingSteps   []string          `json:"missing_steps"`
	Archived       bool              `json:"archived"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

// ProjectSummary is the list-view project model.
type ProjectSummary struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Stage     string `json:"stage"`
	Version   int64  `json:"version"`
	Archived  bool   `json:"archived"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Finding is one validation agent's output.
type Finding struct {
	Agent    string `json:"agent"`
	Verdict  string `json:"verdict"`
	Message  string `json:"message"`
	Severity int    `json:"severity"`
}

// ValidationResult aggregates a pipeline run.
type ValidationResult struct {
	Overall  string    `json:"overall"`
	Findings []Finding `json:"findings"`
	RunAt    string    `json:"run_at"`
}

// Credits is the balance and unlock state.
type Credits struct {
	Balance int64    `json:"balance"`
	Unlocks []string `json:"unlocks"`
}

// Genre is a catalog entry.
type Genre struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SyncStatus reports the pending save queue.
type SyncStatus struct {
	Pending int  `json:"pending"`
	Enabled bool `json:"enabled"`
}

// APIError wraps non-2xx responses. For 409 conflicts StoredVersion
// carries the version to rebase on.
type APIError struct {
	StatusCode    int
	Code          string
	Message       string
	StoredVersion int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// DevLogin mints a dev JWT and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, email string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"email": email}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateProject starts a new project.
func (c *Client) CreateProject(ctx context.Context, title string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]any{"title": title}, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProjects returns the caller's projects, newest first.
func (c *Client) ListProjects(ctx context.Context, includeArchived bool) ([]ProjectSummary, error) {
	endpoint := "v0/projects"
	if includeArchived {
		endpoint += "?include_archived=true"
	}
	var resp struct {
		Items []ProjectSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SaveProject writes new content based on baseVersion. A stale
// baseVersion returns an APIError with StatusCode 409; re-fetch,
// merge, and retry with the StoredVersion it carries.
func (c *Client) SaveProject(ctx context.Context, id string, baseVersion int64, content map[string]string) (Project, error) {
	body := map[string]any{
		"base_version": baseVersion,
		"content":      content,
	}
	var resp Project
	err := c.do(ctx, http.MethodPut, "v0/projects/"+url.PathEscape(id)+"/save", body, &resp)
	return resp, err
}

// CompleteStep marks a workflow step done.
func (c *Client) CompleteStep(ctx context.Context, id, step string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(id)+"/steps", map[string]any{"step": step}, &resp)
	return resp, err
}

// AdvanceStage moves the project to its next stage.
func (c *Client) AdvanceStage(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(id)+"/advance", nil, &resp)
	return resp, err
}

// GoToStage jumps to a named stage.
func (c *Client) GoToStage(ctx context.Context, id, stage string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(id)+"/stage", map[string]any{"stage": stage}, &resp)
	return resp, err
}

// Validate runs the validation pipeline.
func (c *Client) Validate(ctx context.Context, id string) (ValidationResult, error) {
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(id)+"/validate", nil, &resp)
	return resp, err
}

// Credits returns the balance and unlocks.
func (c *Client) Credits(ctx context.Context) (Credits, error) {
	var resp Credits
	err := c.do(ctx, http.MethodGet, "v0/me/credits", nil, &resp)
	return resp, err
}

// UnlockVideo buys the permanent video export unlock.
func (c *Client) UnlockVideo(ctx context.Context) (Credits, error) {
	var resp Credits
	err := c.do(ctx, http.MethodPost, "v0/me/unlocks/video", nil, &resp)
	return resp, err
}

// ExportVideo renders the project and returns the artifact URL.
func (c *Client) ExportVideo(ctx context.Context, id string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(id)+"/export", nil, &resp)
	return resp.URL, err
}

// Genres browses the music genre catalog.
func (c *Client) Genres(ctx context.Context, q string) ([]Genre, error) {
	endpoint := "v0/genres"
	if q != "" {
		endpoint += "?q=" + url.QueryEscape(q)
	}
	var resp []Genre
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SyncStatus reports the pending save queue depth.
func (c *Client) SyncStatus(ctx context.Context) (SyncStatus, error) {
	var resp SyncStatus
	err := c.do(ctx, http.MethodGet, "v0/sync/status", nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				StoredVersion int64 `json:"stored_version"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.StoredVersion = envelope.Error.Details.StoredVersion
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
