// Package genres proxies the upstream genre catalog. The service
// never caches or rewrites upstream data; callers see the catalog as
// it is, and upstream failures are surfaced with their status code so
// the API can mirror them.
package genres

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"ideaforge/internal/config"
	"ideaforge/internal/domain"
)

// UpstreamError wraps an upstream failure: a non-2xx response, or a
// transport error in which case StatusCode is 0.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return "genre catalog upstream: " + e.Err.Error()
	}
	return fmt.Sprintf("genre catalog upstream: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Client fetches genre descriptors from the configured catalog.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New builds a client from config. Returns nil when no catalog is
// configured; callers treat a nil client as "feature off".
func New(cfg *config.Config) *Client {
	if cfg.Music.BaseURL == "" {
		return nil
	}
	timeout := time.Duration(cfg.Music.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    cfg.Music.BaseURL,
		APIKey:     os.Getenv("IDEAFORGE_MUSIC_API_KEY"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// List returns the catalog, optionally filtered by a search term.
func (c *Client) List(ctx context.Context, search string) ([]domain.GenreDescriptor, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/genres"
	if search != "" {
		endpoint += "?q=" + url.QueryEscape(search)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var items []domain.GenreDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode genre catalog: %w", err)
	}
	return items, nil
}
