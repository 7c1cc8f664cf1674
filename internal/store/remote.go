package store

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

	"ideaforge/internal/config"
	"ideaforge/internal/domain"
)

// HTTPRemote pushes saves to the backup service over HTTP. Each save
// goes to PUT /v0/projects/{id}/save with the version in the body, so
// replays of an already-applied version are accepted upstream.
type HTTPRemote struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewRemote returns nil when no remote is configured.
func NewRemote(cfg *config.Config) *HTTPRemote {
	if cfg.Sync.RemoteURL == "" {
		return nil
	}
	return &HTTPRemote{
		BaseURL:    cfg.Sync.RemoteURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPRemote) PushSave(ctx context.Context, save domain.PendingSave) error {
	body := map[string]any{
		"version": save.Version,
		"payload": json.RawMessage(save.Payload),
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v0/projects/%s/save",
		strings.TrimRight(r.BaseURL, "/"), url.PathEscape(save.ProjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("X-Api-Key", r.APIKey)
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
