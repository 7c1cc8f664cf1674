package genres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ideaforge/internal/config"
)

func clientFor(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Default()
	cfg.Music.BaseURL = srv.URL
	return New(cfg)
}

func TestListProxiesCatalog(t *testing.T) {
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/genres" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("q"); got != "ambient" {
			t.Errorf("q = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"amb","name":"Ambient"},{"id":"chp","name":"Chiptune"}]`))
	})
	items, err := c.List(context.Background(), "ambient")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "amb" {
		t.Fatalf("items = %+v", items)
	}
}

func TestListMirrorsUpstreamStatus(t *testing.T) {
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "catalog down", http.StatusServiceUnavailable)
	})
	_, err := c.List(context.Background(), "")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upstream.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", upstream.StatusCode)
	}
}

func TestListWrapsTransportFailure(t *testing.T) {
	// A server that is shut down before the request leaves a refused
	// connection behind, the usual face of a dead upstream.
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := config.Default()
	cfg.Music.BaseURL = srv.URL
	c := New(cfg)
	srv.Close()
	_, err := c.List(context.Background(), "")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upstream.StatusCode != 0 {
		t.Fatalf("status = %d, want 0 for a transport failure", upstream.StatusCode)
	}
}

func TestNewDisabledWithoutBaseURL(t *testing.T) {
	cfg := config.Default()
	cfg.Music.BaseURL = ""
	if New(cfg) != nil {
		t.Fatal("expected nil client when no catalog is configured")
	}
}
