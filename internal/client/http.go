package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/model"
)

// Stats mirrors the server's GET /v1/stats body.
type Stats struct {
	ETags         int `json:"etags"`
	Subscriptions int `json:"subscriptions"`
	Dialogs       int `json:"dialogs"`
	Timers        int `json:"timers"`
}

// HTTPClient talks to the admin API of a running server.
type HTTPClient struct {
	transport
}

// NewHTTPClient creates a client targeting baseURL (e.g.
// "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{transport: newTransport(baseURL, token, 30*time.Second)}
}

// Health returns the server's health status string.
func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Stats returns store and registry counts.
func (c *HTTPClient) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.doJSON(ctx, http.MethodGet, "/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// State returns the current event state for resource and event package.
func (c *HTTPClient) State(ctx context.Context, resource, event string) (*model.EventState, error) {
	var st model.EventState
	path := "/v1/state/" + url.PathEscape(resource) + "/" + url.PathEscape(event)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Reap triggers one reap on the server and returns the number of entries
// removed.
func (c *HTTPClient) Reap(ctx context.Context) (int, error) {
	var resp struct {
		Reaped int `json:"reaped"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/admin/reap", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Reaped, nil
}
