package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/sip"
)

// EngineClient sends in-dialog requests through the SIP engine's HTTP
// endpoint. It implements sip.Requester.
type EngineClient struct {
	transport
}

var _ sip.Requester = (*EngineClient)(nil)

// NewEngineClient creates a client for the engine at baseURL. timeout
// bounds each request in addition to the caller's context.
func NewEngineClient(baseURL, token string, timeout time.Duration) *EngineClient {
	return &EngineClient{transport: newTransport(baseURL, token, timeout)}
}

type engineRequest struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

type engineResponse struct {
	Status int `json:"status"`
}

// Request posts req to /v1/dialogs/{call-id}/requests and returns the final
// SIP status the engine received. An engine 404 or 410 means the dialog is
// gone and yields sip.ErrDialogGone.
func (c *EngineClient) Request(ctx context.Context, req *sip.OutboundRequest) (int, error) {
	path := "/v1/dialogs/" + url.PathEscape(req.CallID) + "/requests"
	body := engineRequest{Method: req.Method, Headers: req.Headers, Body: string(req.Body)}

	var resp engineResponse
	err := c.doJSON(ctx, http.MethodPost, path, body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone) {
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.CallID, sip.ErrDialogGone)
	}
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.CallID, err)
	}
	return resp.Status, nil
}
