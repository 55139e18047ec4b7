package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/sip"
)

// testHandler captures the incoming request details and returns a canned response.
type testHandler struct {
	// captured from the request
	method  string
	path    string
	rawPath string
	body    string
	auth    string

	// canned response
	statusCode   int
	responseBody string
}

func (h *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.method = r.Method
	h.path = r.URL.Path
	h.rawPath = r.URL.RawPath
	h.auth = r.Header.Get("Authorization")
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		h.body = string(data)
	}

	w.Header().Set("Content-Type", "application/json")
	if h.statusCode != 0 {
		w.WriteHeader(h.statusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if h.responseBody != "" {
		_, _ = w.Write([]byte(h.responseBody))
	}
}

func newTestServer(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestStats(t *testing.T) {
	h := &testHandler{responseBody: `{"etags":2,"subscriptions":3,"dialogs":1,"timers":3}`}
	c := NewHTTPClient(newTestServer(t, h)+"/", "tok")

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if *stats != (Stats{ETags: 2, Subscriptions: 3, Dialogs: 1, Timers: 3}) {
		t.Errorf("stats = %+v", stats)
	}
	if h.method != http.MethodGet || h.path != "/v1/stats" {
		t.Errorf("request = %s %s", h.method, h.path)
	}
	if h.auth != "Bearer tok" {
		t.Errorf("Authorization = %q", h.auth)
	}
}

func TestStateEscapesPath(t *testing.T) {
	h := &testHandler{responseBody: `{"resource":"a b@example.com","event":"presence","etag":"7"}`}
	c := NewHTTPClient(newTestServer(t, h), "")

	st, err := c.State(context.Background(), "a b@example.com", "presence")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.ETag != "7" {
		t.Errorf("etag = %q", st.ETag)
	}
	if h.path != "/v1/state/a b@example.com/presence" {
		t.Errorf("path = %q", h.path)
	}
	if h.auth != "" {
		t.Errorf("unexpected Authorization %q", h.auth)
	}
}

func TestReapAndHealth(t *testing.T) {
	h := &testHandler{responseBody: `{"reaped":4}`}
	c := NewHTTPClient(newTestServer(t, h), "")

	n, err := c.Reap(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("Reap = %d, %v", n, err)
	}
	if h.method != http.MethodPost || h.path != "/v1/admin/reap" {
		t.Errorf("request = %s %s", h.method, h.path)
	}

	h.responseBody = `{"status":"ok"}`
	if status, err := c.Health(context.Background()); err != nil || status != "ok" {
		t.Fatalf("Health = %q, %v", status, err)
	}
}

func TestAPIError(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want string
	}{
		{"JSONError", `{"error":"no state for x/presence"}`, "no state for x/presence"},
		{"PlainError", "gateway down\n", "gateway down"},
		{"EmptyBody", "", "Not Found"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := &testHandler{statusCode: http.StatusNotFound, responseBody: tc.body}
			c := NewHTTPClient(newTestServer(t, h), "")

			_, err := c.State(context.Background(), "x", "presence")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Method != http.MethodGet || apiErr.Path != "/v1/state/x/presence" {
				t.Errorf("APIError request = %s %s", apiErr.Method, apiErr.Path)
			}
			if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != tc.want {
				t.Errorf("APIError = %+v", apiErr)
			}
		})
	}
}

func TestEngineClientRequest(t *testing.T) {
	h := &testHandler{responseBody: `{"status":200}`}
	c := NewEngineClient(newTestServer(t, h), "", time.Second)

	req := &sip.OutboundRequest{
		Method:  sip.MethodNotify,
		CallID:  "abc/123",
		Headers: sip.Header{"Subscription-State": "active;expires=60", "Event": "presence"},
		Body:    []byte("<presence/>"),
	}
	status, err := c.Request(context.Background(), req)
	if err != nil || status != 200 {
		t.Fatalf("Request = %d, %v", status, err)
	}
	if h.rawPath != "/v1/dialogs/abc%2F123/requests" {
		t.Errorf("raw path = %q", h.rawPath)
	}

	var sent engineRequest
	if err := json.Unmarshal([]byte(h.body), &sent); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if sent.Method != "NOTIFY" || sent.Body != "<presence/>" || sent.Headers["Event"] != "presence" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestEngineClientDialogGone(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone} {
		h := &testHandler{statusCode: code, responseBody: `{"error":"no such dialog"}`}
		c := NewEngineClient(newTestServer(t, h), "", time.Second)

		status, err := c.Request(context.Background(), &sip.OutboundRequest{Method: sip.MethodNotify, CallID: "x"})
		if !errors.Is(err, sip.ErrDialogGone) {
			t.Errorf("HTTP %d: err = %v, want ErrDialogGone", code, err)
		}
		if !sip.IsDialogGone(status, err) {
			t.Errorf("HTTP %d not classified as dialog gone", code)
		}
	}
}

func TestEngineClientFailure(t *testing.T) {
	h := &testHandler{statusCode: http.StatusBadGateway, responseBody: `{"error":"upstream"}`}
	c := NewEngineClient(newTestServer(t, h), "", time.Second)

	_, err := c.Request(context.Background(), &sip.OutboundRequest{Method: sip.MethodNotify, CallID: "x"})
	if err == nil || errors.Is(err, sip.ErrDialogGone) {
		t.Fatalf("err = %v, want a plain failure", err)
	}
}
