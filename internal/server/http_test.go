package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"tailscale.com/tstest"

	"github.com/davehorton/drachtio-simple-server/internal/client"
	"github.com/davehorton/drachtio-simple-server/internal/esc"
	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/notify"
	"github.com/davehorton/drachtio-simple-server/internal/reaper"
	"github.com/davehorton/drachtio-simple-server/internal/sip"
	"github.com/davehorton/drachtio-simple-server/internal/sip/siptest"
	"github.com/davehorton/drachtio-simple-server/internal/store/memory"
	"github.com/davehorton/drachtio-simple-server/internal/subscription"
)

var testEvents = []string{"presence", "dialog", "message-summary"}

type testServer struct {
	srv      *Server
	handler  http.Handler
	store    *memory.Store
	rec      *siptest.Recorder
	notifier *notify.Notifier
	subs     *subscription.Manager
}

// newTestServer wires a server around a memory store. NOTIFYs go to a
// recorder unless requester is set.
func newTestServer(t *testing.T, opts ...func(*Options)) *testServer {
	t.Helper()
	return newTestServerWith(t, nil, opts...)
}

func newTestServerWith(t *testing.T, requester sip.Requester, opts ...func(*Options)) *testServer {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })

	rec := siptest.NewRecorder()
	if requester == nil {
		requester = rec
	}
	n := notify.New(st, requester, notify.Options{Timeout: time.Second})
	policy := model.ExpiresPolicy{Default: 3600, Min: 1, Max: 7200}
	h := esc.New(st, n, esc.Options{SupportedEvents: testEvents, Expires: policy})
	mgr := subscription.New(st, n, subscription.Options{
		SupportedEvents: testEvents,
		Expires:         policy,
		Clock:           tstest.NewClock(tstest.ClockOpts{Start: time.Unix(0, 0)}),
	})
	t.Cleanup(mgr.Close)
	n.SetOnGone(mgr.Drop)

	o := Options{
		SupportedEvents: testEvents,
		Sweeper:         reaper.NewScheduler(st, time.Minute, nil, nil),
	}
	for _, fn := range opts {
		fn(&o)
	}
	srv := New(st, h, mgr, o)
	return &testServer{srv: srv, handler: srv.NewHTTPHandler(""), store: st, rec: rec, notifier: n, subs: mgr}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) sip(t *testing.T, in WireRequest) WireResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/sip/requests", in)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/sip/requests = %d; body: %s", rec.Code, rec.Body.String())
	}
	var out WireResponse
	decodeJSON(t, rec, &out)
	ts.notifier.Wait()
	return out
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestSIPPublishThenSubscribe(t *testing.T) {
	ts := newTestServer(t)

	pub := ts.sip(t, WireRequest{
		Method: "PUBLISH",
		URI:    "sip:alice@example.com",
		Headers: map[string]string{
			"call-id":      "pub-1",
			"event":        "presence",
			"expires":      "600",
			"content-type": "application/pidf+xml",
		},
		Body: "<presence/>",
	})
	if pub.Status != 200 || pub.Headers["SIP-ETag"] == "" || pub.Headers["Expires"] != "600" {
		t.Fatalf("PUBLISH response = %+v", pub)
	}

	sub := ts.sip(t, WireRequest{
		Method: "SUBSCRIBE",
		URI:    "sip:alice@example.com",
		Headers: map[string]string{
			"i":       "sub-1",
			"o":       "presence",
			"f":       "<sip:bob@example.com>;tag=1",
			"t":       "<sip:alice@example.com>",
			"expires": "60",
		},
	})
	if sub.Status != 202 || !sub.CreateDialog || sub.Headers["Expires"] != "60" {
		t.Fatalf("SUBSCRIBE response = %+v", sub)
	}

	reqs := ts.rec.Requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d NOTIFYs, want 1", len(reqs))
	}
	if string(reqs[0].Body) != "<presence/>" || reqs[0].CallID != "sub-1" {
		t.Errorf("NOTIFY = %+v", reqs[0])
	}

	rec := ts.do(t, http.MethodGet, "/v1/stats", nil)
	var stats Stats
	decodeJSON(t, rec, &stats)
	if stats != (Stats{ETags: 1, Subscriptions: 1, Dialogs: 1, Timers: 1}) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSIPOptions(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.sip(t, WireRequest{Method: "OPTIONS", URI: "sip:server@example.com", Headers: map[string]string{"Call-ID": "o-1"}})
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if resp.Headers["Allow"] != "PUBLISH, SUBSCRIBE, OPTIONS" {
		t.Errorf("Allow = %q", resp.Headers["Allow"])
	}
	if resp.Headers["Allow-Events"] != "presence,dialog,message-summary" {
		t.Errorf("Allow-Events = %q", resp.Headers["Allow-Events"])
	}
}

func TestSIPMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.sip(t, WireRequest{Method: "MESSAGE", URI: "sip:alice@example.com", Headers: map[string]string{"Call-ID": "m-1"}})
	if resp.Status != 405 || resp.Reason != "Method Not Allowed" {
		t.Fatalf("response = %+v", resp)
	}
	if !strings.Contains(resp.Headers["Allow"], "PUBLISH") {
		t.Errorf("Allow = %q", resp.Headers["Allow"])
	}
}

func TestSIPDisabledMethod(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.Methods = []string{"publish"} })

	sub := ts.sip(t, WireRequest{
		Method: "SUBSCRIBE",
		URI:    "sip:alice@example.com",
		Headers: map[string]string{
			"Call-ID": "sub-1",
			"Event":   "presence",
			"From":    "<sip:bob@example.com>;tag=1",
			"To":      "<sip:alice@example.com>",
		},
	})
	if sub.Status != 405 {
		t.Fatalf("SUBSCRIBE status = %d, want 405", sub.Status)
	}
	if sub.Headers["Allow"] != "PUBLISH, OPTIONS" {
		t.Errorf("Allow = %q", sub.Headers["Allow"])
	}
	if n, _ := ts.store.CountSubscriptions(context.Background()); n != 0 {
		t.Errorf("disabled SUBSCRIBE stored %d subscriptions", n)
	}

	pub := ts.sip(t, WireRequest{
		Method:  "PUBLISH",
		URI:     "sip:alice@example.com",
		Headers: map[string]string{"Call-ID": "pub-1", "Event": "presence", "Expires": "60", "Content-Type": "application/pidf+xml"},
		Body:    "<presence/>",
	})
	if pub.Status != 200 {
		t.Errorf("PUBLISH status = %d, want 200", pub.Status)
	}

	opt := ts.sip(t, WireRequest{Method: "OPTIONS", URI: "sip:server@example.com", Headers: map[string]string{"Call-ID": "o-1"}})
	if opt.Status != 200 || opt.Headers["Allow"] != "PUBLISH, OPTIONS" {
		t.Errorf("OPTIONS = %d Allow %q", opt.Status, opt.Headers["Allow"])
	}
}

func TestEnabledMethods(t *testing.T) {
	for _, tc := range []struct {
		in   []string
		want []string
	}{
		{nil, []string{"PUBLISH", "SUBSCRIBE", "OPTIONS"}},
		{[]string{"subscribe"}, []string{"SUBSCRIBE", "OPTIONS"}},
		{[]string{" Publish ", "OPTIONS"}, []string{"PUBLISH", "OPTIONS"}},
		{[]string{"subscribe", "publish"}, []string{"PUBLISH", "SUBSCRIBE", "OPTIONS"}},
	} {
		got, err := EnabledMethods(tc.in)
		if err != nil {
			t.Errorf("EnabledMethods(%q): %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("EnabledMethods(%q) (-want +got):\n%s", tc.in, diff)
		}
	}
	if _, err := EnabledMethods([]string{"publish", "register"}); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("unknown method err = %v, want ErrUnknownMethod", err)
	}
}

// fakeEngine answers in-dialog requests the way the SIP engine does: a
// dialog exists only once the engine has sent the 202 that creates it.
type fakeEngine struct {
	mu       sync.Mutex
	dialogs  map[string]bool
	statuses map[string][]int
}

func newFakeEngine(t *testing.T) (*fakeEngine, string) {
	t.Helper()
	e := &fakeEngine{dialogs: map[string]bool{}, statuses: map[string][]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/dialogs/{callID}/requests", e.handleRequest)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return e, srv.URL
}

func (e *fakeEngine) handleRequest(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")
	e.mu.Lock()
	known := e.dialogs[callID]
	status := http.StatusNotFound
	if known {
		status = sip.StatusOK
	}
	e.statuses[callID] = append(e.statuses[callID], status)
	e.mu.Unlock()

	if !known {
		writeError(w, http.StatusNotFound, "no dialog "+callID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"status": sip.StatusOK})
}

func (e *fakeEngine) createDialog(callID string) {
	e.mu.Lock()
	e.dialogs[callID] = true
	e.mu.Unlock()
}

func (e *fakeEngine) lastStatus(callID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	got := e.statuses[callID]
	if len(got) == 0 {
		return 0
	}
	return got[len(got)-1]
}

func TestInitialNotifyReachesNewDialog(t *testing.T) {
	engine, engineURL := newFakeEngine(t)
	ts := newTestServerWith(t, client.NewEngineClient(engineURL, "", time.Second))
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)

	const rounds = 20
	for i := range rounds {
		callID := fmt.Sprintf("sub-%d", i)
		body, _ := json.Marshal(WireRequest{
			Method: "SUBSCRIBE",
			URI:    "sip:alice@example.com",
			Headers: map[string]string{
				"Call-ID": callID,
				"Event":   "presence",
				"From":    fmt.Sprintf("<sip:watcher%d@example.com>;tag=1", i),
				"To":      "<sip:alice@example.com>",
				"Expires": "600",
			},
		})
		resp, err := http.Post(srv.URL+"/v1/sip/requests", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST SUBSCRIBE: %v", err)
		}
		var out WireResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if out.Status != sip.StatusAccepted || !out.CreateDialog {
			t.Fatalf("SUBSCRIBE %s = %+v", callID, out)
		}
		engine.createDialog(callID)
	}
	ts.notifier.Wait()

	if n, _ := ts.store.CountSubscriptions(context.Background()); n != rounds {
		t.Errorf("%d subscriptions stored, want %d", n, rounds)
	}
	if n := ts.subs.Registry().Len(); n != rounds {
		t.Errorf("%d subscriptions tracked, want %d", n, rounds)
	}
	for i := range rounds {
		callID := fmt.Sprintf("sub-%d", i)
		if got := engine.lastStatus(callID); got != sip.StatusOK {
			t.Errorf("NOTIFY in %s answered %d, want 200", callID, got)
		}
	}
}

func TestGetState(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodGet, "/v1/state/alice@example.com/presence", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if _, err := ts.store.PutEventState(ctx, "alice@example.com", "presence", time.Hour, "text/plain", []byte("open")); err != nil {
		t.Fatal(err)
	}
	rec = ts.do(t, http.MethodGet, "/v1/state/alice@example.com/presence", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		ETag        string `json:"etag"`
		ContentType string `json:"content_type"`
		Body        string `json:"body"`
	}
	decodeJSON(t, rec, &got)
	if got.ETag == "" || got.ContentType != "text/plain" || got.Body != "open" {
		t.Errorf("state = %+v", got)
	}
}

func TestAdminReap(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/admin/reap", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]int
	decodeJSON(t, rec, &got)
	if n, ok := got["reaped"]; !ok || n != 0 {
		t.Errorf("reap response = %v", got)
	}
}

func TestHandleHTTPErrors(t *testing.T) {
	ts := newTestServer(t)

	for _, tc := range []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"InvalidJSON", http.MethodPost, "/v1/sip/requests", "{", http.StatusBadRequest},
		{"MissingMethod", http.MethodPost, "/v1/sip/requests", `{"uri":"sip:a@b"}`, http.StatusBadRequest},
		{"WrongVerb", http.MethodGet, "/v1/sip/requests", "", http.StatusMethodNotAllowed},
		{"UnknownRoute", http.MethodGet, "/v1/nothing", "", http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d; body: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, http.MethodGet, "/v1/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}
