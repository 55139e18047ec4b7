package esc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/sip"
	"github.com/davehorton/drachtio-simple-server/internal/store/memory"
)

type fanoutCall struct {
	resource, eventType string
	state               *model.EventState
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []fanoutCall
}

func (r *recordingNotifier) Fanout(_ context.Context, resource, eventType string, state *model.EventState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fanoutCall{resource, eventType, state})
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var testPolicy = model.ExpiresPolicy{Default: 3600, Min: 1, Max: 7200}

func newHandler(t *testing.T, opts Options) (*Handler, *memory.Store, *recordingNotifier) {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	if opts.SupportedEvents == nil {
		opts.SupportedEvents = []string{"presence", "dialog", "message-summary"}
	}
	if opts.Expires == (model.ExpiresPolicy{}) {
		opts.Expires = testPolicy
	}
	n := &recordingNotifier{}
	return New(st, n, opts), st, n
}

// publish builds a PUBLISH for alice. Empty header values are omitted.
func publish(event, expires, ifMatch, contentType, body string) *sip.Request {
	h := sip.Header{"Call-ID": "pub-1"}
	for k, v := range map[string]string{
		"Event":        event,
		"Expires":      expires,
		"SIP-If-Match": ifMatch,
		"Content-Type": contentType,
	} {
		if v != "" {
			h.Set(k, v)
		}
	}
	return &sip.Request{
		Method:  sip.MethodPublish,
		URI:     "sip:alice@example.com",
		Headers: h,
		Body:    []byte(body),
	}
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		content, ifMatch, present bool
		expires                   int
		want                      Action
	}{
		{true, false, true, 60, ActionInitial},
		{true, false, false, 0, ActionInvalid},
		{true, false, true, 0, ActionInvalid},
		{true, true, true, 60, ActionModify},
		{true, true, false, 0, ActionInvalid},
		{true, true, true, 0, ActionInvalid},
		{false, true, true, 0, ActionRemove},
		{false, true, true, 60, ActionRefresh},
		{false, true, false, 0, ActionRefresh},
		{false, false, true, 60, ActionInvalid},
		{false, false, false, 0, ActionInvalid},
	} {
		if got := Classify(tc.content, tc.ifMatch, tc.present, tc.expires); got != tc.want {
			t.Errorf("Classify(content=%v, ifMatch=%v, present=%v, expires=%d) = %s, want %s",
				tc.content, tc.ifMatch, tc.present, tc.expires, got, tc.want)
		}
	}
}

func TestValidation(t *testing.T) {
	h, st, _ := newHandler(t, Options{Expires: model.ExpiresPolicy{Default: 3600, Min: 60, Max: 7200}})
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		req    *sip.Request
		status int
	}{
		{"missing event", publish("", "60", "", "text/plain", "ok"), 400},
		{"unsupported event", publish("unknown-type", "60", "", "text/plain", "ok"), 489},
		{"non-numeric expires", publish("presence", "soon", "", "text/plain", "ok"), 400},
		{"initial without expires", publish("presence", "", "", "text/plain", "ok"), 400},
		{"no content no etag", publish("presence", "60", "", "", ""), 400},
		{"modify with zero expires", publish("presence", "0", "123", "text/plain", "ok"), 400},
		{"modify without expires", publish("presence", "", "123", "text/plain", "ok"), 400},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.HandlePublish(ctx, tc.req)
			if resp.Status != tc.status {
				t.Errorf("status = %d, want %d", resp.Status, tc.status)
			}
		})
	}
	if n, _ := st.CountETags(ctx); n != 0 {
		t.Errorf("rejected requests stored %d states", n)
	}
}

func TestIntervalTooBrief(t *testing.T) {
	h, _, _ := newHandler(t, Options{Expires: model.ExpiresPolicy{Default: 3600, Min: 60, Max: 7200}})

	resp := h.HandlePublish(context.Background(), publish("presence", "30", "", "text/plain", "ok"))
	if resp.Status != sip.StatusIntervalTooBrief {
		t.Fatalf("status = %d, want 423", resp.Status)
	}
	if got := resp.Headers.Get("Min-Expires"); got != "60" {
		t.Errorf("Min-Expires = %q, want 60", got)
	}
}

func TestExpiresClampedToMax(t *testing.T) {
	h, _, _ := newHandler(t, Options{})

	resp := h.HandlePublish(context.Background(), publish("presence", "86400", "", "text/plain", "ok"))
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if got := resp.Headers.Get("Expires"); got != "7200" {
		t.Errorf("Expires = %q, want 7200", got)
	}
}

func TestUnsupportedEventStoresNothing(t *testing.T) {
	h, st, n := newHandler(t, Options{})
	ctx := context.Background()

	resp := h.HandlePublish(ctx, publish("unknown-type", "60", "", "text/plain", "ok"))
	if resp.Status != sip.StatusBadEvent {
		t.Fatalf("status = %d, want 489", resp.Status)
	}
	if _, err := st.GetEventState(ctx, "alice@example.com", "unknown-type"); err == nil {
		t.Error("state stored for unsupported event")
	}
	if n.count() != 0 {
		t.Error("fanout triggered for rejected PUBLISH")
	}
}

func TestInitialPublishExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps past a TTL")
	}
	h, st, n := newHandler(t, Options{})
	ctx := context.Background()

	resp := h.HandlePublish(ctx, publish("presence", "1", "", "text/plain", "ok"))
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	etag := resp.Headers.Get("SIP-ETag")
	if etag == "" {
		t.Fatal("missing SIP-ETag")
	}
	if resp.Headers.Get("Expires") != "1" {
		t.Errorf("Expires = %q, want 1", resp.Headers.Get("Expires"))
	}
	if n.count() != 1 {
		t.Errorf("fanout calls = %d, want 1", n.count())
	}

	got, err := st.GetEventState(ctx, "alice@example.com", "presence")
	if err != nil || got.ETag != etag || string(got.Content) != "ok" {
		t.Fatalf("stored state = %+v, %v", got, err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := st.GetEventState(ctx, "alice@example.com", "presence"); err == nil {
		t.Fatal("state still present after expiry")
	}
	if reaped, _ := st.ReapExpired(ctx); reaped != 1 {
		t.Errorf("ReapExpired = %d, want 1", reaped)
	}
}

func TestRefreshUnknownETag(t *testing.T) {
	h, _, _ := newHandler(t, Options{})

	resp := h.HandlePublish(context.Background(), publish("presence", "60", "1234567890", "", ""))
	if resp.Status != sip.StatusConditionalRequestFailed {
		t.Fatalf("status = %d, want 412", resp.Status)
	}
	resp = h.HandlePublish(context.Background(), publish("presence", "60", "not-an-etag", "", ""))
	if resp.Status != sip.StatusConditionalRequestFailed {
		t.Fatalf("malformed etag status = %d, want 412", resp.Status)
	}
}

func TestRefreshRotatesWithoutFanout(t *testing.T) {
	h, st, n := newHandler(t, Options{})
	ctx := context.Background()

	first := h.HandlePublish(ctx, publish("presence", "60", "", "text/plain", "ok"))
	etag := first.Headers.Get("SIP-ETag")

	resp := h.HandlePublish(ctx, publish("presence", "", etag, "", ""))
	if resp.Status != 200 {
		t.Fatalf("refresh status = %d", resp.Status)
	}
	newTag := resp.Headers.Get("SIP-ETag")
	if newTag == "" || newTag == etag {
		t.Fatalf("refresh etag %q did not rotate from %q", newTag, etag)
	}
	if resp.Headers.Get("Expires") != "3600" {
		t.Errorf("refresh without Expires granted %q, want default 3600", resp.Headers.Get("Expires"))
	}
	if n.count() != 1 {
		t.Errorf("fanout calls = %d, want 1 (initial only)", n.count())
	}

	// The old tag is spent.
	resp = h.HandlePublish(ctx, publish("presence", "60", etag, "", ""))
	if resp.Status != sip.StatusConditionalRequestFailed {
		t.Errorf("reuse of old etag status = %d, want 412", resp.Status)
	}
	got, _ := st.GetEventState(ctx, "alice@example.com", "presence")
	if string(got.Content) != "ok" {
		t.Errorf("refresh changed content to %q", got.Content)
	}
}

func TestModify(t *testing.T) {
	h, st, n := newHandler(t, Options{})
	ctx := context.Background()

	etag := h.HandlePublish(ctx, publish("presence", "60", "", "text/plain", "open")).Headers.Get("SIP-ETag")

	resp := h.HandlePublish(ctx, publish("presence", "120", etag, "text/plain", "closed"))
	if resp.Status != 200 {
		t.Fatalf("modify status = %d", resp.Status)
	}
	newTag := resp.Headers.Get("SIP-ETag")
	if newTag == etag {
		t.Fatal("modify did not rotate the etag")
	}
	got, _ := st.GetEventState(ctx, "alice@example.com", "presence")
	if string(got.Content) != "closed" || got.ETag != newTag {
		t.Errorf("stored state = %+v", got)
	}
	if n.count() != 2 {
		t.Fatalf("fanout calls = %d, want 2", n.count())
	}
	if last := n.calls[1]; string(last.state.Content) != "closed" || last.state.ETag != newTag {
		t.Errorf("fanout state = %+v", last.state)
	}
}

func TestModifyWithoutExpiresKeepsState(t *testing.T) {
	h, st, n := newHandler(t, Options{})
	ctx := context.Background()

	etag := h.HandlePublish(ctx, publish("presence", "60", "", "text/plain", "open")).Headers.Get("SIP-ETag")

	resp := h.HandlePublish(ctx, publish("presence", "", etag, "text/plain", "closed"))
	if resp.Status != sip.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Status)
	}
	got, _ := st.GetEventState(ctx, "alice@example.com", "presence")
	if got == nil || got.ETag != etag || string(got.Content) != "open" {
		t.Errorf("stored state = %+v, want untouched", got)
	}
	if n.count() != 1 {
		t.Errorf("fanout calls = %d, want 1", n.count())
	}
}

func TestModifyEventMismatch(t *testing.T) {
	h, _, _ := newHandler(t, Options{})
	ctx := context.Background()

	etag := h.HandlePublish(ctx, publish("presence", "60", "", "text/plain", "open")).Headers.Get("SIP-ETag")

	resp := h.HandlePublish(ctx, publish("dialog", "60", etag, "text/plain", "x"))
	if resp.Status != sip.StatusConditionalRequestFailed {
		t.Fatalf("status = %d, want 412", resp.Status)
	}
}

func TestRemove(t *testing.T) {
	h, st, n := newHandler(t, Options{})
	ctx := context.Background()

	etag := h.HandlePublish(ctx, publish("presence", "60", "", "text/plain", "open")).Headers.Get("SIP-ETag")

	resp := h.HandlePublish(ctx, publish("presence", "0", etag, "", ""))
	if resp.Status != 200 || resp.Headers.Get("Expires") != "0" {
		t.Fatalf("remove = %d Expires=%q", resp.Status, resp.Headers.Get("Expires"))
	}
	if _, err := st.GetEventState(ctx, "alice@example.com", "presence"); err == nil {
		t.Error("state survives remove")
	}
	if n.count() != 1 {
		t.Errorf("fanout calls = %d, want 1 (no fanout on remove)", n.count())
	}

	resp = h.HandlePublish(ctx, publish("presence", "0", etag, "", ""))
	if resp.Status != sip.StatusConditionalRequestFailed {
		t.Errorf("second remove status = %d, want 412", resp.Status)
	}
}

func TestRemoveWithNotifyOnRemove(t *testing.T) {
	h, _, n := newHandler(t, Options{NotifyOnRemove: true})
	ctx := context.Background()

	etag := h.HandlePublish(ctx, publish("presence", "60", "", "text/plain", "open")).Headers.Get("SIP-ETag")
	h.HandlePublish(ctx, publish("presence", "0", etag, "", ""))

	if n.count() != 2 {
		t.Fatalf("fanout calls = %d, want 2", n.count())
	}
	if last := n.calls[1]; last.state != nil || last.resource != "alice@example.com" {
		t.Errorf("remove fanout = %+v, want nil state for alice", last)
	}
}

func TestConcurrentModifySameETag(t *testing.T) {
	h, _, _ := newHandler(t, Options{})
	ctx := context.Background()

	etag := h.HandlePublish(ctx, publish("presence", "60", "", "text/plain", "v0")).Headers.Get("SIP-ETag")

	var wg sync.WaitGroup
	statuses := make([]int, 2)
	start := make(chan struct{})
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			statuses[i] = h.HandlePublish(ctx, publish("presence", "60", etag, "text/plain", "v1")).Status
		}()
	}
	close(start)
	wg.Wait()

	ok, failed := 0, 0
	for _, s := range statuses {
		switch s {
		case 200:
			ok++
		case sip.StatusConditionalRequestFailed:
			failed++
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("statuses = %v, want exactly one 200 and one 412", statuses)
	}
}

func TestResourceResolution(t *testing.T) {
	h, st, _ := newHandler(t, Options{Resolver: sip.Resolver{Domain: "corp.example"}})
	ctx := context.Background()

	h.HandlePublish(ctx, publish("presence", "60", "", "text/plain", "ok"))
	if _, err := st.GetEventState(ctx, "alice@corp.example", "presence"); err != nil {
		t.Errorf("state not stored under configured domain: %v", err)
	}
}
