package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/config"
	"github.com/davehorton/drachtio-simple-server/internal/events"
)

func TestColorizeHelpOutput(t *testing.T) {
	help := "Server:\n  serve       Start the presence server\n\nFlags:\n      --config string   TOML config file (default \"x\")\n"

	out := colorizeHelpOutput(help)
	for _, want := range []string{"serve", "Start the presence server", "--config"} {
		if !strings.Contains(out, want) {
			t.Errorf("colorized help lost %q:\n%s", want, out)
		}
	}
}

func TestSummarize(t *testing.T) {
	state, _ := json.Marshal(events.StateChanged{Resource: "alice@example.com", Event: "presence", ETag: "42", Expires: 60})
	sub, _ := json.Marshal(events.SubscriptionChanged{
		Subscriber: "bob@example.com",
		Resource:   "alice@example.com",
		Event:      "presence",
		DialogID:   "call-1",
		Reason:     "timeout",
	})

	for _, tc := range []struct {
		msg  events.Message
		want string
	}{
		{events.Message{Topic: events.TopicStatePublished, Data: state}, "alice@example.com presence etag=42 expires=60"},
		{events.Message{Topic: events.TopicSubscriptionTerminated, Data: sub}, "bob@example.com -> alice@example.com presence call-id=call-1 reason=timeout"},
		{events.Message{Topic: "other.topic", Data: []byte(`{"x":1}`)}, `{"x":1}`},
	} {
		if got := summarize(tc.msg); got != tc.want {
			t.Errorf("summarize(%s) = %q, want %q", tc.msg.Topic, got, tc.want)
		}
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := config.Default()
	st, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.PutEventState(ctx, "alice@example.com", "presence", time.Minute, "text/plain", []byte("x")); err != nil {
		t.Fatalf("PutEventState: %v", err)
	}
	states, err := st.ListEventStates(ctx)
	if err != nil || len(states) != 1 {
		t.Fatalf("ListEventStates = %v, %v", states, err)
	}
}

func TestOpenStoreUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Store = "redis"
	if _, err := openStore(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	if !newLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
	if newLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !newLogger("bogus").Enabled(ctx, slog.LevelInfo) {
		t.Error("fallback level is not info")
	}
}
