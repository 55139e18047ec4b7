package model

import (
	"strings"
	"time"
)

// EventState is the published state of one event package for one resource.
// At most one live EventState exists per (Resource, EventType).
type EventState struct {
	Resource    string    `json:"resource"`
	EventType   string    `json:"event"`
	ETag        string    `json:"etag"`
	ContentType string    `json:"content_type,omitempty"`
	Content     []byte    `json:"content,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HasContent reports whether the state carries a body worth notifying.
func (s *EventState) HasContent() bool {
	return s != nil && len(s.Content) > 0
}

// Subscription is one watcher's interest in a resource's event state,
// scoped to the SIP dialog that created it.
type Subscription struct {
	Key        string    `json:"key"`
	Subscriber string    `json:"subscriber"`
	Resource   string    `json:"resource"`
	EventType  string    `json:"event"`
	ID         string    `json:"id,omitempty"`
	DialogID   string    `json:"dialog_id"`
	Accept     string    `json:"accept,omitempty"`
	Expires    int       `json:"expires"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Accepts reports whether contentType satisfies the subscriber's Accept
// header. An empty Accept means any type is acceptable.
func (s *Subscription) Accepts(contentType string) bool {
	if strings.TrimSpace(s.Accept) == "" {
		return true
	}
	ct := mediaType(contentType)
	if ct == "" {
		return false
	}
	for _, r := range strings.Split(s.Accept, ",") {
		r = mediaType(r)
		switch {
		case r == "*/*", r == ct:
			return true
		case strings.HasSuffix(r, "/*"):
			if strings.HasPrefix(ct, strings.TrimSuffix(r, "*")) {
				return true
			}
		}
	}
	return false
}

// mediaType strips parameters and normalizes case: "Application/PIDF+xml; q=1" -> "application/pidf+xml".
func mediaType(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}
