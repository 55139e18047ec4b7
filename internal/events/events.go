// Package events publishes state and subscription changes to an event bus
// so other services (and the watch command) can follow presence activity.
package events

import (
	"context"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/model"
)

// Event topic constants
const (
	TopicStatePublished = "simple.state.published"
	TopicStateModified  = "simple.state.modified"
	TopicStateRefreshed = "simple.state.refreshed"
	TopicStateRemoved   = "simple.state.removed"

	TopicSubscriptionCreated    = "simple.subscription.created"
	TopicSubscriptionRefreshed  = "simple.subscription.refreshed"
	TopicSubscriptionTerminated = "simple.subscription.terminated"

	// TopicAll matches every topic above.
	TopicAll = "simple.>"
)

// StateChanged describes an event state mutation. The body is not
// included; consumers fetch it through the state API when needed.
type StateChanged struct {
	Resource    string    `json:"resource"`
	Event       string    `json:"event"`
	ETag        string    `json:"etag,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Expires     int       `json:"expires"`
	At          time.Time `json:"at"`
}

// NewStateChanged builds a StateChanged from a stored state.
func NewStateChanged(st *model.EventState, expires int) StateChanged {
	return StateChanged{
		Resource:    st.Resource,
		Event:       st.EventType,
		ETag:        st.ETag,
		ContentType: st.ContentType,
		Expires:     expires,
		At:          time.Now().UTC(),
	}
}

// SubscriptionChanged describes a subscription lifecycle transition.
type SubscriptionChanged struct {
	Key        string    `json:"key,omitempty"`
	Subscriber string    `json:"subscriber"`
	Resource   string    `json:"resource"`
	Event      string    `json:"event"`
	DialogID   string    `json:"dialog_id"`
	Expires    int       `json:"expires"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// NewSubscriptionChanged builds a SubscriptionChanged for sub.
func NewSubscriptionChanged(sub *model.Subscription, reason string) SubscriptionChanged {
	return SubscriptionChanged{
		Key:        sub.Key,
		Subscriber: sub.Subscriber,
		Resource:   sub.Resource,
		Event:      sub.EventType,
		DialogID:   sub.DialogID,
		Expires:    sub.Expires,
		Reason:     reason,
		At:         time.Now().UTC(),
	}
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
