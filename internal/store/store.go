package store

import (
	"context"
	"errors"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/model"
)

var (
	// ErrNotFound is returned when a record, or the record behind an
	// index entry, does not exist or has expired.
	ErrNotFound = errors.New("not found")

	// ErrInvalidETag is returned for entity tags that cannot be an index
	// key. Callers treat it exactly like ErrNotFound.
	ErrInvalidETag = errors.New("invalid etag")
)

// IsAbsent reports whether err means "no such record".
func IsAbsent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidETag)
}

// Store persists event state and subscriptions. Every method is atomic
// with respect to the record and all of its index entries.
type Store interface {
	// Event state
	PutEventState(ctx context.Context, resource, eventType string, ttl time.Duration, contentType string, content []byte) (*model.EventState, error)
	GetEventState(ctx context.Context, resource, eventType string) (*model.EventState, error)
	GetEventStateByETag(ctx context.Context, etag string) (*model.EventState, error)
	// RefreshEventState and ModifyEventState rotate the etag only if the
	// stored etag still equals state.ETag; otherwise they return ErrNotFound.
	RefreshEventState(ctx context.Context, state *model.EventState, ttl time.Duration) (string, error)
	ModifyEventState(ctx context.Context, state *model.EventState, ttl time.Duration, contentType string, content []byte) (string, error)
	RemoveEventState(ctx context.Context, etag string) (string, error)
	ListEventStates(ctx context.Context) ([]*model.EventState, error)

	// ReapExpired removes etag index entries whose state has expired and
	// returns how many were removed.
	ReapExpired(ctx context.Context) (int, error)
	CountETags(ctx context.Context) (int, error)

	// Subscriptions
	AddSubscription(ctx context.Context, sub *model.Subscription, ttl time.Duration) (*model.Subscription, error)
	RefreshSubscription(ctx context.Context, sub *model.Subscription, ttl time.Duration) (*model.Subscription, error)
	// RemoveSubscription is a no-op when the subscription is already gone.
	RemoveSubscription(ctx context.Context, sub *model.Subscription) error
	FindSubscriptions(ctx context.Context, resource, eventType string) ([]*model.Subscription, error)
	FindSubscriptionByID(ctx context.Context, subscriber, resource, eventType, id string) (*model.Subscription, error)
	FindSubscriptionByDialog(ctx context.Context, subscriber, resource, eventType, dialogID string) (*model.Subscription, error)
	CountSubscriptions(ctx context.Context) (int, error)

	// Lifecycle
	Close() error
}
