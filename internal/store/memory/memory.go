// Package memory implements store.Store in process, with per-record TTLs
// handled by ttlcache.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/davehorton/drachtio-simple-server/internal/idgen"
	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

// Store keeps event state and subscriptions in memory.
//
// Records and subscription lookup keys live in TTL caches and vanish on
// their own. The etag index is an ordinary pair of maps that outlives
// expired records until ReapExpired removes the dangling entries, the same
// way a sorted set in a networked store would.
type Store struct {
	mu sync.Mutex

	states *ttlcache.Cache[string, *model.EventState]
	subs   *ttlcache.Cache[string, *model.Subscription]
	keys   *ttlcache.Cache[string, string] // lookup key -> subscription key

	byETag  map[int64]string // etag -> state key
	byState map[string]int64 // state key -> etag

	// watchers lists subscription keys per resource/event. Entries whose
	// record has expired are pruned when encountered.
	watchers map[string]map[string]struct{}

	etags store.ETagGenerator
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns an empty Store with background eviction running.
func New() *Store {
	s := &Store{
		states: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, *model.EventState](),
		),
		subs: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, *model.Subscription](),
		),
		keys: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		byETag:   make(map[int64]string),
		byState:  make(map[string]int64),
		watchers: make(map[string]map[string]struct{}),
	}
	go s.states.Start()
	go s.subs.Start()
	go s.keys.Start()
	return s
}

// Close stops background eviction.
func (s *Store) Close() error {
	s.states.Stop()
	s.subs.Stop()
	s.keys.Stop()
	return nil
}

func stateKey(resource, eventType string) string {
	return "es:" + resource + ":" + eventType
}

func watchKey(resource, eventType string) string {
	return resource + ":" + eventType
}

func dialogKey(subscriber, resource, eventType, dialogID string) string {
	return fmt.Sprintf("subkeydlg:%s:%s:%s:%s", resource, eventType, subscriber, dialogID)
}

func idKey(subscriber, resource, eventType, id string) string {
	return fmt.Sprintf("subkeyid:%s:%s:%s:%s", resource, eventType, subscriber, id)
}

// live returns the value of a cache item that has not expired.
func live[V any](item *ttlcache.Item[string, V]) (V, bool) {
	var zero V
	if item == nil || item.IsExpired() {
		return zero, false
	}
	return item.Value(), true
}

func copyState(st *model.EventState) *model.EventState {
	c := *st
	c.Content = append([]byte(nil), st.Content...)
	return &c
}

func copySub(sub *model.Subscription) *model.Subscription {
	c := *sub
	return &c
}

// ---- Event state ----

func (s *Store) PutEventState(_ context.Context, resource, eventType string, ttl time.Duration, contentType string, content []byte) (*model.EventState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey(resource, eventType)
	st := &model.EventState{
		Resource:    resource,
		EventType:   eventType,
		ContentType: contentType,
		Content:     append([]byte(nil), content...),
	}
	s.commitLocked(key, st, ttl)
	return copyState(st), nil
}

func (s *Store) GetEventState(_ context.Context, resource, eventType string) (*model.EventState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := live(s.states.Get(stateKey(resource, eventType)))
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyState(st), nil
}

func (s *Store) GetEventStateByETag(_ context.Context, etag string) (*model.EventState, error) {
	n, err := store.ParseETag(etag)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.indexedLocked(n)
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyState(st), nil
}

func (s *Store) RefreshEventState(_ context.Context, state *model.EventState, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey(state.Resource, state.EventType)
	cur, ok := live(s.states.Get(key))
	if !ok || cur.ETag != state.ETag {
		return "", store.ErrNotFound
	}
	next := copyState(cur)
	s.commitLocked(key, next, ttl)
	return next.ETag, nil
}

func (s *Store) ModifyEventState(_ context.Context, state *model.EventState, ttl time.Duration, contentType string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey(state.Resource, state.EventType)
	cur, ok := live(s.states.Get(key))
	if !ok || cur.ETag != state.ETag {
		return "", store.ErrNotFound
	}
	next := copyState(cur)
	next.ContentType = contentType
	next.Content = append([]byte(nil), content...)
	s.commitLocked(key, next, ttl)
	return next.ETag, nil
}

func (s *Store) RemoveEventState(_ context.Context, etag string) (string, error) {
	n, err := store.ParseETag(etag)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.indexedLocked(n)
	if !ok {
		return "", store.ErrNotFound
	}
	key := stateKey(st.Resource, st.EventType)
	s.states.Delete(key)
	delete(s.byETag, n)
	delete(s.byState, key)
	return st.Resource, nil
}

func (s *Store) ListEventStates(_ context.Context) ([]*model.EventState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.EventState, 0, len(s.byState))
	for key := range s.byState {
		if st, ok := live(s.states.Get(key)); ok {
			out = append(out, copyState(st))
		}
	}
	return out, nil
}

func (s *Store) ReapExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for n, key := range s.byETag {
		st, ok := live(s.states.Get(key))
		if ok && st.ETag == store.FormatETag(n) {
			continue
		}
		delete(s.byETag, n)
		if s.byState[key] == n {
			delete(s.byState, key)
		}
		reaped++
	}
	return reaped, nil
}

func (s *Store) CountETags(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byETag), nil
}

// commitLocked stores st under key with a fresh etag, replacing the
// previous index entry for key.
func (s *Store) commitLocked(key string, st *model.EventState, ttl time.Duration) {
	n := s.etags.Next()
	if old, ok := s.byState[key]; ok {
		delete(s.byETag, old)
	}
	s.byETag[n] = key
	s.byState[key] = n

	st.ETag = store.FormatETag(n)
	st.ExpiresAt = time.Now().Add(ttl)
	s.states.Set(key, st, ttl)
}

// indexedLocked resolves an index score to its live record. A dangling
// entry resolves to nothing.
func (s *Store) indexedLocked(n int64) (*model.EventState, bool) {
	key, ok := s.byETag[n]
	if !ok {
		return nil, false
	}
	st, ok := live(s.states.Get(key))
	if !ok || st.ETag != store.FormatETag(n) {
		return nil, false
	}
	return st, true
}

// ---- Subscriptions ----

func (s *Store) AddSubscription(_ context.Context, sub *model.Subscription, ttl time.Duration) (*model.Subscription, error) {
	rec := copySub(sub)
	if rec.Key == "" {
		key, err := idgen.SubscriptionKey()
		if err != nil {
			return nil, fmt.Errorf("add subscription: %w", err)
		}
		rec.Key = key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.setSubLocked(rec, ttl)
	return copySub(rec), nil
}

func (s *Store) RefreshSubscription(_ context.Context, sub *model.Subscription, ttl time.Duration) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := copySub(sub)
	if rec.Key == "" {
		key, ok := live(s.keys.Get(dialogKey(sub.Subscriber, sub.Resource, sub.EventType, sub.DialogID)))
		if !ok {
			return nil, store.ErrNotFound
		}
		rec.Key = key
	}
	if old, ok := live(s.subs.Get(rec.Key)); ok {
		s.deleteSubLocked(old)
	}
	s.setSubLocked(rec, ttl)
	return copySub(rec), nil
}

func (s *Store) RemoveSubscription(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sub.Key
	if key == "" {
		k, ok := live(s.keys.Get(dialogKey(sub.Subscriber, sub.Resource, sub.EventType, sub.DialogID)))
		if !ok {
			return nil
		}
		key = k
	}
	if rec, ok := live(s.subs.Get(key)); ok {
		s.deleteSubLocked(rec)
		return nil
	}
	// Record already expired; drop lookup keys that still point at it.
	s.deleteKeyIfLocked(dialogKey(sub.Subscriber, sub.Resource, sub.EventType, sub.DialogID), key)
	if sub.ID != "" {
		s.deleteKeyIfLocked(idKey(sub.Subscriber, sub.Resource, sub.EventType, sub.ID), key)
	}
	s.unwatchLocked(watchKey(sub.Resource, sub.EventType), key)
	return nil
}

func (s *Store) FindSubscriptions(_ context.Context, resource, eventType string) ([]*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wk := watchKey(resource, eventType)
	var out []*model.Subscription
	for key := range s.watchers[wk] {
		rec, ok := live(s.subs.Get(key))
		if !ok {
			s.unwatchLocked(wk, key)
			continue
		}
		out = append(out, copySub(rec))
	}
	return out, nil
}

func (s *Store) FindSubscriptionByID(_ context.Context, subscriber, resource, eventType, id string) (*model.Subscription, error) {
	return s.findByLookupKey(idKey(subscriber, resource, eventType, id))
}

func (s *Store) FindSubscriptionByDialog(_ context.Context, subscriber, resource, eventType, dialogID string) (*model.Subscription, error) {
	return s.findByLookupKey(dialogKey(subscriber, resource, eventType, dialogID))
}

func (s *Store) CountSubscriptions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for wk, keys := range s.watchers {
		for key := range keys {
			if _, ok := live(s.subs.Get(key)); ok {
				n++
			} else {
				s.unwatchLocked(wk, key)
			}
		}
	}
	return n, nil
}

func (s *Store) findByLookupKey(lookup string) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := live(s.keys.Get(lookup))
	if !ok {
		return nil, store.ErrNotFound
	}
	// A lookup key without its record counts as absent.
	rec, ok := live(s.subs.Get(key))
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySub(rec), nil
}

func (s *Store) setSubLocked(rec *model.Subscription, ttl time.Duration) {
	rec.Expires = int(ttl / time.Second)
	rec.ExpiresAt = time.Now().Add(ttl)

	s.subs.Set(rec.Key, rec, ttl)
	s.keys.Set(dialogKey(rec.Subscriber, rec.Resource, rec.EventType, rec.DialogID), rec.Key, ttl)
	if rec.ID != "" {
		s.keys.Set(idKey(rec.Subscriber, rec.Resource, rec.EventType, rec.ID), rec.Key, ttl)
	}

	wk := watchKey(rec.Resource, rec.EventType)
	if s.watchers[wk] == nil {
		s.watchers[wk] = make(map[string]struct{})
	}
	s.watchers[wk][rec.Key] = struct{}{}
}

func (s *Store) deleteSubLocked(rec *model.Subscription) {
	s.subs.Delete(rec.Key)
	s.unwatchLocked(watchKey(rec.Resource, rec.EventType), rec.Key)
	s.deleteKeyIfLocked(dialogKey(rec.Subscriber, rec.Resource, rec.EventType, rec.DialogID), rec.Key)
	if rec.ID != "" {
		s.deleteKeyIfLocked(idKey(rec.Subscriber, rec.Resource, rec.EventType, rec.ID), rec.Key)
	}
}

func (s *Store) deleteKeyIfLocked(lookup, key string) {
	if cur, ok := live(s.keys.Get(lookup)); ok && cur == key {
		s.keys.Delete(lookup)
	}
}

func (s *Store) unwatchLocked(wk, key string) {
	set := s.watchers[wk]
	delete(set, key)
	if len(set) == 0 {
		delete(s.watchers, wk)
	}
}
