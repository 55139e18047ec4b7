// Package subscription implements the SUBSCRIBE side of the presence
// agent: it validates and classifies SUBSCRIBE requests, keeps one expiry
// timer per dialog and event package, and drives the NOTIFYs of each
// subscription's lifecycle.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tailscale.com/tstime"

	"github.com/davehorton/drachtio-simple-server/internal/events"
	"github.com/davehorton/drachtio-simple-server/internal/metrics"
	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/notify"
	"github.com/davehorton/drachtio-simple-server/internal/sip"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

// Transition names used in logs and metrics.
const (
	TransitionInitial     = "initial"
	TransitionRefresh     = "refresh"
	TransitionUnsubscribe = "unsubscribe"
	TransitionExpire      = "expire"
	transitionInvalid     = "invalid"
)

// storeTimeout bounds store calls made outside any request, such as
// timer-driven reconciliation.
const storeTimeout = 5 * time.Second

// Notifier sends a single NOTIFY for a subscription.
type Notifier interface {
	Notify(ctx context.Context, sub *model.Subscription, subState string)

	// NotifyNewDialog sends the first NOTIFY of a dialog the engine may
	// still be establishing.
	NotifyNewDialog(ctx context.Context, sub *model.Subscription, subState string)
}

// Options configures a Manager.
type Options struct {
	SupportedEvents []string
	Expires         model.ExpiresPolicy

	// EventExpires overrides Expires.Default per event package when a
	// SUBSCRIBE carries no Expires header.
	EventExpires map[string]int

	Resolver  sip.Resolver
	Clock     tstime.Clock
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Manager owns the subscription registry and handles SUBSCRIBE requests.
type Manager struct {
	store     store.Store
	notifier  Notifier
	registry  *Registry
	supported map[string]bool
	expires   model.ExpiresPolicy
	perEvent  map[string]int
	resolver  sip.Resolver
	clock     tstime.Clock
	publisher events.Publisher
	logger    *slog.Logger

	expiring sync.WaitGroup
}

// New creates a Manager.
func New(st store.Store, notifier Notifier, opts Options) *Manager {
	m := &Manager{
		store:     st,
		notifier:  notifier,
		registry:  NewRegistry(),
		supported: make(map[string]bool, len(opts.SupportedEvents)),
		expires:   opts.Expires,
		perEvent:  opts.EventExpires,
		resolver:  opts.Resolver,
		clock:     opts.Clock,
		publisher: opts.Publisher,
		logger:    opts.Logger,
	}
	for _, ev := range opts.SupportedEvents {
		m.supported[ev] = true
	}
	if m.clock == nil {
		m.clock = tstime.StdClock{}
	}
	if m.publisher == nil {
		m.publisher = events.NoopPublisher{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "subscription")
	return m
}

// Registry exposes the manager's registry for inspection.
func (m *Manager) Registry() *Registry { return m.registry }

// request is a validated SUBSCRIBE.
type request struct {
	eventType  string
	id         string
	dialogID   string
	expires    int
	subscriber string
	resource   string
	accept     string
	inDialog   bool
}

// HandleSubscribe validates and executes one SUBSCRIBE.
func (m *Manager) HandleSubscribe(ctx context.Context, req *sip.Request) *sip.Response {
	transition, resp := m.handle(ctx, req)
	metrics.Subscribe(transition, resp.Status)
	return resp
}

func (m *Manager) handle(ctx context.Context, req *sip.Request) (string, *sip.Response) {
	log := m.logger.With("call_id", req.CallID(), "source", req.Source)

	r, resp := m.validate(log, req)
	if resp != nil {
		return transitionInvalid, resp
	}
	log = log.With("subscriber", r.subscriber, "resource", r.resource, "event", r.eventType)

	entry, found := m.registry.Lookup(r.dialogID, r.eventType)
	if !found && !r.inDialog && r.expires > 0 {
		return TransitionInitial, m.initial(ctx, log, r)
	}

	transition := TransitionRefresh
	if r.expires == 0 {
		transition = TransitionUnsubscribe
	}
	stored, err := m.lookup(ctx, r)
	if err != nil {
		log.Error("look up subscription", "error", err)
		return transition, sip.NewResponse(sip.StatusTemporarilyUnavailable)
	}
	switch {
	case stored == nil && found:
		m.forget(ctx, log, r, entry)
		return transition, sip.NewResponse(sip.StatusCallTransactionDoesNotExist)
	case stored == nil && r.expires == 0:
		log.Info("un-SUBSCRIBE without a subscription")
		return transition, sip.NewResponse(sip.StatusCallTransactionDoesNotExist)
	case stored == nil && !m.registry.HasDialog(r.dialogID):
		log.Info("in-dialog SUBSCRIBE for unknown dialog")
		return transition, sip.NewResponse(sip.StatusCallTransactionDoesNotExist)
	case stored == nil:
		return TransitionInitial, m.initial(ctx, log, r)
	case r.expires == 0:
		return transition, m.unsubscribe(ctx, log, r, entry, stored)
	default:
		return transition, m.refresh(ctx, log, r, entry, stored)
	}
}

// lookup finds the stored record a refresh or un-SUBSCRIBE refers to: by
// Event id when the request carries one, otherwise by dialog. A record of
// another dialog, or one holding a different id, does not match.
func (m *Manager) lookup(ctx context.Context, r *request) (*model.Subscription, error) {
	if r.id != "" {
		sub, err := m.store.FindSubscriptionByID(ctx, r.subscriber, r.resource, r.eventType, r.id)
		switch {
		case err == nil && sub.DialogID == r.dialogID:
			return sub, nil
		case err != nil && !store.IsAbsent(err):
			return nil, err
		}
	}
	sub, err := m.store.FindSubscriptionByDialog(ctx, r.subscriber, r.resource, r.eventType, r.dialogID)
	switch {
	case store.IsAbsent(err):
		return nil, nil
	case err != nil:
		return nil, err
	case r.id != "" && sub.ID != "" && sub.ID != r.id:
		return nil, nil
	}
	return sub, nil
}

// forget drops a registry entry whose store record has disappeared. A
// request naming a different id leaves the entry alone.
func (m *Manager) forget(ctx context.Context, log *slog.Logger, r *request, e *Entry) {
	if r.id != "" && r.id != e.Subscription.ID {
		log.Info("SUBSCRIBE for unknown subscription id", "id", r.id)
		return
	}
	if m.registry.Remove(r.dialogID, r.eventType, e) {
		log.Info("subscription record gone, timer dropped", "key", e.Subscription.Key)
		m.emit(ctx, log, events.TopicSubscriptionTerminated, events.NewSubscriptionChanged(e.Subscription, "missing"))
	}
}

func (m *Manager) validate(log *slog.Logger, req *sip.Request) (*request, *sip.Response) {
	eventType, id, ok := req.Event()
	if !ok {
		log.Info("SUBSCRIBE missing Event header")
		return nil, sip.NewResponse(sip.StatusBadRequest)
	}
	if !m.supported[eventType] {
		log.Info("SUBSCRIBE for unsupported event", "event", eventType)
		return nil, sip.NewResponse(sip.StatusBadEvent)
	}

	raw, present, err := req.Expires()
	if err != nil {
		log.Info("SUBSCRIBE with malformed Expires", "error", err)
		return nil, sip.NewResponse(sip.StatusBadRequest)
	}
	expires := m.defaultExpires(eventType)
	if present {
		expires, err = m.expires.Resolve(raw, true)
		var tb *model.IntervalTooBriefError
		if errors.As(err, &tb) {
			return nil, sip.NewResponse(sip.StatusIntervalTooBrief).
				With("Min-Expires", strconv.Itoa(tb.Min))
		}
	}

	dialogID := req.CallID()
	if dialogID == "" {
		log.Info("SUBSCRIBE missing Call-ID")
		return nil, sip.NewResponse(sip.StatusBadRequest)
	}
	subscriber, err := m.resolver.AOR(req.From())
	if err != nil {
		log.Info("SUBSCRIBE with unparseable From", "error", err)
		return nil, sip.NewResponse(sip.StatusBadRequest)
	}
	target := req.To()
	if target == "" {
		target = req.URI
	}
	resource, err := m.resolver.AOR(target)
	if err != nil {
		log.Info("SUBSCRIBE with unparseable To", "error", err)
		return nil, sip.NewResponse(sip.StatusBadRequest)
	}

	return &request{
		eventType:  eventType,
		id:         id,
		dialogID:   dialogID,
		expires:    expires,
		subscriber: subscriber,
		resource:   resource,
		accept:     req.Accept(),
		inDialog:   req.InDialog,
	}, nil
}

func (m *Manager) defaultExpires(eventType string) int {
	if n, ok := m.perEvent[eventType]; ok && n > 0 {
		return n
	}
	return m.expires.Default
}

func (m *Manager) initial(ctx context.Context, log *slog.Logger, r *request) *sip.Response {
	sub, err := m.store.AddSubscription(ctx, &model.Subscription{
		Subscriber: r.subscriber,
		Resource:   r.resource,
		EventType:  r.eventType,
		ID:         r.id,
		DialogID:   r.dialogID,
		Accept:     r.accept,
	}, seconds(r.expires))
	if err != nil {
		log.Error("add subscription", "error", err)
		return sip.NewResponse(sip.StatusTemporarilyUnavailable)
	}

	createDialog := !m.registry.HasDialog(r.dialogID)
	e := &Entry{Subscription: sub}
	m.insert(log, r, e)
	log.Info("subscription created", "key", sub.Key, "expires", r.expires)
	m.emit(ctx, log, events.TopicSubscriptionCreated, events.NewSubscriptionChanged(sub, ""))

	send := m.notifier.Notify
	if createDialog {
		send = m.notifier.NotifyNewDialog
	}
	state := notify.Active(r.expires)
	resp := sip.NewResponse(sip.StatusAccepted).With("Expires", strconv.Itoa(r.expires))
	resp.CreateDialog = createDialog
	return resp.Then(func() { send(ctx, sub, state) })
}

// insert adds e to the registry. A concurrent initial SUBSCRIBE for the
// same dialog and package may have inserted first; its record is removed
// so only e's survives.
func (m *Manager) insert(log *slog.Logger, r *request, e *Entry) {
	prev := m.registry.Insert(r.dialogID, r.eventType, e, m.armer(r.dialogID, r.eventType, e, r.expires))
	if prev == nil || prev.Subscription.Key == e.Subscription.Key {
		return
	}
	log.Info("subscription displaced", "key", prev.Subscription.Key, "by", e.Subscription.Key)
	m.reconcile(prev.Subscription)
}

func (m *Manager) refresh(ctx context.Context, log *slog.Logger, r *request, old *Entry, stored *model.Subscription) *sip.Response {
	updated := *stored
	if r.accept != "" {
		updated.Accept = r.accept
	}
	if r.id != "" {
		updated.ID = r.id
	}

	sub, err := m.store.RefreshSubscription(ctx, &updated, seconds(r.expires))
	if err != nil {
		log.Error("refresh subscription", "error", err)
		return sip.NewResponse(sip.StatusTemporarilyUnavailable)
	}

	next := &Entry{Subscription: sub}
	switch {
	case old == nil:
		// The record outlived the timer that guarded it, as after a
		// restart with a persistent store.
		m.insert(log, r, next)
		log.Info("subscription adopted from store", "key", sub.Key)
	case !m.registry.Replace(r.dialogID, r.eventType, old, next, m.armer(r.dialogID, r.eventType, next, r.expires)):
		// The expiry timer won the race; the watcher has been told the
		// subscription is terminated, so the refresh must not revive it.
		log.Info("refresh raced with expiry")
		m.reconcile(sub)
		return sip.NewResponse(sip.StatusCallTransactionDoesNotExist)
	}
	log.Debug("subscription refreshed", "key", sub.Key, "expires", r.expires)

	m.emit(ctx, log, events.TopicSubscriptionRefreshed, events.NewSubscriptionChanged(sub, ""))
	state := notify.Active(r.expires)
	return sip.NewResponse(sip.StatusAccepted).
		With("Expires", strconv.Itoa(r.expires)).
		Then(func() { m.notifier.Notify(ctx, sub, state) })
}

func (m *Manager) unsubscribe(ctx context.Context, log *slog.Logger, r *request, e *Entry, stored *model.Subscription) *sip.Response {
	resp := sip.NewResponse(sip.StatusAccepted).With("Expires", "0")
	if e != nil && !m.registry.Remove(r.dialogID, r.eventType, e) {
		// Expiry already sent the final NOTIFY.
		return resp
	}
	if err := m.store.RemoveSubscription(ctx, stored); err != nil {
		log.Error("remove subscription", "key", stored.Key, "error", err)
	}
	log.Info("subscription terminated by watcher", "key", stored.Key)
	m.emit(ctx, log, events.TopicSubscriptionTerminated, events.NewSubscriptionChanged(stored, "unsubscribed"))
	return resp.Then(func() { m.notifier.Notify(ctx, stored, notify.Terminated("")) })
}

// armer returns the function the registry uses to start e's expiry timer.
// Expiry runs on its own goroutine because it stops this very timer,
// which a clock that fires callbacks under its lock cannot allow.
func (m *Manager) armer(dialogID, eventType string, e *Entry, expires int) func() tstime.TimerController {
	return func() tstime.TimerController {
		return m.clock.AfterFunc(seconds(expires), func() {
			m.expiring.Add(1)
			go func() {
				defer m.expiring.Done()
				m.expire(dialogID, eventType, e)
			}()
		})
	}
}

func (m *Manager) expire(dialogID, eventType string, e *Entry) {
	if !m.registry.Remove(dialogID, eventType, e) {
		return
	}
	sub := e.Subscription
	log := m.logger.With("call_id", dialogID, "subscriber", sub.Subscriber, "resource", sub.Resource, "event", eventType)
	log.Info("subscription timed out", "key", sub.Key)
	metrics.Subscribe(TransitionExpire, 0)

	ctx := context.Background()
	m.notifier.Notify(ctx, sub, notify.Terminated("timeout"))
	m.reconcile(sub)
	m.emit(ctx, log, events.TopicSubscriptionTerminated, events.NewSubscriptionChanged(sub, "timeout"))
}

// reconcile removes sub from the store. It is a no-op when the store's own
// TTL already dropped the record.
func (m *Manager) reconcile(sub *model.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.RemoveSubscription(ctx, sub); err != nil {
		m.logger.Error("reconcile subscription", "key", sub.Key, "error", err)
	}
}

// Drop forgets the subscription's registry entry after the notifier found
// the watcher's dialog gone. The store record has already been removed.
func (m *Manager) Drop(sub *model.Subscription) {
	e, ok := m.registry.Lookup(sub.DialogID, sub.EventType)
	if !ok || e.Subscription.Key != sub.Key {
		return
	}
	if m.registry.Remove(sub.DialogID, sub.EventType, e) {
		m.logger.Info("dropped subscription with dead dialog", "key", sub.Key, "call_id", sub.DialogID)
		m.emit(context.Background(), m.logger, events.TopicSubscriptionTerminated, events.NewSubscriptionChanged(sub, "dialog-gone"))
	}
}

// Close stops every expiry timer. Store records are left to their TTL.
func (m *Manager) Close() {
	n := len(m.registry.Clear())
	m.logger.Info("subscription timers stopped", "count", n)
}

// Wait blocks until expirations already under way have finished.
func (m *Manager) Wait() {
	m.expiring.Wait()
}

func (m *Manager) emit(ctx context.Context, log *slog.Logger, topic string, ev any) {
	if err := m.publisher.Publish(ctx, topic, ev); err != nil {
		log.Warn("publish event", "topic", topic, "error", err)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
