// Package notify delivers NOTIFY requests to subscribers and drops
// subscriptions whose dialogs turn out to be gone.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/metrics"
	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/sip"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

// DefaultTimeout bounds a single NOTIFY transaction.
const DefaultTimeout = 32 * time.Second

// Defaults for the NOTIFY that opens a dialog: the engine may still be
// creating the dialog from the 202 when it arrives.
const (
	DefaultNewDialogAttempts = 5
	DefaultNewDialogBackoff  = 50 * time.Millisecond
)

// Active renders the Subscription-State for a live subscription.
func Active(expires int) string {
	return fmt.Sprintf("active;expires=%d", expires)
}

// Terminated renders the Subscription-State for an ended subscription.
// reason may be empty.
func Terminated(reason string) string {
	if reason == "" {
		return "terminated"
	}
	return "terminated;reason=" + reason
}

// Options configures a Notifier.
type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger

	// NewDialogAttempts bounds how often NotifyNewDialog sends while the
	// engine reports the dialog unknown. The wait between attempts starts
	// at NewDialogBackoff and doubles.
	NewDialogAttempts int
	NewDialogBackoff  time.Duration

	// OnGone is called after a subscription was removed because its
	// watcher's dialog no longer exists.
	OnGone func(sub *model.Subscription)
}

// Notifier sends NOTIFYs on their own goroutines, detached from the
// context of the request that triggered them.
type Notifier struct {
	store     store.Store
	requester sip.Requester
	timeout   time.Duration
	attempts  int
	backoff   time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	onGone func(*model.Subscription)

	wg sync.WaitGroup
}

// New creates a Notifier sending through requester.
func New(st store.Store, requester sip.Requester, opts Options) *Notifier {
	n := &Notifier{
		store:     st,
		requester: requester,
		timeout:   opts.Timeout,
		attempts:  opts.NewDialogAttempts,
		backoff:   opts.NewDialogBackoff,
		logger:    opts.Logger,
		onGone:    opts.OnGone,
	}
	if n.timeout <= 0 {
		n.timeout = DefaultTimeout
	}
	if n.attempts <= 0 {
		n.attempts = DefaultNewDialogAttempts
	}
	if n.backoff <= 0 {
		n.backoff = DefaultNewDialogBackoff
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With("component", "notify")
	return n
}

// SetOnGone replaces the stale-subscription hook.
func (n *Notifier) SetOnGone(fn func(*model.Subscription)) {
	n.mu.Lock()
	n.onGone = fn
	n.mu.Unlock()
}

// Fanout sends state to every subscriber of (resource, eventType). It
// returns once all sends have been started. A nil state sends body-less
// NOTIFYs.
func (n *Notifier) Fanout(ctx context.Context, resource, eventType string, state *model.EventState) error {
	subs, err := n.store.FindSubscriptions(ctx, resource, eventType)
	if err != nil {
		return fmt.Errorf("find subscriptions for %s/%s: %w", resource, eventType, err)
	}
	if len(subs) == 0 {
		n.logger.Debug("no subscribers", "resource", resource, "event", eventType)
		return nil
	}

	n.logger.Debug("fanout", "resource", resource, "event", eventType, "subscribers", len(subs))
	for _, sub := range subs {
		n.dispatch(ctx, sub, Active(Remaining(sub)), state, false, 1)
	}
	return nil
}

// Remaining returns the whole seconds left before sub expires, never
// negative. Stores stamp ExpiresAt from the wall clock, so it is measured
// against the wall clock too.
func Remaining(sub *model.Subscription) int {
	return max(int(time.Until(sub.ExpiresAt)/time.Second), 0)
}

// Notify sends one NOTIFY to sub. Unless subState is terminated, the
// current event state for the subscription is loaded and attached.
func (n *Notifier) Notify(ctx context.Context, sub *model.Subscription, subState string) {
	n.dispatch(ctx, sub, subState, nil, true, 1)
}

// NotifyNewDialog is Notify for the first NOTIFY of a dialog. While the
// engine answers that the dialog does not exist yet, the NOTIFY is resent
// with exponential backoff; only when attempts run out is the
// subscription dropped.
func (n *Notifier) NotifyNewDialog(ctx context.Context, sub *model.Subscription, subState string) {
	n.dispatch(ctx, sub, subState, nil, true, n.attempts)
}

// Wait blocks until every NOTIFY started so far has completed.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) dispatch(ctx context.Context, sub *model.Subscription, subState string, state *model.EventState, load bool, attempts int) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		if load && !isTerminated(subState) {
			st, err := n.store.GetEventState(ctx, sub.Resource, sub.EventType)
			switch {
			case err == nil:
				state = st
			case !errors.Is(err, store.ErrNotFound):
				n.logger.Error("load event state for notify", "resource", sub.Resource, "event", sub.EventType, "error", err)
			}
		}
		n.send(ctx, sub, subState, state, attempts)
	}()
}

func (n *Notifier) send(ctx context.Context, sub *model.Subscription, subState string, state *model.EventState, attempts int) {
	req := Build(sub, subState, state)
	log := n.logger.With("call_id", sub.DialogID, "subscriber", sub.Subscriber, "resource", sub.Resource, "event", sub.EventType)

	wait := n.backoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		status, err := n.requester.Request(ctx, req)
		elapsed := time.Since(start).Seconds()

		if attempt < attempts && sip.IsDialogGone(status, err) {
			metrics.Notify("retry", elapsed)
			log.Debug("dialog not ready, retrying notify", "attempt", attempt, "status", status, "error", err)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				log.Warn("notify abandoned", "error", ctx.Err())
				return
			case <-timer.C:
			}
			wait *= 2
			continue
		}
		n.settle(ctx, log, sub, subState, status, err, elapsed)
		return
	}
}

// settle records the final outcome of a NOTIFY.
func (n *Notifier) settle(ctx context.Context, log *slog.Logger, sub *model.Subscription, subState string, status int, err error, elapsed float64) {
	switch {
	case sip.IsDialogGone(status, err):
		metrics.Notify("gone", elapsed)
		log.Info("dialog gone, removing subscription", "status", status, "error", err)
		n.drop(ctx, sub)
	case err != nil:
		metrics.Notify("error", elapsed)
		log.Warn("notify failed", "error", err)
	case status >= 300:
		metrics.Notify("rejected", elapsed)
		log.Warn("notify rejected", "status", status)
	default:
		metrics.Notify("ok", elapsed)
		log.Debug("notify sent", "status", status, "subscription_state", subState)
	}
}

func (n *Notifier) drop(ctx context.Context, sub *model.Subscription) {
	if err := n.store.RemoveSubscription(ctx, sub); err != nil {
		n.logger.Error("remove stale subscription", "key", sub.Key, "error", err)
		return
	}
	metrics.StaleSubscriptionRemoved()

	n.mu.RLock()
	fn := n.onGone
	n.mu.RUnlock()
	if fn != nil {
		fn(sub)
	}
}

// Build assembles the NOTIFY for sub. The body is attached only for a
// non-terminated subscription whose Accept admits the state's type.
func Build(sub *model.Subscription, subState string, state *model.EventState) *sip.OutboundRequest {
	event := sub.EventType
	if sub.ID != "" {
		event += ";id=" + sub.ID
	}
	req := &sip.OutboundRequest{
		Method:  sip.MethodNotify,
		CallID:  sub.DialogID,
		Headers: sip.Header{},
	}
	req.Headers.Set("Call-ID", sub.DialogID)
	req.Headers.Set("Event", event)
	req.Headers.Set("Subscription-State", subState)

	if !isTerminated(subState) && state.HasContent() && sub.Accepts(state.ContentType) {
		req.Headers.Set("Content-Type", state.ContentType)
		req.Body = state.Content
	}
	return req
}

func isTerminated(subState string) bool {
	return strings.HasPrefix(subState, "terminated")
}
