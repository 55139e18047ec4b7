package subscription

import (
	"sync"

	"tailscale.com/tstime"

	"github.com/davehorton/drachtio-simple-server/internal/metrics"
	"github.com/davehorton/drachtio-simple-server/internal/model"
)

// Entry is the in-process bookkeeping for one subscription: the record it
// was granted with and the timer that will expire it.
type Entry struct {
	Subscription *model.Subscription
	timer        tstime.TimerController
}

// Registry tracks active subscriptions per dialog and event package. A
// dialog's map exists only while it holds at least one entry, so an entry
// never outlives its dialog's bookkeeping.
//
// Timers are armed and stopped under the registry lock. A firing timer
// must win Remove for its own entry before it may emit anything; once a
// refresh or unsubscribe has replaced or removed the entry, the timer is
// a no-op.
type Registry struct {
	mu      sync.Mutex
	dialogs map[string]map[string]*Entry
	count   int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dialogs: make(map[string]map[string]*Entry)}
}

// Insert stores e for (dialogID, eventType) and arms its timer. An entry
// already there is displaced: its timer is stopped and it is returned so
// the caller can release its store record.
func (r *Registry) Insert(dialogID, eventType string, e *Entry, arm func() tstime.TimerController) (displaced *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.dialogs[dialogID]
	if events == nil {
		events = make(map[string]*Entry)
		r.dialogs[dialogID] = events
	}
	if prev, ok := events[eventType]; ok {
		r.stopLocked(prev)
		r.count--
		displaced = prev
	}
	events[eventType] = e
	r.count++
	r.armLocked(e, arm)
	return displaced
}

// Lookup returns the entry for (dialogID, eventType).
func (r *Registry) Lookup(dialogID, eventType string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.dialogs[dialogID][eventType]
	return e, ok
}

// HasDialog reports whether any subscription is active in dialogID.
func (r *Registry) HasDialog(dialogID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dialogs[dialogID]
	return ok
}

// Replace swaps old for next if old is still current, stopping old's timer
// and arming next's. It reports false when old was already removed.
func (r *Registry) Replace(dialogID, eventType string, old, next *Entry, arm func() tstime.TimerController) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.dialogs[dialogID]
	if events == nil || events[eventType] != old {
		return false
	}
	r.stopLocked(old)
	events[eventType] = next
	r.armLocked(next, arm)
	return true
}

// Remove deletes e if it is still the current entry for (dialogID,
// eventType) and stops its timer. It reports whether e was removed.
func (r *Registry) Remove(dialogID, eventType string, e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.dialogs[dialogID]
	if events == nil || events[eventType] != e {
		return false
	}
	r.stopLocked(e)
	delete(events, eventType)
	if len(events) == 0 {
		delete(r.dialogs, dialogID)
	}
	r.count--
	return true
}

// Dialogs returns the number of dialogs with at least one subscription.
func (r *Registry) Dialogs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dialogs)
}

// Len returns the number of entries across all dialogs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Clear stops every timer and empties the registry, returning the entries
// that were active.
func (r *Registry) Clear() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for _, events := range r.dialogs {
		for _, e := range events {
			r.stopLocked(e)
			out = append(out, e)
		}
	}
	r.dialogs = make(map[string]map[string]*Entry)
	r.count = 0
	return out
}

func (r *Registry) armLocked(e *Entry, arm func() tstime.TimerController) {
	if arm == nil {
		return
	}
	e.timer = arm()
	metrics.TimerArmed()
}

func (r *Registry) stopLocked(e *Entry) {
	if e.timer == nil {
		return
	}
	e.timer.Stop()
	e.timer = nil
	metrics.TimerReleased()
}
