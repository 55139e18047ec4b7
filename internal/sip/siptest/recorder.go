// Package siptest provides a recording sip.Requester for tests.
package siptest

import (
	"context"
	"sync"

	"github.com/davehorton/drachtio-simple-server/internal/sip"
)

// Recorder captures every outbound request and answers with Status, or
// with the result of Respond when set.
type Recorder struct {
	mu       sync.Mutex
	requests []*sip.OutboundRequest

	Status  int
	Respond func(req *sip.OutboundRequest) (int, error)
}

// NewRecorder returns a Recorder that answers 200.
func NewRecorder() *Recorder {
	return &Recorder{Status: sip.StatusOK}
}

func (r *Recorder) Request(_ context.Context, req *sip.OutboundRequest) (int, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	respond, status := r.Respond, r.Status
	r.mu.Unlock()

	if respond != nil {
		return respond(req)
	}
	return status, nil
}

// Requests returns a copy of the recorded requests.
func (r *Recorder) Requests() []*sip.OutboundRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*sip.OutboundRequest(nil), r.requests...)
}

// SubscriptionStates returns the Subscription-State header of every
// recorded request for callID, in send order.
func (r *Recorder) SubscriptionStates(callID string) []string {
	var out []string
	for _, req := range r.Requests() {
		if req.CallID == callID {
			out = append(out, req.Headers.Get("Subscription-State"))
		}
	}
	return out
}

// Reset forgets recorded requests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requests = nil
	r.mu.Unlock()
}
