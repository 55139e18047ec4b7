// Package server exposes the presence agent to the SIP engine and to
// operators: the engine posts parsed SIP requests over HTTP, and a small
// admin API reports store statistics and triggers maintenance.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/davehorton/drachtio-simple-server/internal/sip"
	"github.com/davehorton/drachtio-simple-server/internal/store"
	"github.com/davehorton/drachtio-simple-server/internal/subscription"
)

// handledMethods lists every method the server can serve, in the order
// they are advertised in Allow.
var handledMethods = []string{sip.MethodPublish, sip.MethodSubscribe, sip.MethodOptions}

// ErrUnknownMethod is returned by EnabledMethods for a method the server
// cannot handle.
var ErrUnknownMethod = errors.New("unknown SIP method")

// EnabledMethods validates a configured method list and returns the
// methods to serve in Allow order. An empty list enables everything.
// OPTIONS is always answered.
func EnabledMethods(names []string) ([]string, error) {
	for _, name := range names {
		if !slices.Contains(handledMethods, canonicalMethod(name)) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
		}
	}
	return enabledMethods(names), nil
}

func enabledMethods(names []string) []string {
	if len(names) == 0 {
		return slices.Clone(handledMethods)
	}
	var out []string
	for _, m := range handledMethods {
		if m == sip.MethodOptions || slices.ContainsFunc(names, func(n string) bool { return canonicalMethod(n) == m }) {
			out = append(out, m)
		}
	}
	return out
}

func canonicalMethod(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// PublishHandler handles PUBLISH requests.
type PublishHandler interface {
	HandlePublish(ctx context.Context, req *sip.Request) *sip.Response
}

// SubscribeHandler handles SUBSCRIBE requests.
type SubscribeHandler interface {
	HandleSubscribe(ctx context.Context, req *sip.Request) *sip.Response
	Registry() *subscription.Registry
}

// Sweeper runs one reap of expired state.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// Options configures a Server.
type Options struct {
	SupportedEvents []string

	// Methods limits which SIP methods are served; others get 405. Empty
	// means all of them.
	Methods []string

	Sweeper Sweeper
	Logger  *slog.Logger
}

// Server routes SIP requests to the compositor and the subscription
// manager, and serves the admin API.
type Server struct {
	store     store.Store
	publish   PublishHandler
	subscribe SubscribeHandler
	sweeper   Sweeper
	events    []string
	methods   []string
	logger    *slog.Logger
}

// New returns a Server. Unknown entries in opts.Methods are ignored; use
// EnabledMethods to validate configuration first.
func New(st store.Store, publish PublishHandler, subscribe SubscribeHandler, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     st,
		publish:   publish,
		subscribe: subscribe,
		sweeper:   opts.Sweeper,
		events:    opts.SupportedEvents,
		methods:   enabledMethods(opts.Methods),
		logger:    logger.With("component", "server"),
	}
}

// Dispatch routes one SIP request by method.
func (s *Server) Dispatch(ctx context.Context, req *sip.Request) *sip.Response {
	method := canonicalMethod(req.Method)
	if !slices.Contains(s.methods, method) {
		s.logger.Info("method not allowed", "method", req.Method, "call_id", req.CallID())
		return sip.NewResponse(sip.StatusMethodNotAllowed).
			With("Allow", strings.Join(s.methods, ", "))
	}
	switch method {
	case sip.MethodPublish:
		return s.publish.HandlePublish(ctx, req)
	case sip.MethodSubscribe:
		return s.subscribe.HandleSubscribe(ctx, req)
	default:
		return sip.NewResponse(sip.StatusOK).
			With("Allow", strings.Join(s.methods, ", ")).
			With("Allow-Events", strings.Join(s.events, ","))
	}
}

// Stats is the body of GET /v1/stats.
type Stats struct {
	ETags         int `json:"etags"`
	Subscriptions int `json:"subscriptions"`
	Dialogs       int `json:"dialogs"`
	Timers        int `json:"timers"`
}

// Stats gathers store and registry counts.
func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	etags, err := s.store.CountETags(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := s.store.CountSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	reg := s.subscribe.Registry()
	return &Stats{
		ETags:         etags,
		Subscriptions: subs,
		Dialogs:       reg.Dialogs(),
		Timers:        reg.Len(),
	}, nil
}
