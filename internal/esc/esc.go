// Package esc implements the Event State Compositor: it classifies PUBLISH
// requests and applies them to the event state store.
package esc

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/events"
	"github.com/davehorton/drachtio-simple-server/internal/metrics"
	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/sip"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

// Action is the classified intent of a PUBLISH.
type Action string

const (
	ActionInitial Action = "initial"
	ActionModify  Action = "modify"
	ActionRefresh Action = "refresh"
	ActionRemove  Action = "remove"
	ActionInvalid Action = "invalid"
)

// Classify maps the three PUBLISH signals onto an action. expires is only
// meaningful when expiresPresent is true.
func Classify(hasContent, hasIfMatch, expiresPresent bool, expires int) Action {
	switch {
	case hasContent && !hasIfMatch:
		if !expiresPresent || expires == 0 {
			return ActionInvalid
		}
		return ActionInitial
	case hasContent && hasIfMatch:
		if !expiresPresent || expires == 0 {
			return ActionInvalid
		}
		return ActionModify
	case hasIfMatch && expiresPresent && expires == 0:
		return ActionRemove
	case hasIfMatch:
		return ActionRefresh
	}
	return ActionInvalid
}

// Notifier fans state changes out to subscribers.
type Notifier interface {
	Fanout(ctx context.Context, resource, eventType string, state *model.EventState) error
}

// Options configures a Handler.
type Options struct {
	SupportedEvents []string
	Expires         model.ExpiresPolicy
	Resolver        sip.Resolver

	// NotifyOnRemove sends a body-less NOTIFY to watchers when a
	// publication is explicitly removed.
	NotifyOnRemove bool

	Publisher events.Publisher
	Logger    *slog.Logger
}

// Handler handles PUBLISH requests.
type Handler struct {
	store     store.Store
	notifier  Notifier
	supported map[string]bool
	expires   model.ExpiresPolicy
	resolver  sip.Resolver
	onRemove  bool
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a Handler.
func New(st store.Store, notifier Notifier, opts Options) *Handler {
	h := &Handler{
		store:     st,
		notifier:  notifier,
		supported: make(map[string]bool, len(opts.SupportedEvents)),
		expires:   opts.Expires,
		resolver:  opts.Resolver,
		onRemove:  opts.NotifyOnRemove,
		publisher: opts.Publisher,
		logger:    opts.Logger,
	}
	for _, ev := range opts.SupportedEvents {
		h.supported[ev] = true
	}
	if h.publisher == nil {
		h.publisher = events.NoopPublisher{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "esc")
	return h
}

// publication is a validated PUBLISH.
type publication struct {
	resource    string
	eventType   string
	ifMatch     string
	expires     int
	contentType string
	content     []byte
	callID      string
}

// HandlePublish validates, classifies and executes one PUBLISH.
func (h *Handler) HandlePublish(ctx context.Context, req *sip.Request) *sip.Response {
	action, resp := h.handle(ctx, req)
	metrics.Publish(string(action), resp.Status)
	return resp
}

func (h *Handler) handle(ctx context.Context, req *sip.Request) (Action, *sip.Response) {
	log := h.logger.With("call_id", req.CallID(), "source", req.Source)

	eventType, _, ok := req.Event()
	if !ok {
		log.Info("PUBLISH missing Event header")
		return ActionInvalid, sip.NewResponse(sip.StatusBadRequest)
	}
	if !h.supported[eventType] {
		log.Info("PUBLISH for unsupported event", "event", eventType)
		return ActionInvalid, sip.NewResponse(sip.StatusBadEvent)
	}

	raw, present, err := req.Expires()
	if err != nil {
		log.Info("PUBLISH with malformed Expires", "error", err)
		return ActionInvalid, sip.NewResponse(sip.StatusBadRequest)
	}
	expires, err := h.expires.Resolve(raw, present)
	if err != nil {
		var tb *model.IntervalTooBriefError
		if errors.As(err, &tb) {
			return ActionInvalid, sip.NewResponse(sip.StatusIntervalTooBrief).
				With("Min-Expires", strconv.Itoa(tb.Min))
		}
		return ActionInvalid, sip.NewResponse(sip.StatusBadRequest)
	}

	action := Classify(req.HasContent(), req.IfMatch() != "", present, raw)
	if action == ActionInvalid {
		log.Info("malformed PUBLISH", "has_content", req.HasContent(), "has_if_match", req.IfMatch() != "", "expires_present", present)
		return action, sip.NewResponse(sip.StatusBadRequest)
	}

	resource, err := h.resolveResource(req)
	if err != nil {
		log.Info("PUBLISH with unparseable target", "uri", req.URI, "error", err)
		return ActionInvalid, sip.NewResponse(sip.StatusBadRequest)
	}

	p := &publication{
		resource:    resource,
		eventType:   eventType,
		ifMatch:     req.IfMatch(),
		expires:     expires,
		contentType: req.ContentType(),
		content:     req.Body,
		callID:      req.CallID(),
	}
	log = log.With("action", action, "resource", resource, "event", eventType)

	switch action {
	case ActionInitial:
		return action, h.initial(ctx, log, p)
	case ActionModify:
		return action, h.modify(ctx, log, p)
	case ActionRefresh:
		return action, h.refresh(ctx, log, p)
	default:
		return action, h.remove(ctx, log, p)
	}
}

func (h *Handler) resolveResource(req *sip.Request) (string, error) {
	if req.URI != "" {
		return h.resolver.AOR(req.URI)
	}
	return h.resolver.AOR(req.To())
}

func (h *Handler) initial(ctx context.Context, log *slog.Logger, p *publication) *sip.Response {
	st, err := h.store.PutEventState(ctx, p.resource, p.eventType, seconds(p.expires), p.contentType, p.content)
	if err != nil {
		log.Error("store event state", "error", err)
		return sip.NewResponse(sip.StatusTemporarilyUnavailable)
	}
	log.Info("event state published", "etag", st.ETag, "expires", p.expires)

	h.emit(ctx, log, events.TopicStatePublished, events.NewStateChanged(st, p.expires))
	h.fanout(ctx, log, p, st)
	return ok(st.ETag, p.expires)
}

func (h *Handler) modify(ctx context.Context, log *slog.Logger, p *publication) *sip.Response {
	prior, resp := h.lookup(ctx, log, p)
	if resp != nil {
		return resp
	}
	if prior.EventType != p.eventType || prior.Resource != p.resource {
		log.Info("SIP-If-Match names state of another resource or event",
			"state_resource", prior.Resource, "state_event", prior.EventType)
		return sip.NewResponse(sip.StatusConditionalRequestFailed)
	}

	etag, err := h.store.ModifyEventState(ctx, prior, seconds(p.expires), p.contentType, p.content)
	if resp := h.rotateFailed(log, err); resp != nil {
		return resp
	}
	log.Info("event state modified", "etag", etag, "previous_etag", prior.ETag, "expires", p.expires)

	st := &model.EventState{
		Resource:    prior.Resource,
		EventType:   prior.EventType,
		ETag:        etag,
		ContentType: p.contentType,
		Content:     p.content,
	}
	h.emit(ctx, log, events.TopicStateModified, events.NewStateChanged(st, p.expires))
	h.fanout(ctx, log, p, st)
	return ok(etag, p.expires)
}

func (h *Handler) refresh(ctx context.Context, log *slog.Logger, p *publication) *sip.Response {
	prior, resp := h.lookup(ctx, log, p)
	if resp != nil {
		return resp
	}

	etag, err := h.store.RefreshEventState(ctx, prior, seconds(p.expires))
	if resp := h.rotateFailed(log, err); resp != nil {
		return resp
	}
	log.Debug("event state refreshed", "etag", etag, "expires", p.expires)

	prior.ETag = etag
	h.emit(ctx, log, events.TopicStateRefreshed, events.NewStateChanged(prior, p.expires))
	return ok(etag, p.expires)
}

func (h *Handler) remove(ctx context.Context, log *slog.Logger, p *publication) *sip.Response {
	resource, err := h.store.RemoveEventState(ctx, p.ifMatch)
	switch {
	case store.IsAbsent(err):
		log.Info("remove for unknown etag", "etag", p.ifMatch)
		return sip.NewResponse(sip.StatusConditionalRequestFailed)
	case err != nil:
		log.Error("remove event state", "error", err)
		return sip.NewResponse(sip.StatusServerInternalError)
	}
	log.Info("event state removed", "etag", p.ifMatch)

	h.emit(ctx, log, events.TopicStateRemoved, events.StateChanged{
		Resource: resource,
		Event:    p.eventType,
		ETag:     p.ifMatch,
		At:       time.Now().UTC(),
	})
	if h.onRemove {
		if err := h.notifier.Fanout(ctx, resource, p.eventType, nil); err != nil {
			log.Error("fanout after remove", "error", err)
		}
	}
	return sip.NewResponse(sip.StatusOK).With("Expires", "0")
}

// lookup resolves SIP-If-Match, returning a response when the request
// cannot proceed.
func (h *Handler) lookup(ctx context.Context, log *slog.Logger, p *publication) (*model.EventState, *sip.Response) {
	prior, err := h.store.GetEventStateByETag(ctx, p.ifMatch)
	switch {
	case store.IsAbsent(err):
		log.Info("SIP-If-Match names no current state", "etag", p.ifMatch)
		return nil, sip.NewResponse(sip.StatusConditionalRequestFailed)
	case err != nil:
		log.Error("look up event state by etag", "etag", p.ifMatch, "error", err)
		return nil, sip.NewResponse(sip.StatusServerInternalError)
	}
	return prior, nil
}

// rotateFailed maps a refresh or modify error. A concurrent request that
// rotated the etag first makes this one lose with 412.
func (h *Handler) rotateFailed(log *slog.Logger, err error) *sip.Response {
	switch {
	case err == nil:
		return nil
	case store.IsAbsent(err):
		log.Info("etag rotated concurrently", "etag_error", err)
		return sip.NewResponse(sip.StatusConditionalRequestFailed)
	default:
		log.Error("rotate event state", "error", err)
		return sip.NewResponse(sip.StatusServerInternalError)
	}
}

func (h *Handler) fanout(ctx context.Context, log *slog.Logger, p *publication, st *model.EventState) {
	if err := h.notifier.Fanout(ctx, p.resource, p.eventType, st); err != nil {
		log.Error("fanout", "error", err)
	}
}

func (h *Handler) emit(ctx context.Context, log *slog.Logger, topic string, ev any) {
	if err := h.publisher.Publish(ctx, topic, ev); err != nil {
		log.Warn("publish event", "topic", topic, "error", err)
	}
}

func ok(etag string, expires int) *sip.Response {
	return sip.NewResponse(sip.StatusOK).
		With("SIP-ETag", etag).
		With("Expires", strconv.Itoa(expires))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
