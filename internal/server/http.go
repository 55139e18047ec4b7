package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/sip"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

// maxRequestBody bounds a posted SIP request.
const maxRequestBody = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sip/requests", s.handleSIPRequest)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/state/{resource}/{event}", s.handleGetState)
	mux.HandleFunc("POST /v1/admin/reap", s.handleReap)
	mux.Handle("GET /metrics", promhttp.Handler())
	return RecoveryMiddleware(s.logger, AuthMiddleware(authToken, mux))
}

// WireRequest is a SIP request as posted by the engine.
type WireRequest struct {
	Method   string            `json:"method"`
	URI      string            `json:"uri"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body,omitempty"`
	InDialog bool              `json:"in_dialog,omitempty"`
	Source   string            `json:"source,omitempty"`
}

// WireResponse is the SIP response the engine should send.
type WireResponse struct {
	Status       int               `json:"status"`
	Reason       string            `json:"reason"`
	Headers      map[string]string `json:"headers,omitempty"`
	CreateDialog bool              `json:"create_dialog,omitempty"`
}

// handleSIPRequest handles POST /v1/sip/requests.
func (s *Server) handleSIPRequest(w http.ResponseWriter, r *http.Request) {
	var in WireRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	req := &sip.Request{
		Method:   in.Method,
		URI:      in.URI,
		Headers:  sip.NormalizeHeader(in.Headers),
		InDialog: in.InDialog,
		Source:   in.Source,
	}
	if in.Body != "" {
		req.Body = []byte(in.Body)
	}

	resp := s.Dispatch(r.Context(), req)
	data, err := json.Marshal(WireResponse{
		Status:       resp.Status,
		Reason:       resp.Reason,
		Headers:      resp.Headers,
		CreateDialog: resp.CreateDialog,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding response: "+err.Error())
		return
	}

	// The engine must hold the complete response, and so the dialog it
	// creates, before any NOTIFY in that dialog is sent.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write SIP response", "call_id", req.CallID(), "error", err)
	}
	if err := http.NewResponseController(w).Flush(); err != nil {
		s.logger.Debug("flush SIP response", "error", err)
	}
	resp.Sent()
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats handles GET /v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get stats: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// stateResponse is the body of GET /v1/state/{resource}/{event}.
type stateResponse struct {
	*model.EventState
	Body string `json:"body"`
}

// handleGetState handles GET /v1/state/{resource}/{event}.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	resource, event := r.PathValue("resource"), r.PathValue("event")
	st, err := s.store.GetEventState(r.Context(), resource, event)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no state for "+resource+"/"+event)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get state: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{EventState: st, Body: string(st.Content)})
}

// handleReap handles POST /v1/admin/reap.
func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "reaper not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reaped": s.sweeper.Sweep(r.Context())})
}

// RecoveryMiddleware turns a panicking handler into a 500.
func RecoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered in HTTP handler",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", fmt.Sprintf("%v", rec),
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
