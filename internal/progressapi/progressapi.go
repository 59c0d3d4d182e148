// Package progressapi implements the Progress HTTP fallback (spec.md
// §6): a narrow REST surface letting a recorder that lost its
// WebSocket connection check a stream's status or request a stop,
// without requiring a live WebSocket.
package progressapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamforge/internal/events"
	"streamforge/internal/ingestgw"
	"streamforge/internal/observability/metrics"
)

// Config configures a Handler.
type Config struct {
	Gateway *ingestgw.Gateway
	// Token, if non-empty, is the bearer token every request must
	// present. Empty disables authentication, matching spec.md's
	// Non-goal of not building a general auth layer.
	Token   string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Handler serves the Progress HTTP fallback routes.
type Handler struct {
	gateway *ingestgw.Gateway
	token   string
	logger  *slog.Logger
}

// NewHandler builds an http.Handler mounting the fallback's routes
// under "/v1/streams/{streamId}".
func NewHandler(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{gateway: cfg.Gateway, token: cfg.Token, logger: logger}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(cfg.Metrics, next)
	})
	r.Use(h.authenticate)
	r.Route("/v1/streams/{streamId}", func(r chi.Router) {
		r.Get("/", h.getStatus)
		r.Post("/stop", h.postStop)
	})
	return r
}

// authenticate enforces the bearer token, when one is configured, with
// a constant-time comparison to avoid leaking it through timing.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			h.unauthorized(w, r)
			return
		}
		token := strings.TrimSpace(header[len(prefix):])
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("unauthorized progress API request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "a valid bearer token is required")
}

type streamAttributes struct {
	StreamID     string `json:"streamId"`
	Status       string `json:"status"`
	ChunkCount   int64  `json:"chunkCount"`
	SegmentCount int64  `json:"segmentCount"`
	TotalBytes   int64  `json:"totalBytes"`
}

// getStatus answers GET /v1/streams/{streamId} with the stream's
// durable state, read straight from the broker.
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamId")
	snap, err := h.gateway.StreamStatus(r.Context(), streamID)
	if err != nil {
		h.logger.Warn("stream status lookup failed", "streamId", streamID, "error", err)
		writeError(w, http.StatusNotFound, "stream_not_found", "Stream not found", fmt.Sprintf("no stream with id %q", streamID))
		return
	}
	writeData(w, http.StatusOK, "ok", "Stream status", streamAttributes{
		StreamID:     snap.StreamID,
		Status:       snap.Status,
		ChunkCount:   snap.ChunkCount,
		SegmentCount: snap.SegmentCount,
		TotalBytes:   snap.TotalBytes,
	})
}

type stopRequest struct {
	Duration           int64                    `json:"duration"`
	PauseCount         int                      `json:"pauseCount"`
	PauseDurationTotal int64                    `json:"pauseDurationTotal"`
	PauseEvents        []events.PauseEventEntry `json:"pauseEvents,omitempty"`
}

// postStop answers POST /v1/streams/{streamId}/stop, triggering the
// same stop transition a WebSocket "stop" frame would, for a recorder
// that can no longer reach its WebSocket connection.
func (h *Handler) postStop(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamId")

	var body stopRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed_body", "Malformed request body", err.Error())
			return
		}
	}

	stop := events.StreamStopEvent{
		Duration:           body.Duration,
		PauseCount:         body.PauseCount,
		PauseDurationTotal: body.PauseDurationTotal,
		PauseEvents:        body.PauseEvents,
	}
	if err := h.gateway.StopStream(r.Context(), streamID, stop, nil); err != nil {
		h.logger.Warn("stop via progress API failed", "streamId", streamID, "error", err)
		writeError(w, http.StatusNotFound, "stream_not_found", "Stream not found", fmt.Sprintf("no stream with id %q", streamID))
		return
	}
	writeData(w, http.StatusOK, "ok", "Stream stop accepted", streamAttributes{StreamID: streamID, Status: "Ending"})
}

// envelope is the Progress HTTP fallback's response shape (spec.md
// §6): every response, success or error, carries status/code/title,
// with detail filled in for errors and data filled in for successes.
type envelope struct {
	Status int         `json:"status"`
	Code   string      `json:"code"`
	Title  string      `json:"title"`
	Detail string      `json:"detail,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

func writeData(w http.ResponseWriter, status int, code, title string, data interface{}) {
	writeEnvelope(w, envelope{Status: status, Code: code, Title: title, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, title, detail string) {
	writeEnvelope(w, envelope{Status: status, Code: code, Title: title, Detail: detail})
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Status)
	_ = json.NewEncoder(w).Encode(env)
}
