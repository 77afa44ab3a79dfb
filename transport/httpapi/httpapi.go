// Package httpapi serves the HTTP variant of the tool surface: a JSON
// tool-call endpoint plus a Server-Sent Events stream per job for progress
// following with Last-Event-ID reconnect support.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/researchmcp/orchestrator/internal/errkind"
	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/transport"
)

// Handler serves the HTTP tool surface.
type Handler struct {
	router *transport.Router
	logger telemetry.Logger
	// heartbeatInterval paces SSE keep-alive comments so intermediaries
	// don't reap idle streams.
	heartbeatInterval time.Duration
}

// New constructs a Handler around router.
func New(router *transport.Router, logger telemetry.Logger) *Handler {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Handler{
		router:            router,
		logger:            logger,
		heartbeatInterval: 15 * time.Second,
	}
}

// Mux returns the route table: POST /tools/call, GET /events/{job_id},
// GET /healthz.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tools/call", h.handleToolCall)
	mux.HandleFunc("GET /events/{job_id}", h.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type toolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: string(errkind.InvalidParams)})
		return
	}
	result, err := h.router.CallTool(r.Context(), req.Name, req.Arguments)
	if err != nil {
		kind := errkind.Classify(err)
		writeJSON(w, statusFor(kind), errorBody{Error: err.Error(), Kind: string(kind)})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.InvalidParams:
		return http.StatusBadRequest
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.Unauthorized:
		return http.StatusUnauthorized
	case errkind.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleEvents streams a job's events as SSE frames. The replay cursor
// comes from the Last-Event-ID header (set by browsers on reconnect) or a
// since_event_id query parameter; the stream ends after the terminal event.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if jobID == "" {
		http.Error(w, `{"error":"job id required"}`, http.StatusBadRequest)
		return
	}

	since := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	} else if v := r.URL.Query().Get("since_event_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	sub, ch, err := h.router.Bus.Subscribe(r.Context(), jobID, since)
	if err != nil {
		http.Error(w, `{"error":"subscribe failed"}`, http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				// Disconnected for falling behind; the client reconnects
				// with Last-Event-ID to resume from durable history.
				return
			}
			frame := transport.ToWire(e)
			data, err := json.Marshal(frame)
			if err != nil {
				h.logger.Warn(context.Background(), "httpapi: marshal event", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", frame.EventID, frame.Type, data)
			flusher.Flush()
			if e.Type.IsTerminal() {
				return
			}
		}
	}
}
