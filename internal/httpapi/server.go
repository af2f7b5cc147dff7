package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/models"
	"github.com/amtsauskunft/orchestrator/internal/pipeline"
)

// Handler frames the core's two callables over HTTP: a synchronous query
// endpoint and SSE/WebSocket streaming of progress events. Legacy key
// aliasing happens here, never in the core.
type Handler struct {
	controller *pipeline.Controller
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHandler builds the adapter.
func NewHandler(controller *pipeline.Controller, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		controller: controller,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/query", h.handleQuery)
	mux.HandleFunc("/stream/sse", h.handleSSE)
	mux.HandleFunc("/stream/ws", h.handleWS)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

type queryRequest struct {
	Text          string               `json:"text"`
	Query         string               `json:"query"` // legacy alias for text
	Locale        string               `json:"locale"`
	SessionID     string               `json:"session_id"`
	CallerOptions models.CallerOptions `json:"caller_options"`
}

// queryResponse wraps the canonical shape plus the legacy response_text
// alias some older clients still read.
type queryResponse struct {
	models.SynthesizedResponse
	ResponseText string `json:"response_text"`
}

// handleQuery runs the pipeline synchronously.
// POST /query
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	text := req.Text
	if text == "" {
		text = req.Query
	}
	if text == "" {
		http.Error(w, `{"error":"text required"}`, http.StatusBadRequest)
		return
	}

	resp, err := h.controller.Run(r.Context(), models.Query{
		Text:          text,
		Locale:        req.Locale,
		SessionID:     req.SessionID,
		CallerOptions: req.CallerOptions,
	})
	if err != nil {
		status := http.StatusBadGateway
		if models.KindOf(err) == models.KindCancelled {
			status = 499 // client closed request
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": err.Error(),
			"kind":  string(models.KindOf(err)),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(queryResponse{
		SynthesizedResponse: *resp,
		ResponseText:        resp.AnswerText,
	})
}

// handleSSE streams progress events via Server-Sent Events.
// GET /stream/sse?session_id=<id>&last_event_id=<n>
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}
	since := parseLastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, ": connected to session %s\n\n", sessionID)
	flusher.Flush()

	events, cancel := h.controller.Subscribe(sessionID, since)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.EventID, evt.Kind, data)
			flusher.Flush()
			if evt.Kind == models.EventPipelineDone {
				return
			}
		}
	}
}

// handleWS streams progress events over a WebSocket.
// GET /stream/ws?session_id=<id>&last_event_id=<n>
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}
	since := parseLastEventID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := h.controller.Subscribe(sessionID, since)
	defer cancel()

	for evt := range events {
		if err := conn.WriteJSON(evt); err != nil {
			h.logger.Debug("WebSocket write failed; closing",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if evt.Kind == models.EventPipelineDone {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pipeline done"))
			return
		}
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func parseLastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
