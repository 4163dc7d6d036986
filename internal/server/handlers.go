package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/taskscope/taskscope/internal/aggregator"
	"github.com/taskscope/taskscope/internal/model"
)

// keepaliveInterval is how often an SSE comment is written on an otherwise
// idle stream so intermediaries don't kill the connection.
const keepaliveInterval = 15 * time.Second

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	dispatcher *aggregator.Dispatcher
	logger     *slog.Logger
	startedAt  time.Time
	version    string
}

// NewHandlers creates a new Handlers.
func NewHandlers(dispatcher *aggregator.Dispatcher, logger *slog.Logger, version string) *Handlers {
	return &Handlers{
		dispatcher: dispatcher,
		logger:     logger,
		startedAt:  time.Now(),
		version:    version,
	}
}

// HandleWatchTasks handles GET /v1/tasks/watch.
//
// It attaches a watch-tasks subscriber and streams its deltas as SSE
// "update" events until the client disconnects. The first delta carries
// the full current state as new.
func (h *Handlers) HandleWatchTasks(w http.ResponseWriter, r *http.Request) {
	flusher, ok := beginStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	sub := h.dispatcher.Subscribe()
	defer sub.Close()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := writeEvent(w, "update", update); err != nil {
				h.logger.Debug("server: watch-tasks write failed", "subscriber", sub.ID(), "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// HandleWatchTaskDetails handles GET /v1/tasks/{id}/details/watch.
//
// Streams SSE "details" events for one task until the task completes or
// the client disconnects. An unknown or already-completed id is a 404.
func (h *Handlers) HandleWatchTaskDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task_id", "task id must be an unsigned integer")
		return
	}

	sub, err := h.dispatcher.WatchDetails(model.TaskID(id))
	if err != nil {
		if errors.Is(err, aggregator.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, "unknown_task", fmt.Sprintf("no live task with id %d", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "failed to watch task details")
		return
	}
	defer sub.Close()

	flusher, ok := beginStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case details, ok := <-sub.Details():
			if !ok {
				return // task completed; stream ends cleanly
			}
			if err := writeEvent(w, "details", details); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"subscribers":    h.dispatcher.SubscriberCount(),
	})
}

// beginStream switches the response into SSE mode and disables the write
// deadline; without that, idle streams are killed by the server's
// WriteTimeout.
func beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	return flusher, true
}

// writeEvent writes one SSE event with a JSON payload.
func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("server: marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
