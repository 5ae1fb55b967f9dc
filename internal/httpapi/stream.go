package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/agent"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// handleStream serves the run's event log as Server-Sent Events: the retained
// backlog after ?from_seq, then live events until a terminal event closes the
// stream. Reconnecting clients pass the last seq they saw.
func (h *RunsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	fromSeq := parseFromSeq(r)

	if _, err := h.manager.GetStatus(r.Context(), runID); err != nil {
		if errors.Is(err, agent.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	events, err := h.fabric.Subscribe(r.Context(), runID, fromSeq)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("marshal stream event", "run_id", runID, "error", err)
				continue
			}
			if _, err := w.Write([]byte("id: " + strconv.FormatInt(ev.Seq, 10) + "\nevent: " + ev.Kind + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(append(b, '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func parseFromSeq(r *http.Request) int64 {
	raw := r.URL.Query().Get("from_seq")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
