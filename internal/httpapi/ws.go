package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/agentd/internal/agent"
)

// wsWriteTimeout bounds a single frame write to a slow client.
const wsWriteTimeout = 10 * time.Second

// handleWS serves the same replay-then-live event stream as SSE over a
// WebSocket. The connection closes after the terminal event; the client is
// not expected to send anything.
func (h *RunsHandler) handleWS(w http.ResponseWriter, r *http.Request) {
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

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The API authenticates with the bearer token, not the Origin header.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept", "run_id", runID, "error", err)
		return
	}

	// The client only listens; CloseRead reaps the connection if it goes away.
	ctx := conn.CloseRead(r.Context())

	events, err := h.fabric.Subscribe(ctx, runID, fromSeq)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return
		}
	}
}
