package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/quill/internal/event"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and feeds the caller every event
// committed to the notebook from the moment of subscription. A
// `?since=N` query additionally replays the stored log from seq N+1
// before live events, letting clients resume without a gap: subscribe
// first, then read the backlog, and the projection's idempotent seq
// keys make any overlap harmless.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	notebookID := chi.URLParam(r, "notebookID")

	var since int64 = -1
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter", err.Error())
			return
		}
		since = parsed
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(uuid.Must(uuid.NewV7()).String(), notebookID, conn)
	h.hub.register(c)
	defer h.hub.unregister(c.id)

	if since >= 0 {
		if err := h.sendBacklog(r, conn, notebookID, since); err != nil {
			h.log.Warn("backlog send failed", "notebook", notebookID, "error", err)
			return
		}
	}

	go c.writeLoop()

	// Reads only serve to notice the peer going away; clients send
	// nothing meaningful on this socket.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) sendBacklog(r *http.Request, conn *websocket.Conn, notebookID string, since int64) error {
	records, err := h.store.ReadEvents(r.Context(), notebookID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Seq <= since {
			continue
		}
		payload, err := event.Decode(rec.Name, []byte(rec.Payload))
		if err != nil {
			// Pre-registry log rows; nothing a stream client can do
			// with them.
			continue
		}
		occurred, err := time.Parse(time.RFC3339Nano, rec.OccurredAt)
		if err != nil {
			return err
		}
		env := event.Envelope{
			ID:         rec.ID,
			NotebookID: rec.NotebookID,
			Seq:        rec.Seq,
			Name:       rec.Name,
			Actor:      rec.Actor,
			OccurredAt: occurred,
			Payload:    payload,
		}
		if err := conn.WriteJSON(env); err != nil {
			return err
		}
	}
	return nil
}
