/*
stream.go - Server-sent events change feed

PURPOSE:
  Exposes the notify.Hub subscription over HTTP so a second terminal's live
  view sees balance changes without polling. One SSE connection per
  register; delivery is best-effort, matching the hub's contract.
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tillpoint/register-engine/ledger"
)

// keepAliveInterval paces SSE comment lines so proxies don't drop the
// connection during quiet periods.
const keepAliveInterval = 15 * time.Second

// StreamEvents streams a register's change feed as server-sent events.
// GET /api/registers/{id}/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	// Reject unknown registers before holding a connection open.
	if _, err := h.Engine.Register(r.Context(), id); err != nil {
		writeLedgerError(w, "Failed to subscribe", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	events, cancel := h.Hub.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The server's global WriteTimeout arms one deadline at request start,
	// which would cut every stream after that window. Push the deadline out
	// ahead of each write instead; connections that don't support deadlines
	// (test recorders) just keep streaming.
	rc := http.NewResponseController(w)
	extend := func() {
		_ = rc.SetWriteDeadline(time.Now().Add(2 * keepAliveInterval))
	}
	extend()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(eventDTO(e))
			if err != nil {
				continue
			}
			extend()
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			extend()
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
