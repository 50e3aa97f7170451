package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asheshgoplani/shellpulse/internal/logging"
)

var statusEventsHeartbeatInterval = 15 * time.Second

// handleStatusEvents streams a "snapshot" event with every session, then
// one "state" event per state change.
func (s *Server) handleStatusEvents(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	// Subscribe before the snapshot so no change falls between the two.
	changes, unsubscribe := s.backend.Subscribe(128)
	defer unsubscribe()

	snap, err := s.backend.Snapshot(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(w, flusher, "snapshot", sessionsResponse{Sessions: snap}); err != nil {
		return
	}

	heartbeat := time.NewTicker(statusEventsHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, "state", ev); err != nil {
				return
			}
			logging.Aggregate(logging.CompWeb, "sse_state_sent")
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
