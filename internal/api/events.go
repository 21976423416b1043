package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/packline/orderscale/internal/monitoring"
)

// streamEvents serves confirmed weight changes and polling-mode transitions
// as server-sent events. Events the client is too slow to drain are dropped
// by the engine rather than backing up the acquisition loop.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	weightID, weights := s.engine.SubscribeWeight()
	defer s.engine.Unsubscribe(weightID)
	modeID, modes := s.engine.SubscribeMode()
	defer s.engine.Unsubscribe(modeID)

	// Initial ping to establish the stream.
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-weights:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				monitoring.Logf("api: marshal weight event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: weight\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()

		case mode, ok := <-modes:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: mode\ndata: {\"mode\":%q}\n\n", mode); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
