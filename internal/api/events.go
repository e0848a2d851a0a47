package api

import (
	"log"
	"net/http"
	"time"
)

// keepAlive is how often an idle event stream sends a comment line.
var keepAlive = 15 * time.Second

// handleEvents streams session events as server-sent events, one per raw
// point plus lifecycle notifications, in publish order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, unsubscribe := s.session.Events().Subscribe()
	defer unsubscribe()

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, err := encodeEvent(e)
			if err != nil {
				log.Printf("failed to encode event %d: %v", e.Seq, err)
				continue
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
