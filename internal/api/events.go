package api

import (
	"log/slog"
	"net/http"
)

// events streams every state snapshot as one JSON object per line until
// the client goes away or the controller shuts down.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	states, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if err := encodeJSON(w, state); err != nil {
				slog.Debug("[API] event stream closed", "error", err)
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
