package kernel

import (
	"fmt"
	"net/http"

	"github.com/manthysbr/quickloan-kb/internal/core/services"
)

// handleSessionSSE streams the loop events of one session: state changes,
// decisions, observations, sub-queries and replies.
// GET /v1/sessions/{id}/events
func (s *Server) handleSessionSSE(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.agent.GetSession(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}

	ch, unsub := s.eventBus.Subscribe(string(id))
	defer unsub()
	s.streamEvents(w, r, ch)
}

// handleBroadcastSSE streams the events of every topic.
// GET /v1/events
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.eventBus.SubscribeGlobal()
	defer unsub()
	s.streamEvents(w, r, ch)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, ch <-chan services.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}
