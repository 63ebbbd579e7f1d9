package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/fanout"
)

// handleFollowChannel streams one channel's snapshots as server-sent
// events until the client disconnects.
func (s *Server) handleFollowChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetChannel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.streamSnapshots(w, r, func(subID string, sink chan fanout.Snapshot) {
		s.fan.FollowChannel(subID, id, sink)
	})
}

// handleFollowAll streams snapshots for the whole channel population.
func (s *Server) handleFollowAll(w http.ResponseWriter, r *http.Request) {
	s.streamSnapshots(w, r, func(subID string, sink chan fanout.Snapshot) {
		s.fan.FollowAll(subID, sink)
	})
}

func (s *Server) streamSnapshots(w http.ResponseWriter, r *http.Request, follow func(string, chan fanout.Snapshot)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New(errors.Internal, "streaming unsupported by connection", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := uuid.NewString()
	sink := make(chan fanout.Snapshot, 16)
	follow(subID, sink)
	defer s.fan.Disconnect(subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-sink:
			payload, err := json.Marshal(snap)
			if err != nil {
				s.logger.Debug().Err(err).Msg("encoding snapshot for stream")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
