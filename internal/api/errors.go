package api

import (
	"encoding/json"
	"net/http"

	"github.com/streamforge/supervisor/internal/domain/errors"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusForKind maps the domain error kinds to HTTP status codes.
func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.Validation:
		return http.StatusBadRequest
	case errors.NotFound:
		return http.StatusNotFound
	case errors.Conflict:
		return http.StatusConflict
	case errors.Resource:
		return http.StatusServiceUnavailable
	case errors.Spawn:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
