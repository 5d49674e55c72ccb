package worker

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/actify/reportd/pkg/models"
)

// writeJSON writes a JSON response with the given status code.
func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode json response")
	}
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps domain error kinds onto HTTP status codes.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)

	var status int
	switch kind {
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindUnavailable:
		status = http.StatusServiceUnavailable
	case models.KindTimeout:
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}

	if status >= 500 {
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", GetRequestID(r.Context())).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Kind:      string(kind),
		RequestID: GetRequestID(r.Context()),
	})
}

// handleHealth reports process and database health plus sweeper state.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	status := http.StatusOK
	if s.dbPing != nil {
		if err := s.dbPing(); err != nil {
			dbStatus = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, map[string]any{
		"status":         dbStatus,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"sweeper":        s.sweeper.Stats(),
		"rate_limiter":   s.ingestLimit.Stats(),
	})
}
