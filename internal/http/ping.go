package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/monitor"
)

// handleHeartbeatPing records a heartbeat ping. GET, HEAD, and POST all
// behave identically; the token is the whole credential.
func (s *Server) handleHeartbeatPing(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	err := s.monitors.HeartbeatPing(r.Context(), token, clientIP(r))
	if err != nil {
		writePingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"status": model.HeartbeatHealthy,
	})
}

func (s *Server) handleStartPing(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	res, err := s.monitors.StartPing(r.Context(), token, clientIP(r))
	if err != nil {
		writePingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"status": res.Status,
		"run_id": res.RunID,
	})
}

func (s *Server) handleEndPing(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	// POST may carry {duration_ms?, status?, message?}; it is stored on the
	// end event verbatim.
	var payload model.AnyMap
	if r.Method == http.MethodPost && r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json payload")
			return
		}
	}

	res, err := s.monitors.EndPing(r.Context(), token, clientIP(r), payload)
	if err != nil {
		writePingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"status":      res.Status,
		"run_id":      res.RunID,
		"duration_ms": res.DurationMs,
	})
}

// writePingError maps monitor service errors onto the ping status contract:
// unknown token 404, paused or no-open-run 400, concurrent run 409.
func writePingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown token")
	case errors.Is(err, monitor.ErrPaused):
		writeError(w, http.StatusBadRequest, "paused")
	case errors.Is(err, monitor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "a run is already in progress")
	case errors.Is(err, monitor.ErrNotRunning):
		writeError(w, http.StatusBadRequest, "no run in progress")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
