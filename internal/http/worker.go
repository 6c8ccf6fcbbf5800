package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/store"
)

const (
	defaultPollTimeout = 30 * time.Second
	maxPollTimeout     = 60 * time.Second
)

// handleWorkerPoll hands the oldest queued task to the worker, blocking up to
// the requested timeout. 204 when nothing arrives in time.
func (s *Server) handleWorkerPoll(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")

	timeout := defaultPollTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 1 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = time.Duration(secs) * time.Second
		if timeout > maxPollTimeout {
			timeout = maxPollTimeout
		}
	}

	info, err := s.workers.PollWorkerTask(r.Context(), workerID, timeout)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll.
			return
		}
		logging.L_error("http: worker poll failed", "worker", workerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if info == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleWorkerResult accepts the final outcome of an externally executed
// task. Workers run their own retry loop, so every report is terminal.
func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")

	var res model.WorkerResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if res.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	if err := s.results.CompleteExternal(r.Context(), res); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown task")
			return
		}
		logging.L_error("http: worker result rejected", "worker", workerID, "task", res.TaskID, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
