package handlers

import (
	"net/http"
)

// QueueStatus reports how many jobs are still claimable and the processor
// settings.
func (s *Server) QueueStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		respond(w, r, http.StatusServiceUnavailable, "job queue not initialized")
		return
	}

	pending, err := s.deps.Queue.PendingCount(r.Context())
	if err != nil {
		logger(r).Error().Err(err).Msg("Could not count pending jobs")
		respond(w, r, http.StatusInternalServerError, "could not read queue")
		return
	}

	respond(w, r, http.StatusOK, map[string]interface{}{
		"status":           "running",
		"pending_jobs":     pending,
		"window_ms":        s.deps.Queue.Window().Milliseconds(),
		"batch_size":       s.opts.BatchSize,
		"poll_interval_ms": s.opts.PollInterval.Milliseconds(),
	})
}
