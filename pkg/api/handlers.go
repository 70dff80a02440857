package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ethpandaops/buildsync/pkg/queue"
	"github.com/ethpandaops/buildsync/pkg/reconcile"
	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/ethpandaops/buildsync/pkg/task"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// buildResponse is a build together with its jobs and aggregated stats.
type buildResponse struct {
	store.Build
	Jobs  []store.Job      `json:"jobs"`
	Stats map[string]int64 `json:"stats"`
}

// stepResponse is a step together with its stats and failure reasons.
type stepResponse struct {
	store.JobStep
	Stats          map[string]int64      `json:"stats"`
	FailureReasons []store.FailureReason `json:"failure_reasons"`
}

// enqueueResponse acknowledges a scheduled sync.
type enqueueResponse struct {
	Task string `json:"task"`
	ID   string `json:"id"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// parseIDParam reads the {id} URL parameter, writing a 400 on failure.
func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return uuid.Nil, false
	}

	return id, true
}

func statsMap(stats []store.ItemStat) map[string]int64 {
	out := make(map[string]int64, len(stats))
	for _, st := range stats {
		out[st.Name] = st.Value
	}

	return out
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetBuild returns a build with its jobs and stats.
func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	build, err := s.store.GetBuild(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"build not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to get build")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	jobs, err := s.store.ListJobsByBuild(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list jobs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	stats, err := s.store.ListStats(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list build stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, buildResponse{
		Build: *build,
		Jobs:  jobs,
		Stats: statsMap(stats),
	})
}

// handleGetStep returns a step with its stats and failure reasons.
func (s *server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	step, err := s.store.GetJobStep(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"step not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to get step")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	stats, err := s.store.ListStats(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list step stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	reasons, err := s.store.ListFailureReasons(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list failure reasons")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, stepResponse{
		JobStep:        *step,
		Stats:          statsMap(stats),
		FailureReasons: reasons,
	})
}

// handleListTasks returns every queued or running task.
func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.queue.ListPending(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list tasks")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if tasks == nil {
		tasks = []queue.Task{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleSyncBuild schedules a build reconciliation.
func (s *server) handleSyncBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	s.enqueue(w, r, reconcile.TaskSyncBuild, task.Args{"build_id": id.String()})
}

// handleSyncStep schedules a step reconciliation.
func (s *server) handleSyncStep(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	s.enqueue(w, r, reconcile.TaskSyncJobStep, task.Args{"step_id": id.String()})
}

func (s *server) enqueue(
	w http.ResponseWriter, r *http.Request, name string, args task.Args,
) {
	if err := s.dispatcher.Enqueue(r.Context(), name, args, 0); err != nil {
		s.log.WithError(err).WithField("task", name).
			Error("Failed to enqueue task")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{
		Task: name,
		ID:   args.Key(),
	})
}
