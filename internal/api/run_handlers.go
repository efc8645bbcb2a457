package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/e3brown-rba/ikoma-tracker/internal/run"
	"github.com/e3brown-rba/ikoma-tracker/internal/track"
)

type createRunRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
	Goal string `json:"goal"`
}

// createRun handles POST /v1/runs. A missing id is generated server-side.
// Returns 201 with the run snapshot, 400 for invalid payloads, or 409 when
// the id is already live.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		generated, err := s.idGen.NewID()
		if err != nil {
			s.logger.Error("generate run id failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to generate run id")
			return
		}
		id = generated
	}
	rec, err := s.store.Create(id, req.Name, req.Kind)
	if err != nil {
		if errors.Is(err, track.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "run already exists")
			return
		}
		s.logger.Error("create run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}
	if req.Goal != "" {
		s.store.Update(id, map[string]any{"goal": req.Goal})
		if updated, getErr := s.store.Get(id); getErr == nil {
			rec = updated
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run": rec})
}

// listRuns handles GET /v1/runs?status=. An empty filter returns every live
// run; any valid status value filters the listing.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	statusParam := strings.TrimSpace(r.URL.Query().Get("status"))
	var records []run.Record
	switch statusParam {
	case "":
		records = s.store.List()
	case string(run.StatusRunning):
		records = s.store.ListRunning()
	default:
		status, err := run.ParseStatus(statusParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		for _, rec := range s.store.List() {
			if rec.Status == status {
				records = append(records, rec)
			}
		}
	}
	if records == nil {
		records = []run.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec})
}

// patchRun handles PATCH /v1/runs/{run_id} with a partial field map. Unknown
// fields and mistyped values are ignored by the store.
func (s *Server) patchRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if _, err := s.store.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.store.Update(id, fields)
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec})
}

type ingestRequest struct {
	Line string `json:"line"`
}

// ingestOutput handles POST /v1/runs/{run_id}/output. Lines for unknown runs
// are accepted and dropped: workers may keep emitting after deletion.
func (s *Server) ingestOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.store.Ingest(id, req.Line)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	if _, err := s.store.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.store.MarkCompleted(id)
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec})
}

type failRunRequest struct {
	Message string `json:"message"`
}

func (s *Server) failRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	var req failRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if _, err := s.store.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.store.MarkError(id, req.Message)
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	if !s.store.Delete(id) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.estimator.Forget(id)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type predictionDTO struct {
	CurrentProgress       float64    `json:"current_progress"`
	SmoothedProgress      float64    `json:"smoothed_progress"`
	PredictedCompletion   *time.Time `json:"predicted_completion,omitempty"`
	EstimatedTotalSeconds *float64   `json:"estimated_total_seconds,omitempty"`
	Confidence            float64    `json:"confidence"`
}

// getPrediction handles GET /v1/runs/{run_id}/prediction. Each call feeds the
// run's current progress into the estimator and returns the smoothed view.
func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	pred := s.estimator.Update(rec.ID, float64(rec.Progress), rec.Kind)
	dto := predictionDTO{
		CurrentProgress:     pred.CurrentProgress,
		SmoothedProgress:    pred.SmoothedProgress,
		PredictedCompletion: pred.PredictedCompletion,
		Confidence:          pred.Confidence,
	}
	if pred.EstimatedTotal != nil {
		seconds := pred.EstimatedTotal.Seconds()
		dto.EstimatedTotalSeconds = &seconds
	}
	writeJSON(w, http.StatusOK, map[string]any{"prediction": dto})
}

// getStats handles GET /v1/stats with live run counts per status.
func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int, len(run.Statuses()))
	for _, status := range run.Statuses() {
		counts[string(status)] = s.store.CountByStatus(status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (run.Record, bool) {
	id := chi.URLParam(r, "run_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return run.Record{}, false
	}
	rec, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, track.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return run.Record{}, false
		}
		s.logger.Error("get run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run %s", id))
		return run.Record{}, false
	}
	return rec, true
}
