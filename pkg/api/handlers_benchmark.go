package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hotdogornot/hotdogornot/pkg/runner"
)

type startRunRequest struct {
	Model      string `json:"model"`
	SampleSize int    `json:"sample_size"`
}

func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.Model == "" {
		errorResponse(w, http.StatusBadRequest, "model is required")

		return
	}

	if req.SampleSize <= 0 {
		req.SampleSize = s.cfg.Benchmark.DefaultSampleSize
	}

	meta, err := s.runs.StartRun(req.Model, req.SampleSize)
	if err != nil {
		if errors.Is(err, runner.ErrEmptyDataset) {
			errorResponse(w, http.StatusConflict, "dataset is not downloaded")

			return
		}

		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusAccepted, meta)
}

type startBatchRequest struct {
	Models     []string `json:"models"`
	SampleSize int      `json:"sample_size"`
}

func (s *server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if len(req.Models) == 0 {
		req.Models = s.cfg.Benchmark.Models
	}

	if req.SampleSize <= 0 {
		req.SampleSize = s.cfg.Benchmark.DefaultSampleSize
	}

	batchID, metas, err := s.runs.StartBatch(req.Models, req.SampleSize)
	if err != nil {
		if errors.Is(err, runner.ErrEmptyDataset) {
			errorResponse(w, http.StatusConflict, "dataset is not downloaded")

			return
		}

		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batchID,
		"runs":     metas,
	})
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	err := s.runs.CancelRun(chi.URLParam(r, "id"))

	switch {
	case errors.Is(err, runner.ErrRunNotFound):
		errorResponse(w, http.StatusNotFound, "run not found")
	case errors.Is(err, runner.ErrRunNotActive):
		errorResponse(w, http.StatusConflict, "run is not active")
	case err != nil:
		errorResponse(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func (s *server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	err := s.runs.CancelBatch(chi.URLParam(r, "id"))

	switch {
	case errors.Is(err, runner.ErrBatchNotFound):
		errorResponse(w, http.StatusNotFound, "batch not found")
	case err != nil:
		errorResponse(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func (s *server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	meta, err := s.runs.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		errorResponse(w, http.StatusNotFound, "run not found")

		return
	}

	writeJSON(w, http.StatusOK, meta)
}

func (s *server) handleRunPredictions(w http.ResponseWriter, r *http.Request) {
	last := 0

	if raw := r.URL.Query().Get("last"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "invalid last")

			return
		}

		last = n
	}

	preds, err := s.runs.Predictions(chi.URLParam(r, "id"), last)
	if err != nil {
		errorResponse(w, http.StatusNotFound, "run not found")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": preds,
		"count":       len(preds),
	})
}

func (s *server) handleRunQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.runs.Queue(chi.URLParam(r, "id"))
	if err != nil {
		errorResponse(w, http.StatusNotFound, "run not found")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue": queue,
		"count": len(queue),
	})
}

func (s *server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs, err := s.runs.ListRuns()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) handleClearRuns(w http.ResponseWriter, _ *http.Request) {
	removed, err := s.runs.ClearHistory()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
