package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hotdogornot/hotdogornot/pkg/config"
	"github.com/hotdogornot/hotdogornot/pkg/metrics"
	"github.com/hotdogornot/hotdogornot/pkg/parser"
	"github.com/hotdogornot/hotdogornot/pkg/runner"
)

type runReport struct {
	Run         runner.RunMeta `json:"run"`
	DisplayName string         `json:"display_name"`
	Report      metrics.Report `json:"report"`
}

// reportForRun grades a run's prediction log.
func (s *server) reportForRun(meta runner.RunMeta) (runReport, error) {
	preds, err := s.runs.Predictions(meta.RunID, 0)
	if err != nil {
		return runReport{}, err
	}

	scored := make([]metrics.Prediction, len(preds))
	for i, p := range preds {
		scored[i] = metrics.Prediction{
			Answer:      p.Answer,
			GroundTruth: p.Category,
			LatencyMs:   p.LatencyMs,
		}
	}

	return runReport{
		Run:         meta,
		DisplayName: config.ModelDisplayName(meta.Model),
		Report:      metrics.ComputeReport(scored),
	}, nil
}

// latestCompletedByModel picks each model's most recent completed run.
func (s *server) latestCompletedByModel() (map[string]runner.RunMeta, error) {
	runs, err := s.runs.ListRuns()
	if err != nil {
		return nil, err
	}

	latest := map[string]runner.RunMeta{}

	for _, meta := range runs {
		if meta.Status != runner.StatusCompleted {
			continue
		}

		cur, ok := latest[meta.Model]
		if !ok || meta.StartedAt.After(cur.StartedAt) {
			latest[meta.Model] = meta
		}
	}

	return latest, nil
}

func (s *server) handleResultsLeaderboard(w http.ResponseWriter, _ *http.Request) {
	latest, err := s.latestCompletedByModel()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	entries := make([]runReport, 0, len(latest))

	for _, meta := range latest {
		report, err := s.reportForRun(meta)
		if err != nil {
			continue
		}

		entries = append(entries, report)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Report.Metrics, entries[j].Report.Metrics
		if a.Accuracy != b.Accuracy {
			return a.Accuracy > b.Accuracy
		}

		return entries[i].Run.Model < entries[j].Run.Model
	})

	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

func (s *server) handleResultsModel(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "*")
	if model == "" {
		errorResponse(w, http.StatusBadRequest, "model is required")

		return
	}

	latest, err := s.latestCompletedByModel()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	meta, ok := latest[model]
	if !ok {
		errorResponse(w, http.StatusNotFound, "no completed runs for model")

		return
	}

	report, err := s.reportForRun(meta)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleResultsPredictions(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		errorResponse(w, http.StatusBadRequest, "model is required")

		return
	}

	latest, err := s.latestCompletedByModel()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	meta, ok := latest[model]
	if !ok {
		errorResponse(w, http.StatusNotFound, "no completed runs for model")

		return
	}

	preds, err := s.runs.Predictions(meta.RunID, 0)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	filter := r.URL.Query().Get("filter")

	filtered := make([]runner.Prediction, 0, len(preds))

	for _, p := range preds {
		switch filter {
		case "", "all":
		case "correct":
			if !p.Correct {
				continue
			}
		case "incorrect":
			if p.Correct || p.Answer == parser.AnswerError {
				continue
			}
		case "errors":
			if p.Answer != parser.AnswerError {
				continue
			}
		default:
			errorResponse(w, http.StatusBadRequest, "invalid filter")

			return
		}

		filtered = append(filtered, p)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      meta.RunID,
		"predictions": filtered,
		"count":       len(filtered),
	})
}

func (s *server) handleResultsCompare(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("run_ids")
	if raw == "" {
		errorResponse(w, http.StatusBadRequest, "run_ids is required")

		return
	}

	reports := map[string]runReport{}

	for _, runID := range strings.Split(raw, ",") {
		runID = strings.TrimSpace(runID)
		if runID == "" {
			continue
		}

		meta, err := s.runs.GetRun(runID)
		if err != nil {
			errorResponse(w, http.StatusNotFound, "run not found: "+runID)

			return
		}

		report, err := s.reportForRun(meta)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, err.Error())

			return
		}

		reports[runID] = report
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": reports})
}
