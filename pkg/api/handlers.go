package api

import (
	"encoding/json"
	"net/http"

	"github.com/hotdogornot/hotdogornot/pkg/config"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Baseline    bool   `json:"baseline"`
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]modelInfo, 0, len(s.cfg.Benchmark.Models))

	for _, id := range s.cfg.Benchmark.Models {
		models = append(models, modelInfo{
			ID:          id,
			DisplayName: config.ModelDisplayName(id),
			Baseline:    id == s.cfg.Battle.BaselineModel,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}
