package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hotdogornot/hotdogornot/pkg/dataset"
)

func (s *server) handleDatasetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.data.Status())
}

func (s *server) handleDatasetImages(w http.ResponseWriter, r *http.Request) {
	sampleSize := 0

	if raw := r.URL.Query().Get("sample_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "invalid sample_size")

			return
		}

		sampleSize = n
	}

	images := s.data.ListImages(sampleSize)

	writeJSON(w, http.StatusOK, map[string]any{
		"images": images,
		"count":  len(images),
	})
}

func (s *server) handleDatasetImage(w http.ResponseWriter, r *http.Request) {
	split := dataset.Split(chi.URLParam(r, "split"))
	category := dataset.Category(chi.URLParam(r, "category"))
	filename := chi.URLParam(r, "filename")

	path, err := s.data.ImagePath(split, category, filename)
	if err != nil {
		errorResponse(w, http.StatusNotFound, "image not found")

		return
	}

	http.ServeFile(w, r, path)
}
