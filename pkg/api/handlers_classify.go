package api

import (
	"io"
	"net/http"
	"strings"
)

// handleClassify runs the whole model panel over an uploaded image and
// returns every verdict plus the consensus.
func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.Battle.MaxImageMB) << 20

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+4096)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		errorResponse(w, http.StatusRequestEntityTooLarge, "image too large or malformed form")

		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "image file is required")

		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		errorResponse(w, http.StatusBadRequest, "content type must be image/*")

		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "failed to read image")

		return
	}

	if int64(len(data)) > maxBytes {
		errorResponse(w, http.StatusRequestEntityTooLarge, "image too large")

		return
	}

	result, err := s.classify.Classify(r.Context(), data, mimeType)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, result)
}
