package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hotdogornot/hotdogornot/pkg/battle"
	"github.com/hotdogornot/hotdogornot/pkg/config"
	"github.com/hotdogornot/hotdogornot/pkg/parser"
)

var allowedImageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// handleBattleRound accepts a challenger submission: a multipart form with
// the image plus the challenger's verdict.
func (s *server) handleBattleRound(w http.ResponseWriter, r *http.Request) {
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

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedImageExts[ext] {
		errorResponse(w, http.StatusBadRequest, "unsupported image type")

		return
	}

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

	latency := 0.0

	if raw := r.FormValue("latency_ms"); raw != "" {
		latency, err = strconv.ParseFloat(raw, 64)
		if err != nil || latency < 0 {
			errorResponse(w, http.StatusBadRequest, "invalid latency_ms")

			return
		}
	}

	round, err := s.battle.RecordRound(r.Context(), battle.RoundRequest{
		ImageData:           data,
		ImageMimeType:       mimeType,
		ImageExt:            ext,
		ChallengerModel:     r.FormValue("model"),
		ChallengerAnswer:    parser.Answer(r.FormValue("answer")),
		ChallengerReasoning: r.FormValue("reasoning"),
		ChallengerLatencyMs: latency,
		Source:              r.FormValue("source"),
	})
	if err != nil {
		if errors.Is(err, battle.ErrInvalidInput) {
			errorResponse(w, http.StatusBadRequest, err.Error())

			return
		}

		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusCreated, round)
}

type voteRequest struct {
	RoundID    string `json:"round_id"`
	Population string `json:"population"`
	VoterID    string `json:"voter_id"`
	Choice     string `json:"choice"`
}

func (s *server) handleBattleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.Population == "" {
		req.Population = battle.PopulationUser
	}

	result, err := s.battle.CastVote(r.Context(), req.RoundID, req.Population, req.VoterID, req.Choice)

	switch {
	case errors.Is(err, battle.ErrInvalidInput):
		errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, battle.ErrRoundNotFound):
		errorResponse(w, http.StatusNotFound, "round not found")
	case errors.Is(err, battle.ErrDuplicateVote):
		errorResponse(w, http.StatusConflict, "already voted on this round")
	case err != nil:
		errorResponse(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, result)
	}
}

func (s *server) population(r *http.Request) string {
	population := r.URL.Query().Get("population")
	if population == "" {
		population = battle.PopulationUser
	}

	return population
}

func (s *server) handleBattleFeed(w http.ResponseWriter, r *http.Request) {
	last := 0

	if raw := r.URL.Query().Get("last"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "invalid last")

			return
		}

		last = n
	}

	feed, err := s.battle.Feed(r.Context(), s.population(r), last)
	if err != nil {
		if errors.Is(err, battle.ErrInvalidInput) {
			errorResponse(w, http.StatusBadRequest, err.Error())

			return
		}

		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"feed":  feed,
		"count": len(feed),
	})
}

func (s *server) handleBattleRanking(w http.ResponseWriter, r *http.Request) {
	lb, err := s.battle.Leaderboard(r.Context(), s.population(r))
	if err != nil {
		if errors.Is(err, battle.ErrInvalidInput) {
			errorResponse(w, http.StatusBadRequest, err.Error())

			return
		}

		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	names := make(map[string]string, len(lb.Models))
	for _, m := range lb.Models {
		names[m.Model] = config.ModelDisplayName(m.Model)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ranking":       lb,
		"display_names": names,
	})
}

func (s *server) handleBattleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.battle.Stats(r.Context(), s.population(r))
	if err != nil {
		if errors.Is(err, battle.ErrInvalidInput) {
			errorResponse(w, http.StatusBadRequest, err.Error())

			return
		}

		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleBattleImage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	data, err := s.battle.Image(r.Context(), key)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())

		return
	}

	if data == nil {
		errorResponse(w, http.StatusNotFound, "image not found")

		return
	}

	w.Header().Set("Content-Type", mimeForExt(filepath.Ext(key)))
	w.Header().Set("Cache-Control", "public, max-age=86400")

	_, _ = w.Write(data)
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
