package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limiter.middleware)

		r.Get("/health", s.handleHealth)
		r.Get("/models", s.handleModels)

		r.Route("/dataset", func(r chi.Router) {
			r.Get("/status", s.handleDatasetStatus)
			r.Get("/images", s.handleDatasetImages)
			r.Get("/images/{split}/{category}/{filename}", s.handleDatasetImage)
		})

		r.Route("/benchmark", func(r chi.Router) {
			r.Post("/run", s.handleStartRun)
			r.Post("/batch-run", s.handleStartBatch)
			r.Post("/run/{id}/cancel", s.handleCancelRun)
			r.Post("/batch/{id}/cancel", s.handleCancelBatch)
			r.Get("/run/{id}/status", s.handleRunStatus)
			r.Get("/run/{id}/predictions", s.handleRunPredictions)
			r.Get("/run/{id}/queue", s.handleRunQueue)
			r.Get("/runs", s.handleListRuns)
			r.Delete("/runs", s.handleClearRuns)
		})

		r.Route("/results", func(r chi.Router) {
			r.Get("/leaderboard", s.handleResultsLeaderboard)
			r.Get("/compare", s.handleResultsCompare)
			r.Get("/predictions", s.handleResultsPredictions)
			r.Get("/model/*", s.handleResultsModel)
		})

		r.Post("/classify", s.handleClassify)

		r.Route("/battle", func(r chi.Router) {
			r.With(s.battleLimiter.middleware, s.bearerAuth).
				Post("/rounds", s.handleBattleRound)

			r.Post("/votes", s.handleBattleVote)
			r.Get("/feed", s.handleBattleFeed)
			r.Get("/ranking", s.handleBattleRanking)
			r.Get("/stats", s.handleBattleStats)
			r.Get("/images/{key}", s.handleBattleImage)
		})
	})

	return r
}
