// Package api exposes the HTTP surface: dataset browsing, benchmark run
// control, results reporting and the battle arena, all under /api/v1.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hotdogornot/hotdogornot/pkg/battle"
	battlestore "github.com/hotdogornot/hotdogornot/pkg/battle/store"
	"github.com/hotdogornot/hotdogornot/pkg/classify"
	"github.com/hotdogornot/hotdogornot/pkg/config"
	"github.com/hotdogornot/hotdogornot/pkg/dataset"
	"github.com/hotdogornot/hotdogornot/pkg/openrouter"
	"github.com/hotdogornot/hotdogornot/pkg/runner"
	"github.com/hotdogornot/hotdogornot/pkg/storage"
)

// Server is the API lifecycle boundary.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type server struct {
	log logrus.FieldLogger
	cfg *config.Config

	httpServer *http.Server

	data        *dataset.Manager
	runs        *runner.Runner
	battle      *battle.Service
	battleStore battlestore.Store
	classify    *classify.Service

	limiter       *ipRateLimiter
	battleLimiter *ipRateLimiter
}

// NewServer wires every component from the configuration.
func NewServer(log logrus.FieldLogger, cfg *config.Config) (Server, error) {
	classifier := openrouter.NewClient(log, openrouter.Config{
		BaseURL:           cfg.OpenRouter.BaseURL,
		APIKey:            cfg.OpenRouter.APIKey,
		Prompt:            cfg.OpenRouter.Prompt,
		RequestsPerMinute: cfg.OpenRouter.RequestsPerMinute,
		RequestTimeout:    time.Duration(cfg.OpenRouter.RequestTimeoutSec) * time.Second,
	})

	return newServer(log, cfg, classifier)
}

func newServer(log logrus.FieldLogger, cfg *config.Config, classifier openrouter.Classifier) (*server, error) {
	s := &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}

	if err := s.initComponents(log, classifier); err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *server) initComponents(log logrus.FieldLogger, classifier openrouter.Classifier) error {
	s.data = dataset.NewManager(log, s.cfg.Dataset.DataDir)

	runs, err := runner.New(log, runner.Config{
		ResultsDir:           s.cfg.Benchmark.ResultsDir,
		MaxConsecutiveErrors: s.cfg.Benchmark.MaxConsecutiveErrors,
	}, s.data, classifier)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	s.runs = runs

	images, err := storage.New(storage.Config{
		Backend: s.cfg.Battle.Images.Backend,
		Local:   storage.LocalConfig{Dir: s.cfg.Battle.Images.Dir},
		S3: storage.S3Config{
			Endpoint:  s.cfg.Battle.Images.S3.Endpoint,
			Region:    s.cfg.Battle.Images.S3.Region,
			Bucket:    s.cfg.Battle.Images.S3.Bucket,
			AccessKey: s.cfg.Battle.Images.S3.AccessKey,
			SecretKey: s.cfg.Battle.Images.S3.SecretKey,
			Prefix:    s.cfg.Battle.Images.S3.Prefix,
			PathStyle: s.cfg.Battle.Images.S3.PathStyle,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create image storage: %w", err)
	}

	db, err := battlestore.New(log, battlestore.Config{
		Driver: s.cfg.Database.Driver,
		DSN:    s.cfg.Database.DSN,
	})
	if err != nil {
		return fmt.Errorf("failed to create battle store: %w", err)
	}

	s.battleStore = db

	s.battle = battle.NewService(log, battle.Config{
		BaselineModel:  s.cfg.Battle.BaselineModel,
		MinVotes:       s.cfg.Battle.MinVotes,
		ExcludedModels: s.cfg.Battle.ExcludedModels,
	}, db, images, classifier)

	s.classify = classify.NewService(log, classifier, s.cfg.Benchmark.Models)

	s.limiter = newIPRateLimiter(s.cfg.Server.RateLimit.RequestsPerMinute)
	s.battleLimiter = newIPRateLimiter(s.cfg.Server.RateLimit.BattleRequestsPerMinute)

	return nil
}

func (s *server) Start(ctx context.Context) error {
	if err := s.battleStore.Start(ctx); err != nil {
		return fmt.Errorf("failed to start battle store: %w", err)
	}

	listener, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Listen, err)
	}

	s.log.WithField("addr", listener.Addr().String()).Info("API server listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server stopped")
		}
	}()

	return nil
}

func (s *server) Stop(ctx context.Context) error {
	s.limiter.stop()
	s.battleLimiter.stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	if err := s.battleStore.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop battle store: %w", err)
	}

	s.log.Info("API server stopped")

	return nil
}
